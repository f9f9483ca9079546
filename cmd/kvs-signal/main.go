// kvs-signal connects to a signaling channel and relays messages between the
// channel and the terminal: each line read from stdin is sent as one message, and
// each message received is printed as one line on stdout.
//
// Credentials are read from a JSON file that is watched for changes, so rotated
// temporary credentials are picked up on the next reconnect.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"
	"github.com/spf13/pflag"

	"github.com/sammck-go/kvstransport/pkg/awscreds"
	"github.com/sammck-go/kvstransport/pkg/httpexchange"
	"github.com/sammck-go/kvstransport/pkg/kvserr"
	"github.com/sammck-go/kvstransport/pkg/networking"
	"github.com/sammck-go/kvstransport/pkg/sigv4"
	"github.com/sammck-go/kvstransport/pkg/tlsconn"
)

type options struct {
	region           string
	endpoint         string
	channelARN       string
	clientID         string
	describeURL      string
	credentialsPath  string
	caPath           string
	clientCertPath   string
	clientKeyPath    string
	userAgent        string
	maxRetryCount    int
	maxRetryInterval time.Duration
	verbose          bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var o options
	flagSet := pflag.NewFlagSet("kvs-signal", pflag.ContinueOnError)
	flagSet.StringVar(&o.region, "region", "us-east-1", "AWS region of the signaling channel")
	flagSet.StringVar(&o.endpoint, "endpoint", "", "wss:// signaling endpoint (required)")
	flagSet.StringVar(&o.channelARN, "channel-arn", "", "ARN of the signaling channel (required)")
	flagSet.StringVar(&o.clientID, "client-id", "", "connect as a viewer with this client id")
	flagSet.StringVar(&o.describeURL, "describe-url", "", "https:// URL to POST the channel ARN to before connecting")
	flagSet.StringVar(&o.credentialsPath, "credentials", "", "JSON file with accessKeyId, secretAccessKey, sessionToken, expiration (required)")
	flagSet.StringVar(&o.caPath, "ca-cert", "", "PEM file of trusted root CAs (required)")
	flagSet.StringVar(&o.clientCertPath, "client-cert", "", "PEM client certificate for mutual TLS")
	flagSet.StringVar(&o.clientKeyPath, "client-key", "", "PEM client private key for mutual TLS")
	flagSet.StringVar(&o.userAgent, "user-agent", "kvs-signal/1.0", "user agent sent with signed requests")
	flagSet.IntVar(&o.maxRetryCount, "max-retry-count", -1, "give up after this many failed connection attempts (-1: never)")
	flagSet.DurationVar(&o.maxRetryInterval, "max-retry-interval", 5*time.Minute, "longest wait between connection attempts")
	flagSet.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if o.endpoint == "" || o.channelARN == "" || o.credentialsPath == "" || o.caPath == "" {
		flagSet.PrintDefaults()
		return errors.New("--endpoint, --channel-arn, --credentials and --ca-cert are required")
	}

	logLevel := logger.LogLevelInfo
	if o.verbose {
		logLevel = logger.LogLevelDebug
	}
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logLevel),
		logger.WithPrefix("kvs-signal"),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := awscreds.NewFileProvider(lg, o.credentialsPath)
	if err != nil {
		return err
	}
	defer provider.Close()

	nc, err := networking.New(lg, networking.Config{
		Aws: sigv4.Config{Region: o.region, Service: "kinesisvideo"},
		SSL: tlsconn.Credentials{
			RootCAPath:     o.caPath,
			ClientCertPath: o.clientCertPath,
			ClientKeyPath:  o.clientKeyPath,
		},
		UserAgent: o.userAgent,
	})
	if err != nil {
		return err
	}
	defer nc.Close()

	if o.describeURL != "" {
		if err := describe(ctx, lg, nc, provider, o); err != nil {
			return err
		}
	}

	go relayStdin(lg, nc)
	return connectionLoop(ctx, lg, nc, provider, o)
}

func describe(ctx context.Context, lg logger.Logger, nc *networking.Context, provider awscreds.Provider, o options) error {
	creds, err := provider.Retrieve()
	if err != nil {
		return err
	}
	resp := &httpexchange.Response{Buffer: make([]byte, 64*1024)}
	err = nc.HTTPSend(ctx, &httpexchange.Request{
		URL:  o.describeURL,
		Body: []byte(fmt.Sprintf(`{"ChannelARN":%q}`, o.channelARN)),
	}, resp, creds)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return lg.Errorf("%s returned %d: %s", o.describeURL, resp.StatusCode, resp.Body())
	}
	fmt.Println(string(resp.Body()))
	return nil
}

func relayStdin(lg logger.Logger, nc *networking.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		if err := nc.WebsocketSend(line); err != nil {
			lg.WLogf("Dropped %s message: %s", sizestr.ToString(int64(len(line))), err)
		}
	}
}

func printMessage(data []byte, userData interface{}) int {
	fmt.Println(string(data))
	return 0
}

// connectionLoop keeps a WebSocket connected until ctx ends, backing off between
// failed attempts
func connectionLoop(ctx context.Context, lg logger.Logger, nc *networking.Context, provider awscreds.Provider, o options) error {
	url := o.endpoint + "/?X-Amz-ChannelARN=" + o.channelARN
	if o.clientID != "" {
		url += "&X-Amz-ClientId=" + o.clientID
	}
	b := &backoff.Backoff{Max: o.maxRetryInterval}
	var connerr error
	for ctx.Err() == nil {
		if connerr != nil {
			attempt := int(b.Attempt())
			d := b.Duration()
			msg := fmt.Sprintf("Connection error: %s (Attempt: %d", connerr, attempt+1)
			if o.maxRetryCount >= 0 {
				msg += fmt.Sprintf("/%d", o.maxRetryCount)
			}
			lg.DLogf("%s)", msg)
			if o.maxRetryCount >= 0 && attempt >= o.maxRetryCount {
				return connerr
			}
			lg.ILogf("Retrying in %s...", d)
			connerr = nil
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d):
			}
		}

		creds, err := provider.Retrieve()
		if err != nil {
			connerr = err
			continue
		}
		if creds.Expired(time.Now()) {
			connerr = kvserr.Errorf(kvserr.InvalidCredentials, "credentials in %s have expired", o.credentialsPath)
			continue
		}
		t0 := time.Now()
		if err := nc.WebsocketConnect(ctx, url, creds, printMessage, nil); err != nil {
			connerr = err
			continue
		}
		lg.ILogf("Connected (Latency %s)", time.Since(t0))
		b.Reset()

		for {
			err := nc.WebsocketService(ctx, time.Second)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				nc.WebsocketDisconnect()
				return nil
			}
			lg.ILogf("Disconnected")
			connerr = err
			break
		}
	}
	return nil
}
