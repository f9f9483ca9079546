package networking

import (
	"context"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/kvstransport/pkg/awscreds"
	"github.com/sammck-go/kvstransport/pkg/httpexchange"
	"github.com/sammck-go/kvstransport/pkg/kvserr"
	"github.com/sammck-go/kvstransport/pkg/sigv4"
	"github.com/sammck-go/kvstransport/pkg/tlsconn"
)

const testChannelARN = "arn:aws:kinesisvideo:us-east-1:123456789012:channel/demo/1"

var testCreds = awscreds.Credentials{
	AccessKeyID:     "AKIDEXAMPLE",
	SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
	SessionToken:    "FQoGZXIvYXdzEXAMPLETOKEN",
}

func newTestLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

func queryKeys(rawQuery string) []string {
	var keys []string
	for _, term := range strings.Split(rawQuery, "&") {
		keys = append(keys, strings.SplitN(term, "=", 2)[0])
	}
	return keys
}

// newSignalingService starts a TLS stub of the signaling service: POSTs get a
// canned endpoint reply, GET / upgrades to an echoing WebSocket.
func newSignalingService(t *testing.T) (*httptest.Server, tlsconn.Credentials, chan string) {
	upgrader := websocket.Upgrader{}
	upgradeQueries := make(chan string, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("/getSignalingChannelEndpoint", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Amz-Security-Token") != testCreds.SessionToken {
			http.Error(w, "missing token", http.StatusForbidden)
			return
		}
		io.Copy(io.Discard, r.Body)
		io.WriteString(w, `{"ResourceEndpointList":[]}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		upgradeQueries <- r.URL.RawQuery
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})
	server := httptest.NewUnstartedServer(requestlog.Wrap(mux))
	server.StartTLS()
	t.Cleanup(server.Close)
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
	return server, tlsconn.Credentials{RootCA: caPEM}, upgradeQueries
}

func newTestContext(t *testing.T, ssl tlsconn.Credentials) *Context {
	nc, err := New(newTestLogger(t), Config{
		Aws:       sigv4.Config{Region: "us-east-1", Service: "kinesisvideo"},
		SSL:       ssl,
		UserAgent: "kvs-test/1.0",
		TLS:       tlsconn.Options{ConnectTimeout: 5 * time.Second, HandshakeTimeout: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}
	t.Cleanup(func() {
		nc.Close()
	})
	return nc
}

func TestSignalingRoundTrip(t *testing.T) {
	server, ssl, upgradeQueries := newSignalingService(t)
	nc := newTestContext(t, ssl)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	resp := &httpexchange.Response{Buffer: make([]byte, 512)}
	err := nc.HTTPSend(ctx, &httpexchange.Request{
		URL:  server.URL + "/getSignalingChannelEndpoint",
		Body: []byte(`{"ChannelARN":"` + testChannelARN + `"}`),
	}, resp, testCreds)
	if err != nil {
		t.Fatalf("HTTPSend() returned error: %s", err)
	}
	if resp.StatusCode != 200 || string(resp.Body()) != `{"ResourceEndpointList":[]}` {
		t.Fatalf("HTTPSend() response %d %q", resp.StatusCode, resp.Body())
	}

	if err := nc.WebsocketSend([]byte("early")); !errors.Is(err, kvserr.NotConnected) {
		t.Errorf("WebsocketSend() before connecting returned %v", err)
	}

	var lock sync.Mutex
	var received []string
	rx := func(data []byte, userData interface{}) int {
		lock.Lock()
		defer lock.Unlock()
		received = append(received, string(data)+"/"+userData.(string))
		return 0
	}
	wsURL := "wss://" + strings.TrimPrefix(server.URL, "https://") + "/?X-Amz-ChannelARN=" + testChannelARN
	if err := nc.WebsocketConnect(ctx, wsURL, testCreds, rx, "viewer"); err != nil {
		t.Fatalf("WebsocketConnect() returned error: %s", err)
	}
	keys := queryKeys(<-upgradeQueries)
	expectedKeys := []string{
		sigv4.AmzAlgorithmKey, sigv4.AmzChannelARNKey, sigv4.AmzCredentialKey, sigv4.AmzDateKey,
		sigv4.AmzExpiresKey, sigv4.AmzSecurityTokenKey, sigv4.AmzSignedHeadersKey, sigv4.AmzSignatureKey,
	}
	if strings.Join(keys, ",") != strings.Join(expectedKeys, ",") {
		t.Errorf("upgrade query keys %v", keys)
	}

	if err := nc.WebsocketConnect(ctx, wsURL, testCreds, rx, "viewer"); !errors.Is(err, kvserr.BadParameter) {
		t.Errorf("second WebsocketConnect() returned %v", err)
	}

	for _, m := range []string{`{"action":"SDP_OFFER"}`, `{"action":"ICE_CANDIDATE"}`} {
		if err := nc.WebsocketSend([]byte(m)); err != nil {
			t.Fatalf("WebsocketSend() returned error: %s", err)
		}
	}
	for {
		lock.Lock()
		n := len(received)
		lock.Unlock()
		if n == 2 {
			break
		}
		if err := nc.WebsocketService(ctx, 50*time.Millisecond); err != nil {
			t.Fatalf("WebsocketService() returned error: %s", err)
		}
	}
	if received[0] != `{"action":"SDP_OFFER"}/viewer` || received[1] != `{"action":"ICE_CANDIDATE"}/viewer` {
		t.Errorf("received %q", received)
	}

	if err := nc.WebsocketDisconnect(); err != nil {
		t.Errorf("WebsocketDisconnect() returned error: %s", err)
	}
	if err := nc.WebsocketService(ctx, time.Millisecond); !errors.Is(err, kvserr.NotConnected) {
		t.Errorf("WebsocketService() after disconnect returned %v", err)
	}
	if sent, got := nc.Stats().Messages(); sent != 2 || got != 2 {
		t.Errorf("stats counted %d sent, %d received", sent, got)
	}
	if open, total := nc.Stats().Counts(); open != 0 || total != 1 {
		t.Errorf("stats counted %d open of %d connections", open, total)
	}
	if err := nc.WebsocketSend([]byte("late")); !errors.Is(err, kvserr.NotConnected) {
		t.Errorf("WebsocketSend() after disconnect returned %v", err)
	}
}

func TestWebsocketConnectErrors(t *testing.T) {
	server, ssl, _ := newSignalingService(t)
	nc := newTestContext(t, ssl)
	rx := func([]byte, interface{}) int { return 0 }
	ctx := context.Background()
	host := strings.TrimPrefix(server.URL, "https://")

	if err := nc.WebsocketConnect(ctx, "wss://"+host+"/?X-Amz-Other=1", testCreds, rx, nil); !errors.Is(err, kvserr.MalformedQuery) {
		t.Errorf("WebsocketConnect() without a channel ARN returned %v", err)
	}
	if err := nc.WebsocketConnect(ctx, "wss://"+host+"/?X-Amz-ChannelARN=x", awscreds.Credentials{}, rx, nil); !errors.Is(err, kvserr.BadParameter) {
		t.Errorf("WebsocketConnect() without credentials returned %v", err)
	}
	server.Close()
	if err := nc.WebsocketConnect(ctx, "wss://"+host+"/?X-Amz-ChannelARN=x", testCreds, rx, nil); !errors.Is(err, kvserr.ConnectFailure) {
		t.Errorf("WebsocketConnect() to a closed server returned %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	lg := newTestLogger(t)
	if _, err := New(lg, Config{Aws: sigv4.Config{Region: "us-east-1", Service: "kinesisvideo"}, UserAgent: "ua"}); !errors.Is(err, kvserr.BadParameter) {
		t.Errorf("New() without a root CA returned %v", err)
	}
	_, ssl, _ := newSignalingService(t)
	if _, err := New(lg, Config{SSL: ssl, UserAgent: "ua"}); !errors.Is(err, kvserr.BadParameter) {
		t.Errorf("New() without a region returned %v", err)
	}
}
