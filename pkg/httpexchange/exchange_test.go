package httpexchange

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/kvstransport/pkg/awscreds"
	"github.com/sammck-go/kvstransport/pkg/evloop"
	"github.com/sammck-go/kvstransport/pkg/evloop/evlooptest"
	"github.com/sammck-go/kvstransport/pkg/kvserr"
	"github.com/sammck-go/kvstransport/pkg/sigv4"
)

const (
	testURL       = "https://kinesisvideo.us-east-1.amazonaws.com/describeSignalingChannel"
	testUserAgent = "kvs-test/1.0"
	testDate      = "20150830T123600Z"
)

var (
	testCreds = awscreds.Credentials{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
	}
	testSigner = sigv4.Config{Region: "us-east-1", Service: "kinesisvideo"}
)

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

// newScriptedExchange returns an Exchange whose connections are fake backends that
// connect, ask for headers, and answer with response once the body is written.
func newScriptedExchange(t *testing.T, configure func(b *evlooptest.Backend)) (*Exchange, *evlooptest.Backend) {
	fake := evlooptest.New(nil)
	dial := func(ctx context.Context, req *Request, h evloop.Handler) (evloop.Backend, error) {
		fake.Handler = h
		fake.Push(&evloop.Event{Kind: evloop.EventConnected})
		fake.Push(&evloop.Event{Kind: evloop.EventAppendHeaders})
		return fake, nil
	}
	if configure != nil {
		configure(fake)
	}
	x, err := New(newTestLogger(t), Config{Signer: testSigner, UserAgent: testUserAgent, ServiceTimeout: 10 * time.Millisecond}, dial)
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}
	x.now = func() time.Time {
		return time.Date(2015, 8, 30, 12, 36, 0, 0, time.UTC)
	}
	return x, fake
}

func respondWith(status int, fragments ...string) func(b *evlooptest.Backend) {
	return func(b *evlooptest.Backend) {
		for i, f := range fragments {
			ev := &evloop.Event{Kind: evloop.EventReceive, Data: []byte(f), First: i == 0}
			if i == 0 {
				ev.StatusCode = status
			}
			b.Push(ev)
		}
		b.Push(&evloop.Event{Kind: evloop.EventCompleted})
	}
}

func TestSendPartialWrites(t *testing.T) {
	body := []byte(`{"ChannelName":"demo"}`)
	x, fake := newScriptedExchange(t, func(b *evlooptest.Backend) {
		b.WriteLimit = 5
		b.OnFinalWrite = respondWith(200, `{"ChannelInfo":`, `{"ChannelARN":"arn"}}`)
	})
	req := &Request{
		URL:     testURL,
		Headers: []HeaderField{{Name: "x-custom", Value: "yes"}},
		Body:    body,
	}
	resp := &Response{Buffer: make([]byte, 256)}
	if err := x.Send(context.Background(), req, resp, testCreds); err != nil {
		t.Fatalf("Send() returned error: %s", err)
	}
	if resp.StatusCode != 200 || string(resp.Body()) != `{"ChannelInfo":{"ChannelARN":"arn"}}` {
		t.Errorf("response %d %q", resp.StatusCode, resp.Body())
	}
	if string(fake.Output()) != string(body) {
		t.Errorf("body on the wire is %q", fake.Output())
	}
	if fake.Writes() != (len(body)+4)/5 {
		t.Errorf("%d writes for a %d byte body limited to 5 bytes per write", fake.Writes(), len(body))
	}
	delivered := fake.Delivered()
	if delivered[len(delivered)-1] != evloop.EventClosed {
		t.Errorf("last event was %s", delivered[len(delivered)-1])
	}

	signer, err := sigv4.NewSigner(testSigner)
	if err != nil {
		t.Fatalf("sigv4.NewSigner() returned error: %s", err)
	}
	expectedAuth, err := signer.SignHTTPRequest(&sigv4.HTTPRequest{
		Method:    "POST",
		URL:       testURL,
		UserAgent: testUserAgent,
		Body:      body,
	}, testCreds, testDate)
	if err != nil {
		t.Fatalf("SignHTTPRequest() returned error: %s", err)
	}

	headers := fake.AppendedHeaders()
	if len(headers) != 1 {
		t.Fatalf("headers appended %d times", len(headers))
	}
	h := headers[0]
	expected := []HeaderField{
		{"Authorization", expectedAuth},
		{"user-agent", testUserAgent},
		{"x-amz-date", testDate},
		{"content-type", DefaultContentType},
		{"content-length", strconv.Itoa(len(body))},
		{"x-custom", "yes"},
	}
	var got []HeaderField
	h.Each(func(name, value string) {
		got = append(got, HeaderField{name, value})
	})
	if len(got) != len(expected) {
		t.Fatalf("got headers %v", got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("header %d is %v, expected %v", i, got[i], expected[i])
		}
	}
}

func TestSendSessionToken(t *testing.T) {
	x, fake := newScriptedExchange(t, func(b *evlooptest.Backend) {
		b.OnFinalWrite = respondWith(200, "{}")
	})
	creds := testCreds
	creds.SessionToken = "FQoGZXIvYXdzEXAMPLETOKEN"
	resp := &Response{Buffer: make([]byte, 16)}
	if err := x.Send(context.Background(), &Request{URL: testURL}, resp, creds); err != nil {
		t.Fatalf("Send() returned error: %s", err)
	}
	h := fake.AppendedHeaders()[0]
	if token, ok := h.Get("x-amz-security-token"); !ok || token != creds.SessionToken {
		t.Errorf("security token header %q, %v", token, ok)
	}
	auth, _ := h.Get("Authorization")
	if !strings.Contains(auth, "SignedHeaders=host;user-agent;x-amz-date;x-amz-security-token,") {
		t.Errorf("authorization %q does not sign the token", auth)
	}
	if cl, _ := h.Get("content-length"); cl != "0" {
		t.Errorf("content-length %q for an empty body", cl)
	}
	units := fake.Units()
	if len(units) != 1 || len(units[0]) != 0 {
		t.Errorf("empty body written as %d units", len(units))
	}
}

func TestSendResponseTooLarge(t *testing.T) {
	x, fake := newScriptedExchange(t, func(b *evlooptest.Backend) {
		b.OnFinalWrite = respondWith(200, "0123", "456789")
	})
	resp := &Response{Buffer: make([]byte, 8)}
	err := x.Send(context.Background(), &Request{URL: testURL, Body: []byte("{}")}, resp, testCreds)
	if !errors.Is(err, kvserr.ResponseTooLarge) {
		t.Fatalf("Send() returned %v, expected ResponseTooLarge", err)
	}
	if closed, _ := fake.Closed(); !closed {
		t.Errorf("backend not closed after overflow")
	}
}

func TestSendClosedEarly(t *testing.T) {
	x, _ := newScriptedExchange(t, func(b *evlooptest.Backend) {
		b.OnFinalWrite = func(b *evlooptest.Backend) {
			b.PushReceive([]byte("partial"), true, false)
			b.Close(nil)
		}
	})
	resp := &Response{Buffer: make([]byte, 64)}
	err := x.Send(context.Background(), &Request{URL: testURL}, resp, testCreds)
	if !errors.Is(err, kvserr.NotConnected) {
		t.Errorf("Send() returned %v, expected NotConnected", err)
	}
}

func TestSendWriteFailure(t *testing.T) {
	x, _ := newScriptedExchange(t, func(b *evlooptest.Backend) {
		b.WriteErr = errors.New("broken pipe")
	})
	resp := &Response{Buffer: make([]byte, 64)}
	err := x.Send(context.Background(), &Request{URL: testURL, Body: []byte("{}")}, resp, testCreds)
	if !errors.Is(err, kvserr.NotConnected) {
		t.Errorf("Send() returned %v, expected NotConnected", err)
	}
}

func TestSendContextDone(t *testing.T) {
	fake := evlooptest.New(nil)
	dial := func(ctx context.Context, req *Request, h evloop.Handler) (evloop.Backend, error) {
		fake.Handler = h
		return fake, nil
	}
	x, err := New(newTestLogger(t), Config{Signer: testSigner, UserAgent: testUserAgent}, dial)
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = x.Send(ctx, &Request{URL: testURL}, &Response{Buffer: make([]byte, 8)}, testCreds)
	if !errors.Is(err, kvserr.NotConnected) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() returned %v", err)
	}
	if closed, _ := fake.Closed(); !closed {
		t.Errorf("backend not closed after the context ended")
	}
	delivered := fake.Delivered()
	if len(delivered) == 0 || delivered[len(delivered)-1] != evloop.EventClosed {
		t.Errorf("delivered %v, expected the close to reach the exchange", delivered)
	}
}

func TestSendBadParameters(t *testing.T) {
	dialErr := kvserr.Errorf(kvserr.ConnectFailure, "no route")
	dial := func(ctx context.Context, req *Request, h evloop.Handler) (evloop.Backend, error) {
		return nil, dialErr
	}
	lg := newTestLogger(t)
	if _, err := New(lg, Config{Signer: testSigner, UserAgent: testUserAgent}, nil); !errors.Is(err, kvserr.BadParameter) {
		t.Errorf("New() without a dialer returned %v", err)
	}
	if _, err := New(lg, Config{Signer: testSigner}, dial); !errors.Is(err, kvserr.BadParameter) {
		t.Errorf("New() without a user agent returned %v", err)
	}
	x, err := New(lg, Config{Signer: testSigner, UserAgent: testUserAgent}, dial)
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}
	ctx := context.Background()
	resp := &Response{Buffer: make([]byte, 8)}
	tests := []struct {
		name  string
		req   *Request
		resp  *Response
		creds awscreds.Credentials
		code  kvserr.Code
	}{
		{"nil request", nil, resp, testCreds, kvserr.BadParameter},
		{"empty URL", &Request{}, resp, testCreds, kvserr.BadParameter},
		{"no buffer", &Request{URL: testURL}, &Response{}, testCreds, kvserr.BadParameter},
		{"no credentials", &Request{URL: testURL}, resp, awscreds.Credentials{}, kvserr.BadParameter},
		{"malformed URL", &Request{URL: "kinesisvideo/path"}, resp, testCreds, kvserr.MalformedUrl},
		{"dial failure", &Request{URL: testURL}, resp, testCreds, kvserr.ConnectFailure},
	}
	for _, test := range tests {
		if err := x.Send(ctx, test.req, test.resp, test.creds); !errors.Is(err, test.code) {
			t.Errorf("%s: Send() returned %v, expected %v", test.name, err, test.code)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateBodyPending.String() != "body-pending" {
		t.Errorf("StateBodyPending.String() = %q", StateBodyPending.String())
	}
}
