package httpexchange

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/kvstransport/pkg/evloop"
	"github.com/sammck-go/kvstransport/pkg/kvserr"
	"github.com/sammck-go/kvstransport/pkg/tlsconn"
	"github.com/sammck-go/kvstransport/pkg/urlparse"
)

// DefaultReceiveChunk is the largest EventReceive payload a TLSBackend delivers
const DefaultReceiveChunk = 4096

// TLSBackend carries one HTTP/1.1 exchange over a tlsconn.Session. The request is
// written from the servicing goroutine; the response is parsed by a reader
// goroutine that posts events to the embedded Pump.
type TLSBackend struct {
	*evloop.Pump
	logger.Logger
	session *tlsconn.Session
	method  string
	target  string
	host    string
	port    int

	connected   bool
	headersSent bool
	bodyDone    bool
}

// NewTLSBackend prepares an exchange for req over session, which must already
// have its credentials set. The connection is made by the first Service call.
func NewTLSBackend(lg logger.Logger, session *tlsconn.Session, req *Request, h evloop.Handler) (*TLSBackend, error) {
	if session == nil || req == nil || h == nil {
		return nil, kvserr.Errorf(kvserr.BadParameter, "missing session, request or handler")
	}
	host, err := urlparse.Host(req.URL)
	if err != nil {
		return nil, err
	}
	port, err := urlparse.Port(req.URL)
	if err != nil {
		return nil, err
	}
	path, err := urlparse.Path(req.URL)
	if err != nil {
		return nil, err
	}
	query, err := urlparse.Query(req.URL)
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = "/"
	}
	target := path
	if query != "" {
		target += "?" + query
	}
	method := req.Method
	if method == "" {
		method = "POST"
	}
	b := &TLSBackend{
		Logger:  lg.ForkLog("TLSBackend"),
		session: session,
		method:  method,
		target:  target,
		host:    host,
		port:    port,
	}
	b.Pump = evloop.NewPump(h, b.release)
	return b, nil
}

// TLSDialer returns a Dialer that opens a new TLS session for every exchange
func TLSDialer(lg logger.Logger, creds *tlsconn.Credentials, options tlsconn.Options) Dialer {
	return func(ctx context.Context, req *Request, h evloop.Handler) (evloop.Backend, error) {
		s := tlsconn.NewSession(lg, "<HTTPSession>", options)
		if err := s.SetCredentials(creds); err != nil {
			s.Close()
			return nil, err
		}
		if err := s.SetOptionalConfigurations("", []string{"http/1.1"}); err != nil {
			s.Close()
			return nil, err
		}
		b, err := NewTLSBackend(lg, s, req, h)
		if err != nil {
			s.Close()
			return nil, err
		}
		return b, nil
	}
}

func (b *TLSBackend) connect(ctx context.Context) {
	if err := b.session.Connect(ctx, b.host, b.port); err != nil {
		b.Close(err)
		return
	}
	b.connected = true
	b.Dispatch(&evloop.Event{Kind: evloop.EventConnected})
	if b.IsClosed() {
		return
	}
	ev := &evloop.Event{Kind: evloop.EventAppendHeaders}
	b.Dispatch(ev)
	if b.IsClosed() {
		return
	}

	var head bytes.Buffer
	head.WriteString(b.method + " " + b.target + " HTTP/1.1\r\n")
	head.WriteString("Host: " + b.host + "\r\n")
	ev.Header.Each(func(name, value string) {
		head.WriteString(name + ": " + value + "\r\n")
	})
	head.WriteString("Connection: close\r\n\r\n")
	if err := b.writeAll(head.Bytes()); err != nil {
		b.Close(err)
		return
	}
	b.headersSent = true
}

func (b *TLSBackend) writeAll(p []byte) error {
	for len(p) > 0 {
		n, err := b.session.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return kvserr.Errorf(kvserr.NotConnected, "write stalled")
		}
		p = p[n:]
	}
	return nil
}

// Service connects on the first call, then delivers pending events
func (b *TLSBackend) Service(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	delivered := false
	if !b.connected && !b.IsClosed() {
		b.connect(ctx)
		delivered = true
	}
	return b.Pump.Service(ctx, timeout, delivered)
}

// Write sends request body bytes. Writes are blocking, so all of p is accepted
// unless the connection fails. The final write starts reading the response.
func (b *TLSBackend) Write(p []byte, final bool) (int, error) {
	if b.IsClosed() || !b.headersSent {
		return 0, kvserr.Errorf(kvserr.NotConnected, "request head not sent")
	}
	if b.bodyDone {
		return 0, kvserr.Errorf(kvserr.Inconsistent, "request body already complete")
	}
	if err := b.writeAll(p); err != nil {
		return 0, err
	}
	if final {
		b.bodyDone = true
		go b.readResponse()
	}
	return len(p), nil
}

func (b *TLSBackend) release(err error) {
	if cerr := b.session.Close(); cerr != nil {
		b.DLogf("Session close: %s", cerr)
	}
}

// sessionReader blocks on a Session, retrying its zero-length poll results
type sessionReader struct {
	session *tlsconn.Session
	stop    <-chan struct{}
}

func (r *sessionReader) Read(p []byte) (int, error) {
	for {
		select {
		case <-r.stop:
			return 0, kvserr.Errorf(kvserr.NotConnected, "backend closed")
		default:
		}
		n, err := r.session.Read(p)
		if n > 0 || err != nil {
			if kvserr.CodeOf(err) == kvserr.NotConnected && n == 0 {
				// clean close by the peer ends a Connection: close body
				return 0, io.EOF
			}
			return n, err
		}
	}
}

func (b *TLSBackend) readResponse() {
	br := bufio.NewReader(&sessionReader{session: b.session, stop: b.Stopped()})
	resp, err := http.ReadResponse(br, &http.Request{Method: b.method})
	if err != nil {
		b.Post(&evloop.Event{Kind: evloop.EventClosed, Err: kvserr.Wrapf(kvserr.NotConnected, err, "reading response")})
		return
	}
	defer resp.Body.Close()
	b.DLogf("Response %s", resp.Status)

	first := true
	total := 0
	for {
		chunk := make([]byte, DefaultReceiveChunk)
		n, err := resp.Body.Read(chunk)
		if n > 0 || first {
			ev := &evloop.Event{Kind: evloop.EventReceive, Data: chunk[:n], First: first}
			if first {
				ev.StatusCode = resp.StatusCode
				first = false
			}
			total += n
			if !b.Post(ev) {
				return
			}
		}
		if err == io.EOF {
			b.TLogf("Response body complete (%s)", sizestr.ToString(int64(total)))
			b.Post(&evloop.Event{Kind: evloop.EventCompleted})
			return
		}
		if err != nil {
			b.Post(&evloop.Event{Kind: evloop.EventClosed, Err: kvserr.Wrapf(kvserr.NotConnected, err, "reading response body")})
			return
		}
	}
}
