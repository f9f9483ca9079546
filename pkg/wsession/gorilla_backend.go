package wsession

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/kvstransport/pkg/evloop"
	"github.com/sammck-go/kvstransport/pkg/kvserr"
	"github.com/sammck-go/kvstransport/pkg/tlsconn"
	"github.com/sammck-go/kvstransport/pkg/urlparse"
)

const (
	// DefaultHandshakeTimeout bounds the WebSocket upgrade exchange
	DefaultHandshakeTimeout = 45 * time.Second

	// DefaultMaxWriteChunk is the most bytes of a message written per Write call
	DefaultMaxWriteChunk = 16 * 1024

	readChunk       = 4096
	closeWriteGrace = time.Second
)

// GorillaOptions tunes a GorillaBackend. Zero values select defaults.
type GorillaOptions struct {
	HandshakeTimeout time.Duration
	MaxWriteChunk    int

	// Binary sends outbound messages as binary frames instead of text
	Binary bool

	// Header holds extra upgrade request headers
	Header http.Header
}

// GorillaBackend carries a WebSocket connection, using gorilla/websocket for
// framing over a tlsconn.Session. Frames are read by one goroutine that posts
// fragments to the embedded Pump; writes happen on the servicing goroutine.
type GorillaBackend struct {
	*evloop.Pump
	logger.Logger
	session *tlsconn.Session
	options GorillaOptions
	host    string
	port    int
	query   string

	connected bool
	conn      *websocket.Conn
	writer    io.WriteCloser
}

// NewGorillaBackend prepares a connection to endpoint (a wss:// URL naming the
// host and port) that will request signedPath, the "/?..." form produced by the
// signer. session must already have its credentials set. The connection is made
// by the first Service call.
func NewGorillaBackend(lg logger.Logger, session *tlsconn.Session, endpoint string, signedPath string,
	options GorillaOptions, h evloop.Handler) (*GorillaBackend, error) {
	if session == nil || h == nil {
		return nil, kvserr.Errorf(kvserr.BadParameter, "missing session or handler")
	}
	if !strings.HasPrefix(signedPath, "/?") {
		return nil, kvserr.Errorf(kvserr.MalformedQuery, "signed path %q has no query", signedPath)
	}
	host, err := urlparse.Host(endpoint)
	if err != nil {
		return nil, err
	}
	port, err := urlparse.Port(endpoint)
	if err != nil {
		return nil, err
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if options.MaxWriteChunk <= 0 {
		options.MaxWriteChunk = DefaultMaxWriteChunk
	}
	b := &GorillaBackend{
		Logger:  lg.ForkLog("GorillaBackend"),
		session: session,
		options: options,
		host:    host,
		port:    port,
		query:   signedPath[2:],
	}
	b.Pump = evloop.NewPump(h, b.release)
	return b, nil
}

func (b *GorillaBackend) connect(ctx context.Context) {
	if err := b.session.Connect(ctx, b.host, b.port); err != nil {
		b.Close(err)
		return
	}
	netConn, err := b.session.NetConn()
	if err != nil {
		b.Close(err)
		return
	}
	// netConn is already TLS; a wss URL would make gorilla wrap it in TLS again
	u := &url.URL{Scheme: "ws", Host: b.host, Path: "/", RawQuery: b.query}
	netConn.SetDeadline(time.Now().Add(b.options.HandshakeTimeout))
	conn, resp, err := websocket.NewClient(netConn, u, b.options.Header, readChunk, b.options.MaxWriteChunk)
	if err != nil {
		if resp != nil {
			err = kvserr.Wrapf(kvserr.HandshakeFailed, err, "upgrade refused with %s", resp.Status)
		} else {
			err = kvserr.Wrapf(kvserr.HandshakeFailed, err, "upgrade")
		}
		b.Close(err)
		return
	}
	netConn.SetDeadline(time.Time{})
	b.conn = conn
	b.connected = true
	b.DLogf("Upgraded connection to %s", b.host)
	go b.readLoop()
	b.Dispatch(&evloop.Event{Kind: evloop.EventConnected})
}

// Service connects on the first call, then delivers pending events
func (b *GorillaBackend) Service(ctx context.Context, timeout time.Duration) error {
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

// Write writes up to MaxWriteChunk bytes of the current message. With final set,
// the message ends once all of p has been accepted.
func (b *GorillaBackend) Write(p []byte, final bool) (int, error) {
	if b.IsClosed() || b.conn == nil {
		return 0, kvserr.Errorf(kvserr.NotConnected, "websocket not connected")
	}
	if b.writer == nil {
		messageType := websocket.TextMessage
		if b.options.Binary {
			messageType = websocket.BinaryMessage
		}
		w, err := b.conn.NextWriter(messageType)
		if err != nil {
			return 0, kvserr.Wrapf(kvserr.NotConnected, err, "starting message")
		}
		b.writer = w
	}
	n := len(p)
	if n > b.options.MaxWriteChunk {
		n = b.options.MaxWriteChunk
	}
	if _, err := b.writer.Write(p[:n]); err != nil {
		return 0, kvserr.Wrapf(kvserr.NotConnected, err, "writing message")
	}
	if final && n == len(p) {
		w := b.writer
		b.writer = nil
		if err := w.Close(); err != nil {
			return n, kvserr.Wrapf(kvserr.NotConnected, err, "flushing message")
		}
	}
	return n, nil
}

// readLoop posts each inbound data message as one or more EventReceive fragments
func (b *GorillaBackend) readLoop() {
	for {
		_, r, err := b.conn.NextReader()
		if err != nil {
			b.Post(&evloop.Event{Kind: evloop.EventClosed, Err: readErr(err)})
			return
		}
		first := true
		var pending []byte
		for {
			chunk := make([]byte, readChunk)
			n, err := r.Read(chunk)
			if n > 0 {
				if pending != nil {
					if !b.Post(&evloop.Event{Kind: evloop.EventReceive, Data: pending, First: first}) {
						return
					}
					first = false
				}
				pending = chunk[:n]
			}
			if err == io.EOF {
				if !b.Post(&evloop.Event{Kind: evloop.EventReceive, Data: pending, First: first, Final: true}) {
					return
				}
				break
			}
			if err != nil {
				b.Post(&evloop.Event{Kind: evloop.EventClosed, Err: readErr(err)})
				return
			}
		}
	}
}

// readErr maps a read failure to the close cause; a normal close by the peer has
// none.
func readErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
		return nil
	}
	return kvserr.Wrapf(kvserr.NotConnected, err, "reading")
}

func (b *GorillaBackend) release(err error) {
	if b.conn != nil {
		code := websocket.CloseNormalClosure
		if err != nil {
			code = websocket.CloseInternalServerErr
		}
		msg := websocket.FormatCloseMessage(code, "")
		if werr := b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteGrace)); werr != nil {
			b.DLogf("Close frame not sent: %s", werr)
		}
	}
	if cerr := b.session.Close(); cerr != nil {
		b.DLogf("Session close: %s", cerr)
	}
}
