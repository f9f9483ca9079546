// Package networking is the entry point used by a signaling client: one Context
// per signaling connection, offering a blocking signed HTTP call and a persistent
// signed WebSocket connection. There is no package-level state.
package networking

import (
	"context"
	"sync"
	"time"

	"github.com/sammck-go/logger"

	"github.com/sammck-go/kvstransport/pkg/awscreds"
	"github.com/sammck-go/kvstransport/pkg/httpexchange"
	"github.com/sammck-go/kvstransport/pkg/kvserr"
	"github.com/sammck-go/kvstransport/pkg/sigv4"
	"github.com/sammck-go/kvstransport/pkg/tlsconn"
	"github.com/sammck-go/kvstransport/pkg/wsession"
)

// DefaultConnectPoll is the Service wait used while WebsocketConnect waits for the
// upgrade to finish
const DefaultConnectPoll = 50 * time.Millisecond

// Config configures a Context
type Config struct {
	Aws       sigv4.Config
	SSL       tlsconn.Credentials
	UserAgent string

	// ReceiveBufferSize caps inbound WebSocket messages; 0 selects the default
	ReceiveBufferSize int

	TLS       tlsconn.Options
	WebSocket wsession.GorillaOptions
}

// Context holds the per-connection transport state. WebsocketSend may be called
// from any goroutine; the other methods must be called from one goroutine at a
// time.
type Context struct {
	logger.Logger
	config   Config
	exchange *httpexchange.Exchange
	signer   *sigv4.Signer
	now      func() time.Time

	stats ConnStats

	lock   sync.Mutex
	ws     *wsession.Session
	wsOpen bool
}

func (nc *Context) session() *wsession.Session {
	nc.lock.Lock()
	defer nc.lock.Unlock()
	return nc.ws
}

// New creates a Context. The TLS credentials are validated up front.
func New(lg logger.Logger, config Config) (*Context, error) {
	if _, err := config.SSL.TLSConfig(); err != nil {
		return nil, err
	}
	lg = lg.ForkLog("Networking")
	exchange, err := httpexchange.New(lg, httpexchange.Config{
		Signer:    config.Aws,
		UserAgent: config.UserAgent,
	}, httpexchange.TLSDialer(lg, &config.SSL, config.TLS))
	if err != nil {
		return nil, err
	}
	signer, err := sigv4.NewSigner(config.Aws)
	if err != nil {
		return nil, err
	}
	return &Context{
		Logger:   lg,
		config:   config,
		exchange: exchange,
		signer:   signer,
		now:      time.Now,
	}, nil
}

// HTTPSend signs and sends req and blocks until the response has been read into
// resp or the exchange failed.
func (nc *Context) HTTPSend(ctx context.Context, req *httpexchange.Request, resp *httpexchange.Response, creds awscreds.Credentials) error {
	return nc.exchange.Send(ctx, req, resp, creds)
}

// WebsocketConnect signs wsURL, which must carry X-Amz-ChannelARN in its query,
// and blocks until the WebSocket is established or has failed. Inbound messages
// are delivered to rx from WebsocketService.
func (nc *Context) WebsocketConnect(ctx context.Context, wsURL string, creds awscreds.Credentials, rx wsession.ReceiveFunc, userData interface{}) error {
	if ws := nc.session(); ws != nil && !ws.IsClosed() {
		return kvserr.Errorf(kvserr.BadParameter, "websocket already connected")
	}
	now := nc.now()
	signedPath, err := nc.signer.SignWebsocketURL(wsURL, creds, sigv4.Timestamp(now), now)
	if err != nil {
		return err
	}
	if rx == nil {
		return kvserr.Errorf(kvserr.BadParameter, "nil receive callback")
	}
	counted := func(data []byte, ud interface{}) int {
		nc.stats.Received(len(data))
		return rx(data, ud)
	}
	ws, err := wsession.New(nc.Logger, wsession.Config{ReceiveBufferSize: nc.config.ReceiveBufferSize}, counted, userData)
	if err != nil {
		return err
	}

	ts := tlsconn.NewSession(nc.Logger, "<WebsocketTLS>", nc.config.TLS)
	if err := ts.SetCredentials(&nc.config.SSL); err != nil {
		ts.Close()
		return err
	}
	if err := ts.SetOptionalConfigurations("", []string{"http/1.1"}); err != nil {
		ts.Close()
		return err
	}
	b, err := wsession.NewGorillaBackend(nc.Logger, ts, wsURL, signedPath, nc.config.WebSocket, ws)
	if err != nil {
		ts.Close()
		return err
	}
	ws.Attach(b)
	id := nc.stats.New()
	nc.stats.Open()
	nc.lock.Lock()
	nc.ws = ws
	nc.wsOpen = true
	nc.lock.Unlock()

	for !ws.IsEstablished() {
		if err := ws.Service(ctx, DefaultConnectPoll); err != nil {
			ws.Disconnect()
			nc.noteClosed()
			return err
		}
	}
	nc.DLogf("WebSocket #%d established %s", id, &nc.stats)
	return nil
}

// noteClosed updates the open connection count once per closed session
func (nc *Context) noteClosed() {
	nc.lock.Lock()
	wasOpen := nc.wsOpen
	nc.wsOpen = false
	nc.lock.Unlock()
	if wasOpen {
		nc.stats.Close()
		nc.DLogf("WebSocket closed %s", &nc.stats)
	}
}

// Stats returns the Context's connection and message counters
func (nc *Context) Stats() *ConnStats {
	return &nc.stats
}

// WebsocketSend queues data for the connected WebSocket. It does not block on the
// network; the bytes go out during a later WebsocketService.
func (nc *Context) WebsocketSend(data []byte) error {
	ws := nc.session()
	if ws == nil {
		return kvserr.Errorf(kvserr.NotConnected, "websocket not connected")
	}
	if err := ws.Send(data); err != nil {
		return err
	}
	nc.stats.Sent(len(data))
	return nil
}

// WebsocketService runs the WebSocket for up to timeout, sending queued messages
// and delivering inbound ones. It returns kvserr.NotConnected once the connection
// has closed.
func (nc *Context) WebsocketService(ctx context.Context, timeout time.Duration) error {
	ws := nc.session()
	if ws == nil {
		return kvserr.Errorf(kvserr.NotConnected, "websocket not connected")
	}
	err := ws.Service(ctx, timeout)
	if err != nil && ws.IsClosed() {
		nc.noteClosed()
	}
	return err
}

// WebsocketDisconnect closes the WebSocket. Messages still queued are discarded.
func (nc *Context) WebsocketDisconnect() error {
	ws := nc.session()
	if ws == nil {
		return nil
	}
	err := ws.Disconnect()
	nc.noteClosed()
	return err
}

// Close releases the Context's connection, if any
func (nc *Context) Close() error {
	return nc.WebsocketDisconnect()
}
