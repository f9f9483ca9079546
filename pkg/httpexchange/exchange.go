// Package httpexchange drives one signed HTTP request/response cycle over an
// evloop.Backend and offers it to callers as a blocking call. Each exchange moves
// through
//
//   ConnectionRequested -> HeadersPending -> BodyPending -> ResponseReceiving -> Closed
//
// and the response is copied into a fixed-capacity buffer owned by the caller.
package httpexchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/kvstransport/pkg/awscreds"
	"github.com/sammck-go/kvstransport/pkg/evloop"
	"github.com/sammck-go/kvstransport/pkg/kvserr"
	"github.com/sammck-go/kvstransport/pkg/sigv4"
)

// State is the progress of one exchange
type State int

const (
	StateConnectionRequested State = iota
	StateHeadersPending
	StateBodyPending
	StateResponseReceiving
	StateClosed
)

var stateNames = [...]string{"connection-requested", "headers-pending", "body-pending", "response-receiving", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

const (
	// DefaultContentType is sent when Request.ContentType is empty
	DefaultContentType = "application/json"

	// DefaultServiceTimeout is how long Send waits in each Service call
	DefaultServiceTimeout = 50 * time.Millisecond
)

// HeaderField is one caller-supplied request header
type HeaderField struct {
	Name  string
	Value string
}

// Request is a caller-owned HTTP request
type Request struct {
	// Method defaults to POST
	Method      string
	URL         string
	ContentType string
	Headers     []HeaderField
	Body        []byte
}

// Response receives the reply. Buffer is caller-owned and its length is the
// capacity; a longer response body fails with kvserr.ResponseTooLarge.
type Response struct {
	Buffer     []byte
	Len        int
	StatusCode int
}

// Body returns the received bytes
func (r *Response) Body() []byte {
	return r.Buffer[:r.Len]
}

// Dialer opens a Backend for one exchange. The backend must deliver events to h
// only from its Service method.
type Dialer func(ctx context.Context, req *Request, h evloop.Handler) (evloop.Backend, error)

// Config configures an Exchange
type Config struct {
	Signer    sigv4.Config
	UserAgent string

	// ServiceTimeout is the wait per Service call; 0 selects DefaultServiceTimeout
	ServiceTimeout time.Duration
}

// Exchange sends signed requests, one at a time. It is not safe for concurrent use.
type Exchange struct {
	logger.Logger
	config Config
	signer *sigv4.Signer
	dial   Dialer
	now    func() time.Time
}

// New creates an Exchange that opens connections with dial
func New(lg logger.Logger, config Config, dial Dialer) (*Exchange, error) {
	if dial == nil {
		return nil, kvserr.Errorf(kvserr.BadParameter, "nil dialer")
	}
	if config.UserAgent == "" {
		return nil, kvserr.Errorf(kvserr.BadParameter, "empty user agent")
	}
	if config.ServiceTimeout <= 0 {
		config.ServiceTimeout = DefaultServiceTimeout
	}
	signer, err := sigv4.NewSigner(config.Signer)
	if err != nil {
		return nil, err
	}
	return &Exchange{
		Logger: lg.ForkLog("HTTPExchange"),
		config: config,
		signer: signer,
		dial:   dial,
		now:    time.Now,
	}, nil
}

// exchange is the per-request state machine
type exchange struct {
	logger.Logger
	req           *Request
	resp          *Response
	backend       evloop.Backend
	method        string
	date          string
	authorization string
	userAgent     string
	token         string

	state      State
	bodyOffset int
	completed  bool
	err        error
}

// Send signs req with creds, sends it, and blocks until the exchange has
// concluded. resp.Len and resp.StatusCode are set on success. The exchange is
// never retried; a failure leaves no partial state behind.
func (x *Exchange) Send(ctx context.Context, req *Request, resp *Response, creds awscreds.Credentials) error {
	if req == nil || req.URL == "" {
		return kvserr.Errorf(kvserr.BadParameter, "missing request URL")
	}
	if resp == nil || len(resp.Buffer) == 0 {
		return kvserr.Errorf(kvserr.BadParameter, "missing response buffer")
	}
	if err := creds.Validate(); err != nil {
		return err
	}
	resp.Len = 0
	resp.StatusCode = 0

	method := req.Method
	if method == "" {
		method = "POST"
	}
	date := sigv4.Timestamp(x.now())
	authorization, err := x.signer.SignHTTPRequest(&sigv4.HTTPRequest{
		Method:    method,
		URL:       req.URL,
		UserAgent: x.config.UserAgent,
		Body:      req.Body,
	}, creds, date)
	if err != nil {
		return err
	}

	ex := &exchange{
		Logger:        x.Logger,
		req:           req,
		resp:          resp,
		method:        method,
		date:          date,
		authorization: authorization,
		userAgent:     x.config.UserAgent,
		token:         creds.SessionToken,
		state:         StateConnectionRequested,
	}
	backend, err := x.dial(ctx, req, ex)
	if err != nil {
		return err
	}
	ex.backend = backend

	for ex.state != StateClosed {
		if err := backend.Service(ctx, x.config.ServiceTimeout); err != nil {
			state := ex.state
			backend.Close(err)
			// deliver the close so the exchange ends in StateClosed
			backend.Service(context.Background(), 0)
			return kvserr.Wrapf(kvserr.NotConnected, err, "%s %s aborted in state %s", method, req.URL, state)
		}
	}
	if ex.err != nil {
		x.DLogf("%s %s failed: %s", method, req.URL, ex.err)
		return ex.err
	}
	x.ILogf("%s %s -> %d (%s)", method, req.URL, resp.StatusCode, sizestr.ToString(int64(resp.Len)))
	return nil
}

// HandleEvent advances the exchange. Returning an error closes the connection.
func (ex *exchange) HandleEvent(ev *evloop.Event) error {
	ex.TLogf("%s in state %s", ev.Kind, ex.state)
	switch ev.Kind {
	case evloop.EventConnected:
		if ex.state != StateConnectionRequested {
			return kvserr.Errorf(kvserr.Inconsistent, "connected in state %s", ex.state)
		}
		ex.state = StateHeadersPending

	case evloop.EventAppendHeaders:
		if ex.state != StateHeadersPending {
			return kvserr.Errorf(kvserr.Inconsistent, "headers requested in state %s", ex.state)
		}
		ex.appendHeaders(&ev.Header)
		ex.state = StateBodyPending
		ex.backend.RequestWritable()

	case evloop.EventWritable:
		if ex.state != StateBodyPending {
			return nil
		}
		return ex.writeBody()

	case evloop.EventReceive:
		if ex.state != StateBodyPending && ex.state != StateResponseReceiving {
			return kvserr.Errorf(kvserr.Inconsistent, "data received in state %s", ex.state)
		}
		ex.state = StateResponseReceiving
		if ev.StatusCode != 0 {
			ex.resp.StatusCode = ev.StatusCode
		}
		if len(ev.Data) > len(ex.resp.Buffer)-ex.resp.Len {
			return kvserr.Errorf(kvserr.ResponseTooLarge, "%d more bytes after %d exceed %d byte buffer",
				len(ev.Data), ex.resp.Len, len(ex.resp.Buffer))
		}
		ex.resp.Len += copy(ex.resp.Buffer[ex.resp.Len:], ev.Data)

	case evloop.EventCompleted:
		ex.completed = true
		ex.backend.Close(nil)

	case evloop.EventClosed:
		ex.state = StateClosed
		switch {
		case ev.Err != nil:
			ex.err = ev.Err
			var ke *kvserr.Error
			if !errors.As(ev.Err, &ke) {
				ex.err = kvserr.Wrapf(kvserr.NotConnected, ev.Err, "connection closed")
			}
		case !ex.completed:
			ex.err = kvserr.Errorf(kvserr.NotConnected, "connection closed before the response completed")
		}
	}
	return nil
}

func (ex *exchange) appendHeaders(h *evloop.Header) {
	h.Add("Authorization", ex.authorization)
	h.Add("user-agent", ex.userAgent)
	h.Add("x-amz-date", ex.date)
	if ex.token != "" {
		h.Add("x-amz-security-token", ex.token)
	}
	contentType := ex.req.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	h.Add("content-type", contentType)
	h.Add("content-length", strconv.Itoa(len(ex.req.Body)))
	for _, f := range ex.req.Headers {
		h.Add(f.Name, f.Value)
	}
}

// writeBody writes as much of the body as the backend takes and re-arms for the
// rest. An empty body is a single final write of nothing.
func (ex *exchange) writeBody() error {
	body := ex.req.Body
	for {
		n, err := ex.backend.Write(body[ex.bodyOffset:], true)
		if err != nil {
			return err
		}
		ex.bodyOffset += n
		if ex.bodyOffset >= len(body) {
			ex.TLogf("Request body sent (%s)", sizestr.ToString(int64(len(body))))
			ex.state = StateResponseReceiving
			return nil
		}
		if n == 0 {
			ex.backend.RequestWritable()
			return nil
		}
	}
}
