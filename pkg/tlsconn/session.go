// Package tlsconn provides the TCP connector and the TLS client session that carry
// every signaling request. A Session moves through
//
//   Uninitialized -> Configured -> Handshaking -> Established -> Closed
//
// with Failed reachable from Configured or Handshaking. Read and Write are only
// legal while Established; timeouts surface as zero-length results so callers can
// poll without special-casing the TLS library's error values.
package tlsconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/kvstransport/pkg/kvserr"
)

// State is the lifecycle state of a Session
type State int

const (
	StateUninitialized State = iota
	StateConfigured
	StateHandshaking
	StateEstablished
	StateClosed
	StateFailed
)

var stateNames = [...]string{"uninitialized", "configured", "handshaking", "established", "closed", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

const (
	// DefaultHandshakeTimeout bounds Connect's TLS handshake when Options leaves it 0
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultPollTimeout is how long Read waits for data before reporting would-block
	DefaultPollTimeout = 10 * time.Millisecond

	closeNotifyTimeout = time.Second
)

// Options tunes a Session's timeouts. Zero values select defaults.
type Options struct {
	// ConnectTimeout bounds the TCP connect; 0 blocks until the connect completes
	ConnectTimeout time.Duration

	HandshakeTimeout time.Duration

	// PollTimeout is how long a Read may wait before returning 0 bytes
	PollTimeout time.Duration

	// WriteTimeout bounds a single Write; 0 lets writes block. A timed-out write
	// leaves the TLS stream unusable, so it is reported as 0 bytes once and the
	// session is failed.
	WriteTimeout time.Duration
}

// Session is a TLS client connection over a TCP stream
type Session struct {
	*asyncobj.Helper
	name    string
	options Options

	// guarded by Helper.Lock
	state     State
	tlsConfig *tls.Config
	rawConn   net.Conn
	conn      *tls.Conn
}

// NewSession creates an unconfigured Session
func NewSession(lg logger.Logger, name string, options Options) *Session {
	if options.HandshakeTimeout == 0 {
		options.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if options.PollTimeout == 0 {
		options.PollTimeout = DefaultPollTimeout
	}
	if name == "" {
		name = "<TLSSession>"
	}
	s := &Session{
		name:    name,
		options: options,
		state:   StateUninitialized,
	}
	s.Helper = asyncobj.NewHelper(lg.ForkLog(name), s)
	s.SetIsActivated()
	return s
}

func (s *Session) String() string {
	return s.name
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return s.state
}

// SetCredentials loads the trust store and optional client identity. It moves an
// Uninitialized or Configured session to Configured.
func (s *Session) SetCredentials(creds *Credentials) error {
	config, err := creds.TLSConfig()
	if err != nil {
		return err
	}
	s.Lock.Lock()
	defer s.Lock.Unlock()
	if s.state != StateUninitialized && s.state != StateConfigured {
		return kvserr.Errorf(kvserr.BadParameter, "cannot set credentials in state %s", s.state)
	}
	if s.tlsConfig != nil {
		config.ServerName = s.tlsConfig.ServerName
		config.NextProtos = s.tlsConfig.NextProtos
	}
	s.tlsConfig = config
	s.state = StateConfigured
	return nil
}

// SetOptionalConfigurations sets the SNI host name and the ALPN protocol list. It
// must follow SetCredentials. An empty sni means the connect host is used.
func (s *Session) SetOptionalConfigurations(sni string, alpn []string) error {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	if s.state != StateConfigured {
		return kvserr.Errorf(kvserr.BadParameter, "cannot set options in state %s", s.state)
	}
	s.tlsConfig.ServerName = sni
	s.tlsConfig.NextProtos = append([]string(nil), alpn...)
	return nil
}

// Connect dials host:port and performs the TLS handshake on the new stream
func (s *Session) Connect(ctx context.Context, host string, port int) error {
	if s.State() != StateConfigured {
		return kvserr.Errorf(kvserr.BadParameter, "cannot connect in state %s", s.State())
	}
	s.DLogf("Connecting to %s:%d", host, port)
	rawConn, err := Dial(ctx, host, port, s.options.ConnectTimeout)
	if err != nil {
		s.fail(err)
		return err
	}
	return s.Handshake(ctx, rawConn, host)
}

// Handshake takes ownership of an already connected stream and runs the TLS client
// handshake over it. serverName is used for SNI and verification unless
// SetOptionalConfigurations supplied one.
func (s *Session) Handshake(ctx context.Context, rawConn net.Conn, serverName string) error {
	s.Lock.Lock()
	if s.state != StateConfigured {
		state := s.state
		s.Lock.Unlock()
		rawConn.Close()
		return kvserr.Errorf(kvserr.BadParameter, "cannot handshake in state %s", state)
	}
	config := s.tlsConfig.Clone()
	if config.ServerName == "" {
		config.ServerName = serverName
	}
	conn := tls.Client(rawConn, config)
	s.rawConn = rawConn
	s.conn = conn
	s.state = StateHandshaking
	s.Lock.Unlock()

	hctx, cancel := context.WithTimeout(ctx, s.options.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		herr := kvserr.Wrapf(kvserr.HandshakeFailed, err, "with %s", config.ServerName)
		s.fail(herr)
		return herr
	}

	s.Lock.Lock()
	if s.state != StateHandshaking {
		// closed underneath us
		s.Lock.Unlock()
		return kvserr.Errorf(kvserr.NotConnected, "session closed during handshake")
	}
	s.state = StateEstablished
	s.Lock.Unlock()
	cs := conn.ConnectionState()
	s.DLogf("Established with %s (version 0x%04x, ALPN %q)", config.ServerName, cs.Version, cs.NegotiatedProtocol)
	return nil
}

// fail tears the session down and leaves it in StateFailed
func (s *Session) fail(err error) {
	s.Lock.Lock()
	if s.state != StateClosed {
		s.state = StateFailed
	}
	s.Lock.Unlock()
	s.DLogf("Failed: %s", err)
	s.StartShutdown(err)
	s.WaitShutdown()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// classify maps an I/O result onto the transport-status vocabulary: would-block
// and timeout become a retryable short result, peer resets become NotConnected,
// anything else is InternalError.
func classify(n int, err error, op string) (int, error) {
	if err == nil {
		return n, nil
	}
	if isTimeout(err) {
		return n, nil
	}
	if isDisconnect(err) {
		return n, kvserr.Wrapf(kvserr.NotConnected, err, "%s", op)
	}
	return n, kvserr.Wrapf(kvserr.InternalError, err, "%s", op)
}

// established returns the TLS connection if the session is Established. The caller
// must have deferred shutdown.
func (s *Session) established() (*tls.Conn, error) {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	if s.state != StateEstablished {
		return nil, kvserr.Errorf(kvserr.NotConnected, "session is %s", s.state)
	}
	return s.conn, nil
}

// Read reads decrypted bytes. If no data arrives within the poll timeout it returns
// 0 and a nil error; the caller should retry later.
func (s *Session) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, kvserr.Errorf(kvserr.BadParameter, "empty read buffer")
	}
	if err := s.DeferShutdown(); err != nil {
		return 0, kvserr.Wrapf(kvserr.NotConnected, err, "read")
	}
	defer s.UndeferShutdown()
	conn, err := s.established()
	if err != nil {
		return 0, err
	}
	conn.SetReadDeadline(time.Now().Add(s.options.PollTimeout))
	n, err := conn.Read(p)
	s.TLogf("Read %d bytes, err=%v", n, err)
	return classify(n, err, "read")
}

// Write encrypts and sends p, returning how many plaintext bytes were accepted
func (s *Session) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.DeferShutdown(); err != nil {
		return 0, kvserr.Wrapf(kvserr.NotConnected, err, "write")
	}
	defer s.UndeferShutdown()
	conn, err := s.established()
	if err != nil {
		return 0, err
	}
	if s.options.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout))
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	n, err := conn.Write(p)
	s.TLogf("Wrote %d of %d bytes, err=%v", n, len(p), err)
	if err != nil && isTimeout(err) {
		// crypto/tls write timeouts are sticky; no later write can succeed
		s.Lock.Lock()
		s.state = StateFailed
		s.Lock.Unlock()
	}
	return classify(n, err, "write")
}

// NetConn returns the established TLS stream with its deadlines cleared, for
// handing to a framing library. The Session still owns and closes it.
func (s *Session) NetConn() (net.Conn, error) {
	conn, err := s.established()
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}

// ConnectionState returns the negotiated TLS parameters
func (s *Session) ConnectionState() (tls.ConnectionState, error) {
	conn, err := s.established()
	if err != nil {
		return tls.ConnectionState{}, err
	}
	return conn.ConnectionState(), nil
}

// Close tears the session down and waits for teardown to finish
func (s *Session) Close() error {
	return s.Helper.Close()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It sends a
// close-notify if the handshake finished, then shuts down and closes the socket.
func (s *Session) HandleOnceShutdown(completionErr error) error {
	s.Lock.Lock()
	conn := s.conn
	rawConn := s.rawConn
	wasEstablished := s.state == StateEstablished
	if s.state != StateFailed {
		s.state = StateClosed
	}
	s.conn = nil
	s.rawConn = nil
	s.Lock.Unlock()

	if conn != nil && wasEstablished {
		conn.SetWriteDeadline(time.Now().Add(closeNotifyTimeout))
		if err := conn.CloseWrite(); err != nil {
			s.DLogf("close-notify failed, ignoring: %s", err)
		}
	}
	var err error
	if rawConn != nil {
		if tcpConn, ok := rawConn.(*net.TCPConn); ok {
			tcpConn.CloseWrite()
		}
		err = rawConn.Close()
		if err != nil && errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	s.DLogf("Closed")
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
