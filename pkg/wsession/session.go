// Package wsession drives one persistent signaling WebSocket connection over an
// evloop.Backend. A session moves from ConnectRequested to Established and ends,
// for good, in Closed; reconnecting means creating a new Session.
//
// Outbound messages may be queued from any goroutine with Send. Everything else,
// including the receive callback, runs on the goroutine calling Service.
package wsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/kvstransport/pkg/evloop"
	"github.com/sammck-go/kvstransport/pkg/kvserr"
	"github.com/sammck-go/kvstransport/pkg/sendqueue"
)

// State is the lifecycle state of a Session
type State int

const (
	StateConnectRequested State = iota
	StateEstablished
	StateClosed
)

var stateNames = [...]string{"connect-requested", "established", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// DefaultReceiveBufferSize is the largest inbound message accepted when
// Config.ReceiveBufferSize is 0
const DefaultReceiveBufferSize = 64 * 1024

// ReceiveFunc is called with each complete inbound message. data is only valid
// during the call. A non-zero return aborts the connection.
type ReceiveFunc func(data []byte, userData interface{}) int

// Config configures a Session
type Config struct {
	ReceiveBufferSize int
}

// Session is the state machine for one WebSocket connection
type Session struct {
	logger.Logger
	backend  evloop.Backend
	queue    *sendqueue.Queue
	rx       ReceiveFunc
	userData interface{}

	// recv holds the message being reassembled; its capacity is fixed
	recv    []byte
	recvLen int

	// guarded by lock; read by producers
	lock        sync.Mutex
	state       State
	established bool
	closed      bool
	err         error
}

// New creates a Session that delivers inbound messages to rx. Attach must be
// called before Service.
func New(lg logger.Logger, config Config, rx ReceiveFunc, userData interface{}) (*Session, error) {
	if rx == nil {
		return nil, kvserr.Errorf(kvserr.BadParameter, "nil receive callback")
	}
	size := config.ReceiveBufferSize
	if size == 0 {
		size = DefaultReceiveBufferSize
	}
	if size < 0 {
		return nil, kvserr.Errorf(kvserr.BadParameter, "negative receive buffer size %d", size)
	}
	return &Session{
		Logger:   lg.ForkLog("WebSocket"),
		queue:    sendqueue.New(),
		rx:       rx,
		userData: userData,
		recv:     make([]byte, size),
		state:    StateConnectRequested,
	}, nil
}

// Attach sets the backend carrying this session. The backend must deliver its
// events to the session.
func (s *Session) Attach(b evloop.Backend) {
	s.backend = b
}

// State returns the lifecycle state
func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// IsEstablished reports whether the connection is up
func (s *Session) IsEstablished() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.established
}

// IsClosed reports whether the session has reached its terminal state
func (s *Session) IsClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// Err returns why the session closed, or nil
func (s *Session) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

// Pending returns the number of queued outbound messages
func (s *Session) Pending() int {
	return s.queue.Len()
}

// Send queues data for transmission and wakes the servicing goroutine. It never
// blocks on the network. The session owns data from now on.
func (s *Session) Send(data []byte) error {
	s.lock.Lock()
	closed := s.closed
	s.lock.Unlock()
	if closed {
		return kvserr.Errorf(kvserr.NotConnected, "session closed")
	}
	if err := s.queue.Enqueue(data); err != nil {
		return err
	}
	if s.backend != nil {
		s.backend.Wake()
	}
	return nil
}

// Service runs the backend for up to timeout. It returns kvserr.NotConnected once
// the session has closed, carrying the cause if there was one.
func (s *Session) Service(ctx context.Context, timeout time.Duration) error {
	if s.backend == nil {
		return kvserr.Errorf(kvserr.BadParameter, "no backend attached")
	}
	if s.IsClosed() {
		return s.closedErr()
	}
	if err := s.backend.Service(ctx, timeout); err != nil {
		return err
	}
	if s.IsClosed() {
		return s.closedErr()
	}
	return nil
}

func (s *Session) closedErr() error {
	err := s.Err()
	if err == nil {
		return kvserr.Errorf(kvserr.NotConnected, "session closed")
	}
	return kvserr.Wrapf(kvserr.NotConnected, err, "session closed")
}

// Disconnect closes the connection and delivers the close to the session. Queued
// messages that were not sent are discarded.
func (s *Session) Disconnect() error {
	if s.backend == nil {
		s.markClosed(nil)
		return nil
	}
	if s.IsClosed() {
		return nil
	}
	s.backend.Close(nil)
	return s.backend.Service(context.Background(), 0)
}

func (s *Session) markClosed(err error) {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	s.established = false
	s.state = StateClosed
	s.err = err
	s.lock.Unlock()

	dropped := s.queue.Drain()
	if len(dropped) > 0 {
		s.DLogf("Discarded %d unsent messages", len(dropped))
	}
	s.recvLen = 0
	if err != nil {
		s.ILogf("Closed: %s", err)
	} else {
		s.ILogf("Closed")
	}
}

// HandleEvent advances the session. Returning an error closes the connection.
func (s *Session) HandleEvent(ev *evloop.Event) error {
	switch ev.Kind {
	case evloop.EventConnected:
		s.lock.Lock()
		if s.state != StateConnectRequested {
			state := s.state
			s.lock.Unlock()
			return kvserr.Errorf(kvserr.Inconsistent, "connected in state %s", state)
		}
		s.state = StateEstablished
		s.established = true
		s.lock.Unlock()
		s.ILogf("Established")
		if s.queue.Len() > 0 {
			s.backend.RequestWritable()
		}

	case evloop.EventReceive:
		return s.receive(ev)

	case evloop.EventWritable, evloop.EventWake:
		if !s.IsEstablished() {
			return nil
		}
		return s.drain()

	case evloop.EventClosed:
		s.markClosed(ev.Err)
	}
	return nil
}

func (s *Session) receive(ev *evloop.Event) error {
	if ev.First {
		s.recvLen = 0
	}
	if len(ev.Data) > len(s.recv)-s.recvLen {
		return kvserr.Errorf(kvserr.BufferTooSmall, "inbound message exceeds %s receive buffer",
			sizestr.ToString(int64(len(s.recv))))
	}
	s.recvLen += copy(s.recv[s.recvLen:], ev.Data)
	if !ev.Final {
		return nil
	}
	n := s.recvLen
	s.recvLen = 0
	s.TLogf("Received message (%s)", sizestr.ToString(int64(n)))
	if rc := s.rx(s.recv[:n], s.userData); rc != 0 {
		return kvserr.Errorf(kvserr.InternalError, "receive callback returned %d", rc)
	}
	return nil
}

// drain writes queued messages until the queue is empty or the backend stops
// accepting bytes, in which case writable interest is re-armed.
func (s *Session) drain() error {
	for {
		e, err := s.queue.PeekHead()
		if err != nil {
			// empty
			return nil
		}
		n, err := s.backend.Write(e.Remaining(), true)
		if err != nil {
			return err
		}
		if err := e.Advance(n); err != nil {
			return err
		}
		if !e.Done() {
			s.backend.RequestWritable()
			return nil
		}
		if err := s.queue.RemoveHead(e); err != nil {
			return err
		}
		s.TLogf("Sent message (%s)", sizestr.ToString(int64(len(e.Data))))
	}
}
