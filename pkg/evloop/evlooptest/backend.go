// Package evlooptest provides a scripted evloop.Backend for driving handlers in
// tests without a network.
package evlooptest

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/sammck-go/kvstransport/pkg/evloop"
)

// Backend queues events pushed by a test and delivers them to Handler from
// Service, the same way a real backend would.
type Backend struct {
	Handler evloop.Handler

	// WriteLimit caps the bytes accepted by one Write; 0 accepts everything
	WriteLimit int

	// WriteErr, if set, is returned by every Write
	WriteErr error

	// OnFinalWrite, if set, is called after each write that completes a unit. It
	// may push further events.
	OnFinalWrite func(b *Backend)

	lock            sync.Mutex
	pending         []*evloop.Event
	writable        bool
	woken           bool
	closed          bool
	closeDelivered  bool
	closeErr        error
	output          bytes.Buffer
	units           [][]byte
	current         []byte
	writes          int
	notify          chan struct{}
	delivered       []evloop.EventKind
	appendedHeaders []evloop.Header
}

// New creates a Backend delivering to h, which may be set later
func New(h evloop.Handler) *Backend {
	return &Backend{
		Handler: h,
		notify:  make(chan struct{}, 1),
	}
}

func (b *Backend) poke() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Push queues an event for the next Service call
func (b *Backend) Push(ev *evloop.Event) {
	b.lock.Lock()
	b.pending = append(b.pending, ev)
	b.lock.Unlock()
	b.poke()
}

// PushReceive queues an EventReceive carrying a copy of data
func (b *Backend) PushReceive(data []byte, first, final bool) {
	b.Push(&evloop.Event{
		Kind:  evloop.EventReceive,
		Data:  append([]byte(nil), data...),
		First: first,
		Final: final,
	})
}

func (b *Backend) ready() bool {
	return len(b.pending) > 0 || b.writable || b.woken || (b.closed && !b.closeDelivered)
}

// Service delivers every ready event, waiting up to timeout for one to arrive
func (b *Backend) Service(ctx context.Context, timeout time.Duration) error {
	b.lock.Lock()
	isReady := b.ready()
	b.lock.Unlock()
	if !isReady {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-b.notify:
		}
	}

	// at most one EventWritable per call so a handler that re-arms without making
	// progress cannot spin here
	writableSent := false
	for {
		ev := b.next(!writableSent)
		if ev == nil {
			return nil
		}
		if ev.Kind == evloop.EventWritable {
			writableSent = true
		}
		b.lock.Lock()
		b.delivered = append(b.delivered, ev.Kind)
		b.lock.Unlock()
		err := b.Handler.HandleEvent(ev)
		if ev.Kind == evloop.EventAppendHeaders {
			b.lock.Lock()
			b.appendedHeaders = append(b.appendedHeaders, ev.Header)
			b.lock.Unlock()
		}
		if ev.Kind == evloop.EventClosed {
			return nil
		}
		if err != nil {
			b.Close(err)
		}
	}
}

func (b *Backend) next(allowWritable bool) *evloop.Event {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		if b.closeDelivered {
			return nil
		}
		b.closeDelivered = true
		return &evloop.Event{Kind: evloop.EventClosed, Err: b.closeErr}
	}
	if len(b.pending) > 0 {
		ev := b.pending[0]
		b.pending = b.pending[1:]
		return ev
	}
	if b.woken {
		b.woken = false
		return &evloop.Event{Kind: evloop.EventWake}
	}
	if b.writable && allowWritable {
		b.writable = false
		return &evloop.Event{Kind: evloop.EventWritable}
	}
	return nil
}

// RequestWritable arms one EventWritable
func (b *Backend) RequestWritable() {
	b.lock.Lock()
	b.writable = true
	b.lock.Unlock()
	b.poke()
}

// Write accepts up to WriteLimit bytes. A final write ends the current unit.
func (b *Backend) Write(p []byte, final bool) (int, error) {
	n, final, err := b.accept(p, final)
	if err == nil && final && b.OnFinalWrite != nil {
		b.OnFinalWrite(b)
	}
	return n, err
}

func (b *Backend) accept(p []byte, final bool) (int, bool, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.WriteErr != nil {
		return 0, false, b.WriteErr
	}
	n := len(p)
	if b.WriteLimit > 0 && n > b.WriteLimit {
		n = b.WriteLimit
		final = false
	}
	b.writes++
	b.output.Write(p[:n])
	b.current = append(b.current, p[:n]...)
	if final {
		b.units = append(b.units, b.current)
		b.current = nil
	}
	return n, final, nil
}

// Wake arms one EventWake
func (b *Backend) Wake() {
	b.lock.Lock()
	b.woken = true
	b.lock.Unlock()
	b.poke()
}

// Close arms EventClosed, which is delivered ahead of anything still pending
func (b *Backend) Close(err error) {
	b.lock.Lock()
	if !b.closed {
		b.closed = true
		b.closeErr = err
	}
	b.lock.Unlock()
	b.poke()
}

// Output returns every byte accepted by Write
func (b *Backend) Output() []byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]byte(nil), b.output.Bytes()...)
}

// Units returns the completed outbound units (messages or bodies)
func (b *Backend) Units() [][]byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([][]byte(nil), b.units...)
}

// Writes returns how many Write calls were made
func (b *Backend) Writes() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.writes
}

// Delivered returns the kinds of events delivered so far, in order
func (b *Backend) Delivered() []evloop.EventKind {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]evloop.EventKind(nil), b.delivered...)
}

// AppendedHeaders returns the headers the handler added on each EventAppendHeaders
func (b *Backend) AppendedHeaders() []evloop.Header {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]evloop.Header(nil), b.appendedHeaders...)
}

// Closed reports whether Close has been called, and with what error
func (b *Backend) Closed() (bool, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.closed, b.closeErr
}
