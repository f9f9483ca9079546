package evloop

import (
	"context"
	"time"
)

// Pump is the event plumbing shared by backends whose inbound side runs in a
// reader goroutine. The reader Posts events; Service hands them to the Handler on
// the servicing goroutine together with writable, wake and close notifications.
//
// Everything except Post, Wake and Stopped must be called from the servicing
// goroutine.
type Pump struct {
	handler Handler
	onClose func(err error)

	events chan *Event
	wake   chan struct{}
	stop   chan struct{}

	writable      bool
	closed        bool
	closeNotified bool
	closeErr      error
}

// NewPump creates a Pump delivering to h. onClose, if not nil, is called once by
// the first Close to release the backend's resources.
func NewPump(h Handler, onClose func(err error)) *Pump {
	return &Pump{
		handler: h,
		onClose: onClose,
		events:  make(chan *Event, 16),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Dispatch delivers ev now. A handler error closes the pump with that error.
func (p *Pump) Dispatch(ev *Event) {
	if err := p.handler.HandleEvent(ev); err != nil {
		p.Close(err)
	}
}

// Post queues an event from a reader goroutine. Posting EventClosed closes the
// pump with ev.Err when the event is serviced. It returns false, without queueing,
// once the pump has been closed.
func (p *Pump) Post(ev *Event) bool {
	select {
	case <-p.stop:
		return false
	default:
	}
	select {
	case p.events <- ev:
		return true
	case <-p.stop:
		return false
	}
}

// Stopped is closed when the pump is closed
func (p *Pump) Stopped() <-chan struct{} {
	return p.stop
}

// IsClosed reports whether Close has been called
func (p *Pump) IsClosed() bool {
	return p.closed
}

// RequestWritable arms one EventWritable
func (p *Pump) RequestWritable() {
	p.writable = true
}

// Wake arms one EventWake. Safe from any goroutine.
func (p *Pump) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close marks the connection closed. EventClosed carrying err is delivered by the
// next Service call. Later calls do nothing.
func (p *Pump) Close(err error) {
	if p.closed {
		return
	}
	p.closed = true
	p.closeErr = err
	close(p.stop)
	if p.onClose != nil {
		p.onClose(err)
	}
}

// Service delivers ready events. If delivered is false it first waits up to timeout
// for one; after anything has been delivered it only drains what is already
// pending. At most one EventWritable is delivered per call.
func (p *Pump) Service(ctx context.Context, timeout time.Duration, delivered bool) error {
	writableSent := false
	for {
		if p.closed {
			if !p.closeNotified {
				p.closeNotified = true
				p.handler.HandleEvent(&Event{Kind: EventClosed, Err: p.closeErr})
			}
			return nil
		}
		if p.writable && !writableSent {
			p.writable = false
			writableSent = true
			delivered = true
			p.Dispatch(&Event{Kind: EventWritable})
			continue
		}

		var ev *Event
		if delivered {
			select {
			case ev = <-p.events:
			case <-p.wake:
				ev = &Event{Kind: EventWake}
			default:
				return nil
			}
		} else {
			timer := time.NewTimer(timeout)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
				return nil
			case ev = <-p.events:
			case <-p.wake:
				ev = &Event{Kind: EventWake}
			}
			timer.Stop()
		}
		delivered = true
		if ev.Kind == EventClosed {
			p.Close(ev.Err)
			continue
		}
		p.Dispatch(ev)
	}
}
