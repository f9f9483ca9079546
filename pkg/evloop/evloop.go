// Package evloop is the event model shared by the HTTP exchange driver and the
// WebSocket session driver. A Backend owns the connection and turns network
// activity into Events; it only ever calls its Handler from inside Service, so a
// driver never sees a callback on a goroutine other than the one servicing it.
package evloop

import (
	"context"
	"fmt"
	"time"
)

// EventKind identifies what happened on a connection
type EventKind int

const (
	// EventConnected: the transport (and for WebSocket, the upgrade) is up
	EventConnected EventKind = iota + 1

	// EventAppendHeaders: the backend is about to send the request head and
	// collects headers from Event.Header
	EventAppendHeaders

	// EventWritable: the backend can accept more outbound bytes
	EventWritable

	// EventReceive: inbound bytes in Event.Data. First and Final mark message
	// boundaries for message-oriented transports.
	EventReceive

	// EventCompleted: the inbound side finished normally (HTTP response fully read)
	EventCompleted

	// EventClosed: the connection is gone; Event.Err carries the cause, if any.
	// It is always the last event delivered.
	EventClosed

	// EventWake: another goroutine asked the servicing goroutine to look at its
	// queues
	EventWake
)

var kindNames = map[EventKind]string{
	EventConnected:     "connected",
	EventAppendHeaders: "append-headers",
	EventWritable:      "writable",
	EventReceive:       "receive",
	EventCompleted:     "completed",
	EventClosed:        "closed",
	EventWake:          "wake",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one notification from a Backend. Only the fields relevant to Kind are
// set. Data is only valid for the duration of the HandleEvent call.
type Event struct {
	Kind EventKind

	Data  []byte
	First bool
	Final bool

	// Header is filled in by the handler during EventAppendHeaders
	Header Header

	// StatusCode is the HTTP status, set on the first EventReceive of a response
	StatusCode int

	Err error
}

// Header is an ordered list of request header lines
type Header struct {
	names  []string
	values []string
}

// Add appends a header line
func (h *Header) Add(name, value string) {
	h.names = append(h.names, name)
	h.values = append(h.values, value)
}

// Len returns the number of header lines
func (h *Header) Len() int {
	return len(h.names)
}

// Each calls f for every header line in insertion order
func (h *Header) Each(f func(name, value string)) {
	for i := range h.names {
		f(h.names[i], h.values[i])
	}
}

// Get returns the first value for name, compared exactly
func (h *Header) Get(name string) (string, bool) {
	for i := range h.names {
		if h.names[i] == name {
			return h.values[i], true
		}
	}
	return "", false
}

// Handler receives events from a Backend. A non-nil error aborts the connection;
// the backend then delivers EventClosed carrying that error.
type Handler interface {
	HandleEvent(ev *Event) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ev *Event) error

// HandleEvent calls f(ev)
func (f HandlerFunc) HandleEvent(ev *Event) error {
	return f(ev)
}

// Backend drives one connection
type Backend interface {
	// Service delivers pending events to the handler. It waits at most timeout for
	// the first event, then delivers whatever else is ready without waiting. It
	// returns nil on timeout; a non-nil error means ctx was done.
	Service(ctx context.Context, timeout time.Duration) error

	// RequestWritable asks for an EventWritable on the next Service call
	RequestWritable()

	// Write sends bytes of the current outbound unit. final marks the last bytes of
	// a message or body. It returns how many bytes were accepted; fewer than len(p)
	// with a nil error means the caller should retry the rest on a later
	// EventWritable.
	Write(p []byte, final bool) (int, error)

	// Wake makes a concurrent or later Service deliver EventWake. Safe to call from
	// any goroutine.
	Wake()

	// Close tears down the connection. EventClosed with err is delivered by the next
	// Service call if it has not been delivered yet.
	Close(err error)
}
