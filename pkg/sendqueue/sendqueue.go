// Package sendqueue is the hand-off point between goroutines that produce outbound
// WebSocket messages and the goroutine servicing the connection. The queue is an
// unbounded FIFO guarded by one mutex that is never held across I/O.
package sendqueue

import (
	"sync"

	"github.com/sammck-go/kvstransport/pkg/kvserr"
)

// Element is one pending message. CurrentIndex records how many bytes of Data have
// already been written to the wire.
type Element struct {
	Data         []byte
	CurrentIndex int

	next *Element
}

// Remaining returns the bytes of Data not yet written
func (e *Element) Remaining() []byte {
	return e.Data[e.CurrentIndex:]
}

// Advance records that n more bytes were written
func (e *Element) Advance(n int) error {
	if n < 0 || e.CurrentIndex+n > len(e.Data) {
		return kvserr.Errorf(kvserr.BadParameter, "advance by %d at %d of %d", n, e.CurrentIndex, len(e.Data))
	}
	e.CurrentIndex += n
	return nil
}

// Done reports whether every byte of Data has been written
func (e *Element) Done() bool {
	return e.CurrentIndex >= len(e.Data)
}

// Queue is a thread-safe FIFO of Elements
type Queue struct {
	lock sync.Mutex
	head *Element
	tail *Element
	n    int
}

// New creates an empty Queue
func New() *Queue {
	return &Queue{}
}

// Enqueue appends data to the tail. The queue owns data until the element is
// removed; the caller must not modify it after enqueueing.
func (q *Queue) Enqueue(data []byte) error {
	if len(data) == 0 {
		return kvserr.Errorf(kvserr.BadParameter, "empty message")
	}
	e := &Element{Data: data}
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.tail == nil {
		q.head = e
	} else {
		q.tail.next = e
	}
	q.tail = e
	q.n++
	return nil
}

// PeekHead returns the head element without removing it, or kvserr.Empty
func (q *Queue) PeekHead() (*Element, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.head == nil {
		return nil, kvserr.Empty
	}
	return q.head, nil
}

// RemoveHead removes e, which must be the current head; otherwise it returns
// kvserr.Inconsistent and leaves the queue unchanged.
func (q *Queue) RemoveHead(e *Element) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if e == nil || q.head != e {
		return kvserr.Errorf(kvserr.Inconsistent, "element is not the queue head")
	}
	q.head = e.next
	if q.head == nil {
		q.tail = nil
	}
	e.next = nil
	q.n--
	return nil
}

// Len returns the number of queued elements
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.n
}

// Drain removes every element and returns them in FIFO order
func (q *Queue) Drain() []*Element {
	q.lock.Lock()
	head := q.head
	q.head = nil
	q.tail = nil
	q.n = 0
	q.lock.Unlock()

	var result []*Element
	for e := head; e != nil; {
		next := e.next
		e.next = nil
		result = append(result, e)
		e = next
	}
	return result
}
