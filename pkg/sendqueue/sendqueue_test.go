package sendqueue

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sammck-go/kvstransport/pkg/kvserr"
)

func TestFIFO(t *testing.T) {
	q := New()
	if _, err := q.PeekHead(); !errors.Is(err, kvserr.Empty) {
		t.Fatalf("PeekHead() on empty queue returned %v", err)
	}
	const n = 10
	for i := 0; i < n; i++ {
		if err := q.Enqueue([]byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("Enqueue() returned error: %s", err)
		}
	}
	if q.Len() != n {
		t.Fatalf("Len() = %d, expected %d", q.Len(), n)
	}
	for i := 0; i < n; i++ {
		e, err := q.PeekHead()
		if err != nil {
			t.Fatalf("PeekHead() returned error: %s", err)
		}
		if string(e.Data) != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("head is %q at step %d", e.Data, i)
		}
		if again, _ := q.PeekHead(); again != e {
			t.Fatalf("PeekHead() is not stable")
		}
		if err := q.RemoveHead(e); err != nil {
			t.Fatalf("RemoveHead() returned error: %s", err)
		}
	}
	if _, err := q.PeekHead(); !errors.Is(err, kvserr.Empty) {
		t.Errorf("PeekHead() after draining returned %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after draining", q.Len())
	}
}

func TestRemoveHeadGuard(t *testing.T) {
	q := New()
	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("b"))
	head, _ := q.PeekHead()

	stranger := &Element{Data: []byte("a")}
	if err := q.RemoveHead(stranger); !errors.Is(err, kvserr.Inconsistent) {
		t.Errorf("RemoveHead() of a foreign element returned %v", err)
	}
	if err := q.RemoveHead(nil); !errors.Is(err, kvserr.Inconsistent) {
		t.Errorf("RemoveHead(nil) returned %v", err)
	}
	if err := q.RemoveHead(head); err != nil {
		t.Fatalf("RemoveHead() returned error: %s", err)
	}
	if err := q.RemoveHead(head); !errors.Is(err, kvserr.Inconsistent) {
		t.Errorf("second RemoveHead() of the same element returned %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, expected 1", q.Len())
	}
	if err := q.Enqueue(nil); !errors.Is(err, kvserr.BadParameter) {
		t.Errorf("Enqueue(nil) returned %v", err)
	}
}

func TestPartialWrite(t *testing.T) {
	q := New()
	q.Enqueue([]byte("0123456789"))
	q.Enqueue([]byte("next"))

	var wire []byte
	for _, chunk := range []int{3, 4, 3} {
		e, err := q.PeekHead()
		if err != nil {
			t.Fatalf("PeekHead() returned error: %s", err)
		}
		if string(e.Data) != "0123456789" {
			t.Fatalf("head changed before the element was fully written")
		}
		wire = append(wire, e.Remaining()[:chunk]...)
		if err := e.Advance(chunk); err != nil {
			t.Fatalf("Advance() returned error: %s", err)
		}
		if e.Done() {
			if err := q.RemoveHead(e); err != nil {
				t.Fatalf("RemoveHead() returned error: %s", err)
			}
		}
	}
	if string(wire) != "0123456789" {
		t.Errorf("wrote %q", wire)
	}
	e, _ := q.PeekHead()
	if string(e.Data) != "next" || e.CurrentIndex != 0 {
		t.Errorf("unexpected head %q at %d", e.Data, e.CurrentIndex)
	}
	if err := e.Advance(5); !errors.Is(err, kvserr.BadParameter) {
		t.Errorf("Advance() past the end returned %v", err)
	}
}

func TestConcurrentProducers(t *testing.T) {
	q := New()
	const producers = 4
	const perProducer = 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue([]byte(fmt.Sprintf("%d:%d", p, i)))
			}
		}(p)
	}

	// each producer's messages must come out in the order it enqueued them
	next := make([]int, producers)
	received := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	finished := false
	for !finished || received < producers*perProducer {
		select {
		case <-done:
			finished = true
		default:
		}
		e, err := q.PeekHead()
		if errors.Is(err, kvserr.Empty) {
			continue
		}
		var p, i int
		if _, err := fmt.Sscanf(string(e.Data), "%d:%d", &p, &i); err != nil {
			t.Fatalf("bad element %q", e.Data)
		}
		if i != next[p] {
			t.Fatalf("producer %d: got %d, expected %d", p, i, next[p])
		}
		next[p]++
		if err := q.RemoveHead(e); err != nil {
			t.Fatalf("RemoveHead() returned error: %s", err)
		}
		received++
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after consuming everything", q.Len())
	}
}

func TestDrain(t *testing.T) {
	q := New()
	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("b"))
	q.Enqueue([]byte("c"))
	drained := q.Drain()
	if len(drained) != 3 || string(drained[0].Data) != "a" || string(drained[2].Data) != "c" {
		t.Errorf("Drain() returned %d elements", len(drained))
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Drain()", q.Len())
	}
	q.Enqueue([]byte("d"))
	if e, err := q.PeekHead(); err != nil || string(e.Data) != "d" {
		t.Errorf("queue unusable after Drain()")
	}
}
