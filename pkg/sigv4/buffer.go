package sigv4

import (
	"github.com/sammck-go/kvstransport/pkg/kvserr"
)

// Buffer is a byte buffer with a fixed capacity. Appends that would exceed the
// capacity fail with kvserr.BufferTooSmall and leave the buffer unchanged.
type Buffer struct {
	b []byte
}

// NewBuffer creates an empty Buffer that can hold at most capacity bytes
func NewBuffer(capacity int) *Buffer {
	return &Buffer{b: make([]byte, 0, capacity)}
}

// Len returns the number of bytes currently held
func (b *Buffer) Len() int {
	return len(b.b)
}

// Cap returns the fixed capacity
func (b *Buffer) Cap() int {
	return cap(b.b)
}

// Bytes returns the buffer contents. The slice is only valid until the next
// mutation.
func (b *Buffer) Bytes() []byte {
	return b.b
}

func (b *Buffer) String() string {
	return string(b.b)
}

// Reset empties the buffer without releasing its storage
func (b *Buffer) Reset() {
	b.b = b.b[:0]
}

// Truncate discards all but the first n bytes
func (b *Buffer) Truncate(n int) {
	if n < 0 || n > len(b.b) {
		panic("sigv4: Buffer.Truncate out of range")
	}
	b.b = b.b[:n]
}

func (b *Buffer) room(n int) error {
	if len(b.b)+n > cap(b.b) {
		return kvserr.Errorf(kvserr.BufferTooSmall, "need %d bytes, %d of %d available", n, cap(b.b)-len(b.b), cap(b.b))
	}
	return nil
}

// Write appends p. It implements io.Writer so a hash can be fed from the buffer's
// producers directly.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.room(len(p)); err != nil {
		return 0, err
	}
	b.b = append(b.b, p...)
	return len(p), nil
}

// AppendString appends s
func (b *Buffer) AppendString(s string) error {
	if err := b.room(len(s)); err != nil {
		return err
	}
	b.b = append(b.b, s...)
	return nil
}

// AppendByte appends a single byte
func (b *Buffer) AppendByte(c byte) error {
	if err := b.room(1); err != nil {
		return err
	}
	b.b = append(b.b, c)
	return nil
}

func (b *Buffer) appendEscape(c byte) error {
	if err := b.room(3); err != nil {
		return err
	}
	b.b = append(b.b, '%', upperHex[c>>4], upperHex[c&0x0f])
	return nil
}

// AppendStrings appends each of ss in order. On failure the buffer is restored to
// its length before the call.
func (b *Buffer) AppendStrings(ss ...string) error {
	mark := len(b.b)
	for _, s := range ss {
		if err := b.AppendString(s); err != nil {
			b.b = b.b[:mark]
			return err
		}
	}
	return nil
}
