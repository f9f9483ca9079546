package networking

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ConnStats counts the WebSocket connections and messages that went through a
// Context. It is safe for concurrent use.
type ConnStats struct {
	count         int32
	open          int32
	sentCount     int64
	sentBytes     int64
	receivedCount int64
	receivedBytes int64
}

// New adds one to the total connection count and returns the new total
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the open connection count
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the open connection count
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// Sent records one queued outbound message of n bytes
func (c *ConnStats) Sent(n int) {
	atomic.AddInt64(&c.sentCount, 1)
	atomic.AddInt64(&c.sentBytes, int64(n))
}

// Received records one inbound message of n bytes
func (c *ConnStats) Received(n int) {
	atomic.AddInt64(&c.receivedCount, 1)
	atomic.AddInt64(&c.receivedBytes, int64(n))
}

// Counts returns the open and total connection counts
func (c *ConnStats) Counts() (open int32, total int32) {
	return atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count)
}

// Messages returns how many messages were sent and received
func (c *ConnStats) Messages() (sent int64, received int64) {
	return atomic.LoadInt64(&c.sentCount), atomic.LoadInt64(&c.receivedCount)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d] sent %d (%s) received %d (%s)",
		atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count),
		atomic.LoadInt64(&c.sentCount), sizestr.ToString(atomic.LoadInt64(&c.sentBytes)),
		atomic.LoadInt64(&c.receivedCount), sizestr.ToString(atomic.LoadInt64(&c.receivedBytes)))
}
