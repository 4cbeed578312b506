// ABOUTME: Fixed-capacity byte FIFO between the stream selector and the output pump
// ABOUTME: Single producer, single consumer; the consumer sleeps until data or a signal arrives
package ring

import (
	"log"
	"sync"
	"time"
)

const (
	// TransferSize is the largest chunk the consumer fetches at once
	TransferSize = 64 * 1024

	// DefaultCapacity holds sixteen transfer chunks
	DefaultCapacity = 16 * TransferSize
)

// Buffer is a circular byte buffer with wraparound handled internally.
// Overflowing stores keep what fits and drop the rest.
type Buffer struct {
	mu        sync.Mutex
	buf       []byte
	head      int // read position
	avail     int // bytes stored
	threshold int
	notify    chan struct{}

	stats Stats
}

// Stats tracks buffer metrics
type Stats struct {
	Stored  int64
	Fetched int64
	Dropped int64
	Flushes int64
}

// New creates a buffer with the given capacity
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		buf:    make([]byte, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Cap returns the capacity in bytes
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Store appends p. It returns false if any bytes were dropped or the buffer
// is now full. The consumer is woken when wake is set or when the store
// could not keep everything.
func (b *Buffer) Store(p []byte, wake bool) bool {
	b.mu.Lock()

	space := len(b.buf) - b.avail
	n := len(p)
	if n > space {
		n = space
	}

	tail := (b.head + b.avail) % len(b.buf)
	right := len(b.buf) - tail
	if right > n {
		right = n
	}
	copy(b.buf[tail:tail+right], p[:right])
	if right < n {
		copy(b.buf[:n-right], p[right:n])
	}
	b.avail += n
	b.stats.Stored += int64(n)

	dropped := len(p) - n
	if dropped > 0 {
		b.stats.Dropped += int64(dropped)
	}
	full := b.avail == len(b.buf)
	b.mu.Unlock()

	if dropped > 0 {
		log.Printf("Ring: overflow, dropped %d of %d bytes", dropped, len(p))
	}

	ok := dropped == 0 && !full
	if wake || !ok {
		b.Signal()
	}
	return ok
}

// Fetch copies up to len(p) bytes out in FIFO order. It returns 0 when empty.
func (b *Buffer) Fetch(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n > b.avail {
		n = b.avail
	}
	if n == 0 {
		return 0
	}

	right := len(b.buf) - b.head
	if right > n {
		right = n
	}
	copy(p[:right], b.buf[b.head:b.head+right])
	if right < n {
		copy(p[right:n], b.buf[:n-right])
	}
	b.head = (b.head + n) % len(b.buf)
	b.avail -= n
	b.stats.Fetched += int64(n)
	return n
}

// Flush discards everything stored
func (b *Buffer) Flush() {
	b.mu.Lock()
	b.head = 0
	b.avail = 0
	b.stats.Flushes++
	b.mu.Unlock()
}

// Signal wakes a waiting consumer
func (b *Buffer) Signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Bank sets how many bytes must be stored before Poll reports data
func (b *Buffer) Bank(threshold int) {
	b.mu.Lock()
	b.threshold = threshold
	b.mu.Unlock()
}

// Used returns the number of stored bytes
func (b *Buffer) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.avail
}

// Free reports whether more than min bytes of space are left
func (b *Buffer) Free(min int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)-b.avail > min
}

func (b *Buffer) ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.avail > b.threshold
}

// Poll waits until more than the banked threshold is stored, a signal
// arrives or the timeout elapses. It reports whether data is above the
// threshold on return.
func (b *Buffer) Poll(timeout time.Duration) bool {
	if b.ready() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-b.notify:
	case <-timer.C:
	}
	return b.ready()
}

// Stats returns buffer statistics
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
