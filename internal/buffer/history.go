// Package buffer provides the bounded output history replayed to joining clients.
package buffer

import (
	"sync"
)

// DefaultHistorySize is the default history capacity (64KB).
const DefaultHistorySize = 64 * 1024

// History is a thread-safe circular byte buffer holding the most recent
// terminal output. When full, the oldest bytes are overwritten first.
//
// Appends copy into a fixed backing array, so the cost of an append is
// proportional to the appended length only. Snapshot always returns a
// private copy that is safe to hand to another goroutine.
type History struct {
	mu       sync.RWMutex
	data     []byte
	capacity int
	// head is the index of the next byte to write.
	head int
	// size is the number of valid bytes stored, at most capacity.
	size int
	// total counts every byte ever appended, including evicted ones.
	total uint64
}

// NewHistory creates a History with the given capacity in bytes.
// A non-positive capacity defaults to 1.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Append adds p to the history, evicting the oldest bytes when the
// capacity would be exceeded.
func (h *History) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.total += uint64(len(p))

	// Only the tail of an oversized chunk can survive.
	if len(p) >= h.capacity {
		copy(h.data, p[len(p)-h.capacity:])
		h.head = 0
		h.size = h.capacity
		return
	}

	for written := 0; written < len(p); {
		n := copy(h.data[h.head:], p[written:])
		h.head = (h.head + n) % h.capacity
		written += n
	}

	h.size += len(p)
	if h.size > h.capacity {
		h.size = h.capacity
	}
}

// Write implements io.Writer on top of Append.
func (h *History) Write(p []byte) (int, error) {
	h.Append(p)
	return len(p), nil
}

// Snapshot returns a copy of the retained bytes, oldest first.
// Returns nil when the history is empty.
func (h *History) Snapshot() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		return nil
	}

	out := make([]byte, h.size)
	start := (h.head - h.size + h.capacity) % h.capacity
	n := copy(out, h.data[start:min(start+h.size, h.capacity)])
	copy(out[n:], h.data[:h.size-n])
	return out
}

// Tail returns a copy of at most the last n retained bytes.
func (h *History) Tail(n int) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}

	out := make([]byte, n)
	start := (h.head - n + h.capacity) % h.capacity
	m := copy(out, h.data[start:min(start+n, h.capacity)])
	copy(out[m:], h.data[:n-m])
	return out
}

// Reset drops all retained bytes. Total is preserved.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.head = 0
	h.size = 0
}

// Len returns the number of retained bytes.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap returns the capacity of the history.
func (h *History) Cap() int {
	return h.capacity
}

// Total returns the number of bytes ever appended.
func (h *History) Total() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}
