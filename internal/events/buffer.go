package events

import "sync"

// RingBuffer holds the last cap(slots) events. The write position is
// derived from the running total, so no separate wrap flag is kept.
type RingBuffer struct {
	mu    sync.RWMutex
	slots []Event
	total uint64
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{slots: make([]Event, size)}
}

func (rb *RingBuffer) Add(e Event) {
	rb.mu.Lock()
	rb.slots[rb.total%uint64(len(rb.slots))] = e
	rb.total++
	rb.mu.Unlock()
}

// Last returns up to n of the newest events, oldest first. n <= 0 means
// everything buffered.
func (rb *RingBuffer) Last(n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	held := len(rb.slots)
	if rb.total < uint64(held) {
		held = int(rb.total)
	}
	if n <= 0 || n > held {
		n = held
	}
	out := make([]Event, n)
	size := uint64(len(rb.slots))
	start := rb.total - uint64(n)
	for i := range out {
		out[i] = rb.slots[(start+uint64(i))%size]
	}
	return out
}

// Snapshot returns every buffered event, oldest first.
func (rb *RingBuffer) Snapshot() []Event { return rb.Last(0) }

// Clear drops all buffered events and resets the counter.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	clear(rb.slots)
	rb.total = 0
	rb.mu.Unlock()
}

// TotalCount is the number of events added since the last Clear,
// including ones that have been overwritten.
func (rb *RingBuffer) TotalCount() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total
}
