package events

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Subscriber represents a channel that receives events.
type Subscriber chan Event

// Broadcaster manages live event subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[Subscriber][]string
}

var broadcaster = &Broadcaster{
	subscribers: make(map[Subscriber][]string),
}

// dropped counts deliveries skipped because a subscriber was full.
var dropped atomic.Uint64

// Subscribe adds a subscriber. With prefixes, only events whose name starts
// with one of them are delivered ("cycle." receives every cycle event).
// The channel is buffered so Emit never blocks on slow clients.
func Subscribe(prefixes ...string) Subscriber {
	ch := make(Subscriber, 64)
	broadcaster.mu.Lock()
	broadcaster.subscribers[ch] = append([]string(nil), prefixes...)
	broadcaster.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unsubscribing
// twice is a no-op.
func Unsubscribe(sub Subscriber) {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if _, ok := broadcaster.subscribers[sub]; !ok {
		return
	}
	delete(broadcaster.subscribers, sub)
	close(sub)
}

// CloseAllSubscribers closes every subscriber, e.g. on shutdown.
func CloseAllSubscribers() {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	for sub := range broadcaster.subscribers {
		close(sub)
	}
	broadcaster.subscribers = make(map[Subscriber][]string)
}

// broadcast sends an event to all matching subscribers. A subscriber whose
// buffer is full misses the event.
func broadcast(e Event) {
	broadcaster.mu.RLock()
	defer broadcaster.mu.RUnlock()

	for sub, prefixes := range broadcaster.subscribers {
		if !matches(e.Name, prefixes) {
			continue
		}
		select {
		case sub <- e:
		default:
			dropped.Add(1)
		}
	}
}

func matches(name string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// SubscriberCount returns the current number of subscribers.
func SubscriberCount() int {
	broadcaster.mu.RLock()
	defer broadcaster.mu.RUnlock()
	return len(broadcaster.subscribers)
}

// DroppedCount is the number of deliveries lost to full subscriber buffers
// since startup.
func DroppedCount() uint64 { return dropped.Load() }

// RecentEvents returns the last n events from the ring buffer.
// If n is greater than available events, returns all available.
func RecentEvents(n int) []Event {
	return buffer.Last(n)
}
