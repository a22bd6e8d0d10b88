// Package events provides a small non-blocking fan-out broadcaster for the
// structured events the core emits (order placed, order expired, filter
// skip, error) so external sinks - email/chat notifications, the operator
// CLI - can subscribe without the core ever blocking on their delivery.
package events

import (
	"log"
	"sync"
	"time"
)

// Kind classifies a structured event.
type Kind string

const (
	KindOrderPlaced  Kind = "order_placed"
	KindOrderExpired Kind = "order_expired"
	KindFilterSkip   Kind = "filter_skip"
	KindError        Kind = "error"
)

// Event is one structured occurrence the core publishes. Fields not
// relevant to a given Kind are left zero.
type Event struct {
	Kind      Kind
	At        time.Time
	AccountID string
	Symbol    string
	Side      string
	Message   string
	OrderID   string
}

// Bus is a non-blocking fan-out broadcaster. Publish never blocks the
// caller: a subscriber whose channel is full has the event dropped and a
// counter incremented, rather than stalling the dispatcher or reaper.
type Bus struct {
	logger *log.Logger

	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	dropped map[int]int64
}

// New creates a Bus. A nil logger falls back to log.Default().
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		logger:  logger,
		subs:    make(map[int]chan Event),
		dropped: make(map[int]int64),
	}
}

// Subscribe registers a new sink with the given buffer depth and returns
// its receive channel and an Unsubscribe function. The channel is closed
// when Unsubscribe is called.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			delete(b.dropped, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish fans ev out to every subscriber without blocking. ev.At is set
// to now if zero.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped[id]++
			if b.dropped[id] == 1 || b.dropped[id]%100 == 0 {
				b.logger.Printf("events: subscriber %d is full, dropped=%d event=%s", id, b.dropped[id], ev.Kind)
			}
		}
	}
}

// SubscriberCount reports the number of active subscribers, for
// introspection endpoints.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
