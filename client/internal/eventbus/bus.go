// Package eventbus fans bridge events out to local consumers such as the TUI
// and the API event stream.
package eventbus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event types published on the bus.
const (
	PermissionRequest     = "permission.request"
	PermissionResolved    = "permission.resolved"
	PermissionTimeout     = "permission.timeout"
	PermissionQueueStatus = "permission.queue_status"
	PermissionError       = "permission.error"
	ConnectionState       = "connection.state"
	LogEntry              = "log.entry"
)

const subscriberBuffer = 64

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Subscription is one consumer's view of the bus. C is closed on
// Unsubscribe or Close.
type Subscription struct {
	ID string
	C  <-chan Event

	ch      chan Event
	filter  map[string]bool // nil = all events
	dropped atomic.Uint64
}

// Dropped returns how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Bus is a fan-out pub/sub event bus. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe registers a consumer for the given event types, or for all
// events when none are given.
func (b *Bus) Subscribe(types ...string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}
	if len(types) > 0 {
		sub.filter = make(map[string]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. It is safe to call
// more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; ok {
		delete(b.subs, sub.ID)
		close(sub.ch)
	}
}

// Len returns the number of active subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter[e.Type] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// PublishType marshals data and publishes it under eventType. Data that
// cannot be marshalled is published as an event without payload.
func (b *Bus) PublishType(eventType string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      raw,
	})
}

// Close unsubscribes everyone. Later subscriptions receive a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.closed = true
}
