// Package bus is the in-process pub/sub used to fan session lifecycle events
// out to audit, metrics and logging without coupling them to the gateway.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives events whose topic starts with its prefix.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. Delivery never blocks the publisher;
// a subscriber that falls more than the buffer size behind misses events.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. A nil bus drops it.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
