// Package bus is the in-process pub/sub used to fan task, catalog and theme
// changes out to the UI synchronization layer.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscription queue length used by Subscribe.
const DefaultBuffer = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives the events whose topic starts with its prefix.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

// Ch returns the channel to receive events on. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many events this subscriber lost to a full queue.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// deliver enqueues ev, evicting the oldest queued event when full. UI
// consumers care about the newest partial text and state, not the backlog.
func (s *Subscription) deliver(ev Event) bool {
	for range 2 {
		select {
		case s.ch <- ev:
			return true
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
	s.dropped.Add(1)
	return false
}

// Bus is an in-process pub/sub bus with topic prefix matching. The zero
// value is not usable; a nil *Bus is a valid no-op publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe is SubscribeBuffered with DefaultBuffer.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, DefaultBuffer)
}

// SubscribeBuffered creates a subscription with a queue of size events.
// An empty prefix matches all topics.
func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if size < 1 {
		size = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, prefix: topicPrefix, ch: make(chan Event, size)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to every matching subscriber without blocking and
// returns how many accepted it.
func (b *Bus) Publish(topic string, payload any) int {
	if b == nil {
		return 0
	}
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if sub.matches(topic) && sub.deliver(ev) {
			delivered++
		}
	}
	return delivered
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
