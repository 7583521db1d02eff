// Package bus is the topic-keyed pub/sub event bus. Topics are session
// (or meeting) ids; delivery is synchronous and in emit order, with
// per-topic serialization.
package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/guildhall/guild-hall/internal/domain"
)

// Handler receives events for a topic.
type Handler func(domain.Event)

// UnsubscribeFunc removes a subscription. Idempotent.
type UnsubscribeFunc func()

type subscriber struct {
	id int64
	fn Handler
	// gone is set under Bus.mu; checked before each delivery so a
	// subscriber is never re-invoked after it unsubscribes, even when
	// the unsubscribe happens mid-delivery.
	gone bool
}

type topicState struct {
	// deliverMu serializes deliveries for one topic. Held without
	// Bus.mu so slow subscribers on one topic do not stall others.
	deliverMu sync.Mutex
	subs      []*subscriber
}

// Bus fans events out to topic subscribers and global listeners.
type Bus struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex
	nextID int64
	topics map[string]*topicState
	global []*subscriber
}

// New creates an empty bus.
func New(logger *zap.SugaredLogger) *Bus {
	return &Bus{logger: logger, topics: make(map[string]*topicState)}
}

// Subscribe registers fn on a topic and returns its unsubscribe handle.
func (b *Bus) Subscribe(topic string, fn Handler) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicState{}
		b.topics[topic] = ts
	}
	b.nextID++
	sub := &subscriber{id: b.nextID, fn: fn}
	ts.subs = append(ts.subs, sub)

	return func() { b.unsubscribe(topic, sub) }
}

// SubscribeGlobal registers a system-wide listener that receives every
// event published via PublishGlobal.
func (b *Bus) SubscribeGlobal(fn Handler) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{id: b.nextID, fn: fn}
	b.global = append(b.global, sub)
	return func() { b.unsubscribeGlobal(sub) }
}

func (b *Bus) unsubscribe(topic string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.gone = true
	ts, ok := b.topics[topic]
	if !ok {
		return
	}
	for i, s := range ts.subs {
		if s == sub {
			ts.subs = append(ts.subs[:i], ts.subs[i+1:]...)
			break
		}
	}
	if len(ts.subs) == 0 {
		delete(b.topics, topic)
	}
}

func (b *Bus) unsubscribeGlobal(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.gone = true
	for i, s := range b.global {
		if s == sub {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}

// Emit delivers an event to every subscriber of a topic, synchronously
// and in subscription order. Deliveries on the same topic never overlap.
func (b *Bus) Emit(topic string, ev domain.Event) {
	b.mu.Lock()
	ts, ok := b.topics[topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	snapshot := make([]*subscriber, len(ts.subs))
	copy(snapshot, ts.subs)
	b.mu.Unlock()

	ts.deliverMu.Lock()
	defer ts.deliverMu.Unlock()
	for _, sub := range snapshot {
		b.mu.Lock()
		gone := sub.gone
		b.mu.Unlock()
		if gone {
			continue
		}
		b.deliver(sub, ev, topic)
	}
}

// PublishGlobal delivers an event to every global listener.
func (b *Bus) PublishGlobal(ev domain.Event) {
	b.mu.Lock()
	snapshot := make([]*subscriber, len(b.global))
	copy(snapshot, b.global)
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.mu.Lock()
		gone := sub.gone
		b.mu.Unlock()
		if gone {
			continue
		}
		b.deliver(sub, ev, "")
	}
}

// deliver invokes one subscriber, isolating panics so a faulty listener
// cannot break the bus.
func (b *Bus) deliver(sub *subscriber, ev domain.Event, topic string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warnw("event subscriber panicked", "topic", topic, "event", ev.Type, "panic", r)
		}
	}()
	sub.fn(ev)
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.topics[topic]
	if !ok {
		return 0
	}
	return len(ts.subs)
}
