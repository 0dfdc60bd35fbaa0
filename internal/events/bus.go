// Package events provides an in-process publish/subscribe bus for gateway
// lifecycle events.
package events

import (
	"sync"
)

// Topics published by the circuit breaker service.
const (
	// TopicCircuitStateChange carries StateChangeEvent payloads.
	TopicCircuitStateChange = "circuit:state-change"

	// TopicCircuitFailure carries FailureEvent payloads.
	TopicCircuitFailure = "circuit:failure"

	// TopicCircuitReset carries ResetEvent payloads.
	TopicCircuitReset = "circuit:reset"
)

// StateChangeEvent is published when a circuit breaker changes state.
type StateChangeEvent struct {
	ServiceID string
	From      string
	To        string
	Timestamp int64
}

// FailureEvent is published on every recorded breaker failure.
type FailureEvent struct {
	ServiceID      string
	Timestamp      int64
	ErrorMessage   string
	ErrorKind      string
	StateAtFailure string
}

// ResetEvent is published when a circuit breaker is forcibly reset.
type ResetEvent struct {
	ServiceID string
	Timestamp int64
}

// Handler receives published events for a topic.
type Handler func(payload interface{})

// Subscription identifies a subscriber for later removal.
type Subscription struct {
	topic string
	id    int
}

type subscriber struct {
	id      int
	handler Handler
}

// Bus is an in-process topic bus. Delivery is synchronous on the publishing
// goroutine; handlers must not block indefinitely.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	topics map[string][]subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		topics: make(map[string][]subscriber),
	}
}

// Subscribe registers a handler for the topic and returns a Subscription
// for Unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.topics[topic] = append(b.topics[topic], subscriber{id: b.nextID, handler: handler})
	return Subscription{topic: topic, id: b.nextID}
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.topics[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the payload to every subscriber of the topic. The
// subscriber list is snapshotted under the lock before dispatch, so handlers
// may subscribe or unsubscribe without deadlocking delivery.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(payload)
	}
}

// SubscriberCount returns the number of subscribers for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
