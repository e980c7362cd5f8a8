// Package eventbus implements a typed fire-and-forget notifier:
// single-threaded, synchronous dispatch in subscription
// order, with per-subscriber panic recovery so one misbehaving listener
// cannot starve the others. There is no persistence: events fired before a
// subscription exists are lost.
package eventbus

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Handler receives events for topics it has subscribed to.
type Handler func(Event)

// Disposer unsubscribes a previously registered handler. Calling it more
// than once is a no-op.
type Disposer func()

type subscription struct {
	id      uint64
	topic   Topic
	handler Handler
}

// Bus is the event bus. All mutation of the subscriber list happens under
// a single mutex; dispatch runs on the caller's goroutine over a copy of
// the list taken under that mutex. There is no worker pool and no queue.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Topic][]*subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]*subscription)}
}

// Subscribe registers handler for topic and returns an idempotent
// disposer. Subscribers are invoked in subscription order.
func (b *Bus) Subscribe(topic Topic, handler Handler) Disposer {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, topic: topic, handler: handler}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, s := range list {
				if s.id == sub.id {
					b.subs[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Fire invokes every subscriber of event.Topic synchronously, in
// subscription order. A panicking subscriber is recovered and logged; it
// does not prevent later subscribers from running and does not propagate
// to the caller. Fire does not guarantee ordering across different
// topics, only within one topic's subscriber list.
func (b *Bus) Fire(event Event) {
	b.mu.Lock()
	// Copy the slice under lock so a handler that subscribes/unsubscribes
	// during dispatch cannot race with the slice we are iterating.
	list := make([]*subscription, len(b.subs[event.Topic]))
	copy(list, b.subs[event.Topic])
	b.mu.Unlock()

	for _, sub := range list {
		b.invoke(sub, event)
	}
}

func (b *Bus) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"topic":         event.Topic,
				"subscriber_id": sub.id,
				"panic":         r,
			}).Error("event subscriber panicked; continuing dispatch")
		}
	}()
	sub.handler(event)
}
