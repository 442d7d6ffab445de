package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a published event with transport metadata.
type Envelope struct {
	ID          string    `json:"id"`
	RoutingKey  string    `json:"routing_key"`
	PublishedAt time.Time `json:"published_at"`
	Event       Event     `json:"event"`
}

// Handler consumes one envelope. Handlers for the same routing key are
// invoked sequentially in publish order.
type Handler func(ctx context.Context, env Envelope)

// Bus is the publish-subscribe primitive. Publication is non-blocking up to
// the per-key buffer; subscribers see in-order delivery per routing key.
type Bus interface {
	// Publish enqueues an event under a routing key.
	Publish(ctx context.Context, routingKey string, event Event) error

	// Subscribe registers a handler for an event type. The returned
	// function removes the subscription.
	Subscribe(eventType string, handler Handler) func()

	// Close stops dispatching after draining queued events.
	Close()
}

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = fmt.Errorf("event bus is closed")

const defaultKeyBuffer = 256

// InMemoryBus is the in-process Bus binding. Each routing key owns one
// dispatch goroutine so ordering holds per key while keys proceed
// independently.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	queues   map[string]chan Envelope
	nextSub  int
	closed   bool
	wg       sync.WaitGroup
}

type subscription struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates an in-process bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[string][]subscription),
		queues:   make(map[string]chan Envelope),
	}
}

// Publish enqueues the event on the routing key's dispatch queue.
func (b *InMemoryBus) Publish(ctx context.Context, routingKey string, event Event) error {
	env := Envelope{
		ID:          uuid.New().String(),
		RoutingKey:  routingKey,
		PublishedAt: time.Now().UTC(),
		Event:       event,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	queue, ok := b.queues[routingKey]
	if !ok {
		queue = make(chan Envelope, defaultKeyBuffer)
		b.queues[routingKey] = queue
		b.wg.Add(1)
		go b.dispatch(queue)
	}
	b.mu.Unlock()

	select {
	case queue <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for one event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	id := b.nextSub
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.handlers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close stops accepting publishes and waits for queued events to drain.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *InMemoryBus) dispatch(queue chan Envelope) {
	defer b.wg.Done()
	for env := range queue {
		b.mu.RLock()
		subs := make([]subscription, len(b.handlers[env.Event.EventType()]))
		copy(subs, b.handlers[env.Event.EventType()])
		b.mu.RUnlock()

		for _, s := range subs {
			s.handler(context.Background(), env)
		}
	}
}
