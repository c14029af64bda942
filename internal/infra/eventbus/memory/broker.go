// Package memory provides an in-process event broker. Published domain events
// are delivered synchronously to every live subscriber.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ahrav/exchange-backup/internal/domain/events"
)

var _ events.DomainEventPublisher = (*Broker)(nil)

// HandlerFunc processes one published event.
type HandlerFunc func(ctx context.Context, env events.EventEnvelope) error

// Broker fans published events out to subscribers registered with Subscribe.
type Broker struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]HandlerFunc
}

// NewBroker creates a broker with no subscribers.
func NewBroker() *Broker {
	return &Broker{handlers: make(map[int]HandlerFunc)}
}

// Subscribe registers handler until ctx is done.
func (b *Broker) Subscribe(ctx context.Context, handler HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()

	return nil
}

// PublishDomainEvent wraps event in an envelope and hands it to every
// subscriber, stopping at the first error.
func (b *Broker) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env := events.NewEnvelope(event, opts...)

	// Copy handlers to avoid holding the lock while executing them.
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]HandlerFunc, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
