// Package eventbus combines the configured event sinks into one publisher.
package eventbus

import (
	"context"
	"errors"

	"github.com/ahrav/exchange-backup/internal/domain/events"
)

var (
	_ events.DomainEventPublisher = (*Fanout)(nil)
	_ events.Closer               = (*Fanout)(nil)
)

// Fanout publishes every event to each of its publishers. A failing publisher
// does not prevent delivery to the others.
type Fanout struct {
	publishers []events.DomainEventPublisher
}

// NewFanout creates a publisher delivering to every non-nil publisher.
func NewFanout(publishers ...events.DomainEventPublisher) *Fanout {
	f := &Fanout{}
	for _, p := range publishers {
		if p != nil {
			f.publishers = append(f.publishers, p)
		}
	}
	return f
}

// Len returns the number of publishers.
func (f *Fanout) Len() int { return len(f.publishers) }

// PublishDomainEvent delivers event to every publisher and joins their errors.
func (f *Fanout) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.PublishDomainEvent(ctx, event, opts...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher that holds resources.
func (f *Fanout) Close() error {
	var errs []error
	for _, p := range f.publishers {
		if c, ok := p.(events.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
