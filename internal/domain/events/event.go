package events

import "time"

// DomainEvent is anything that happened in the domain and may be of interest
// outside of it. Concrete events live next to the aggregates that raise them.
type DomainEvent interface {
	// EventType identifies the category of this event for routing and handling.
	EventType() EventType
	// OccurredAt records when the event happened.
	OccurredAt() time.Time
}

// EventEnvelope is the transport representation of a DomainEvent, carrying the
// routing metadata resolved from the publish options.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically the account an event
	// belongs to.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event data.
	Payload DomainEvent
}

// NewEnvelope wraps evt and applies opts.
func NewEnvelope(evt DomainEvent, opts ...PublishOption) EventEnvelope {
	var params PublishParams
	for _, opt := range opts {
		opt(&params)
	}
	return EventEnvelope{
		Type:      evt.EventType(),
		Key:       params.Key,
		Headers:   params.Headers,
		Timestamp: evt.OccurredAt(),
		Payload:   evt,
	}
}
