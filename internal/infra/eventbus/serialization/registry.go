// Package serialization converts domain events into their wire format. Every
// event type registers a function producing a field map; envelopes are then
// encoded as protobuf Struct messages so that consumers need no generated code.
package serialization

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/exchange-backup/internal/domain/events"
	"github.com/ahrav/exchange-backup/internal/domain/export"
)

// SerializeFunc converts a domain event into fields accepted by structpb.NewStruct.
type SerializeFunc func(payload events.DomainEvent) (map[string]any, error)

var serializerRegistry = map[events.EventType]SerializeFunc{}

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers handlers for all supported event types.
func RegisterEventSerializers() {
	RegisterSerializeFunc(export.EventTypeJobTransitioned, serializeJobTransitioned)
	RegisterSerializeFunc(export.EventTypeRunCompleted, serializeRunCompleted)
}

// PayloadStruct converts a domain event into a Struct using its registered serializer.
func PayloadStruct(eventType events.EventType, payload events.DomainEvent) (*structpb.Struct, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	fields, err := fn(payload)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

// EnvelopeStruct wraps the serialized payload with the envelope metadata.
func EnvelopeStruct(env events.EventEnvelope) (*structpb.Struct, error) {
	payload, err := PayloadStruct(env.Type, env.Payload)
	if err != nil {
		return nil, err
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":        structpb.NewStringValue(string(env.Type)),
		"key":         structpb.NewStringValue(env.Key),
		"occurred_at": structpb.NewStringValue(env.Timestamp.UTC().Format(time.RFC3339Nano)),
		"payload":     structpb.NewStructValue(payload),
	}}, nil
}

// SerializeEventEnvelope encodes env as protobuf bytes.
func SerializeEventEnvelope(env events.EventEnvelope) ([]byte, error) {
	s, err := EnvelopeStruct(env)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// DeserializeEventEnvelope decodes bytes produced by SerializeEventEnvelope.
func DeserializeEventEnvelope(data []byte) (*structpb.Struct, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	return &s, nil
}

// PayloadJSON renders the serialized payload of evt as JSON.
func PayloadJSON(evt events.DomainEvent) ([]byte, error) {
	s, err := PayloadStruct(evt.EventType(), evt)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

func serializeJobTransitioned(payload events.DomainEvent) (map[string]any, error) {
	evt, ok := payload.(export.JobTransitionedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeJobTransitioned: payload is not JobTransitionedEvent")
	}

	effects := make([]any, len(evt.Effects))
	for i, e := range evt.Effects {
		effects[i] = e.String()
	}

	return map[string]any{
		"id":           evt.ID.String(),
		"run_id":       evt.RunID.String(),
		"account":      evt.Account.Key(),
		"organization": evt.Account.Organization(),
		"service":      evt.Account.Service(),
		"address":      evt.Account.Address(),
		"from":         evt.From.String(),
		"to":           evt.To.String(),
		"effects":      effects,
		"reason":       evt.Reason,
		"percent":      evt.Percent,
	}, nil
}

func serializeRunCompleted(payload events.DomainEvent) (map[string]any, error) {
	evt, ok := payload.(export.RunCompletedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeRunCompleted: payload is not RunCompletedEvent")
	}

	return map[string]any{
		"run_id":    evt.RunID.String(),
		"completed": evt.Completed,
		"skipped":   evt.Skipped,
		"failed":    evt.Failed,
		"aborted":   evt.Aborted,
	}, nil
}
