package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/exchange-backup/internal/domain/events"
	"github.com/ahrav/exchange-backup/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/exchange-backup/internal/infra/eventbus/serialization"
	"github.com/ahrav/exchange-backup/pkg/common/logger"
)

var (
	_ events.DomainEventPublisher = (*DomainEventPublisher)(nil)
	_ events.Closer               = (*DomainEventPublisher)(nil)
)

// PublisherMetrics defines metrics operations needed to monitor Kafka publishing.
type PublisherMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

// DomainEventPublisher implements events.DomainEventPublisher on top of a
// synchronous Kafka producer. Every event goes to a single topic, keyed by the
// publish key so that one account's transitions stay ordered.
type DomainEventPublisher struct {
	producer sarama.SyncProducer
	client   sarama.Client
	topic    string

	logger  *logger.Logger
	metrics PublisherMetrics
	tracer  trace.Tracer
}

// NewDomainEventPublisher creates a publisher writing to topic through producer.
func NewDomainEventPublisher(
	producer sarama.SyncProducer,
	topic string,
	logger *logger.Logger,
	metrics PublisherMetrics,
	tracer trace.Tracer,
) *DomainEventPublisher {
	return &DomainEventPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "kafka_publisher", "topic", topic),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// PublishDomainEvent serializes event and sends it to the configured topic.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	ctx, span := tracing.StartProducerSpan(ctx, pub.topic, pub.tracer)
	defer span.End()

	env := events.NewEnvelope(event, opts...)
	span.SetAttributes(
		attribute.String("event.type", string(env.Type)),
		attribute.String("event.key", env.Key),
	)

	msgBytes, err := serialization.SerializeEventEnvelope(env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize event")
		pub.incPublishError(ctx)
		return fmt.Errorf("failed to serialize payload for event %s: %w", env.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     pub.topic,
		Key:       sarama.StringEncoder(env.Key),
		Value:     sarama.ByteEncoder(msgBytes),
		Timestamp: env.Timestamp,
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(env.Type)},
		},
	}
	for k, v := range env.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := pub.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		pub.incPublishError(ctx)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", pub.topic, err)
	}

	if pub.metrics != nil {
		pub.metrics.IncMessagePublished(ctx, pub.topic)
	}
	pub.logger.Debug(ctx, "Published message to Kafka",
		"event_type", env.Type,
		"partition", partition,
		"offset", offset,
		"key", env.Key,
	)

	return nil
}

func (pub *DomainEventPublisher) incPublishError(ctx context.Context) {
	if pub.metrics != nil {
		pub.metrics.IncPublishError(ctx, pub.topic)
	}
}

// Close releases the producer and its client.
func (pub *DomainEventPublisher) Close() error {
	err := pub.producer.Close()
	if pub.client != nil && !pub.client.Closed() {
		if cerr := pub.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
