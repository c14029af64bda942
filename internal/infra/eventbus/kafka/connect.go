package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/exchange-backup/pkg/common/logger"
)

// ConnectWithRetry attempts to establish a producer with exponential backoff.
// It will retry failed connection attempts for up to 2 minutes, starting with 2 second intervals.
func ConnectWithRetry(cfg *ClientConfig, logger *logger.Logger, metrics PublisherMetrics, tracer trace.Tracer) (*DomainEventPublisher, error) {
	var pub *DomainEventPublisher

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 2 * time.Minute
	expBackoff.InitialInterval = 2 * time.Second

	operation := func() error {
		client, err := NewClient(cfg)
		if err != nil {
			return fmt.Errorf("creating client: %w", err)
		}

		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			client.Close()
			return fmt.Errorf("creating producer: %w", err)
		}

		pub = NewDomainEventPublisher(producer, cfg.Topic, logger, metrics, tracer)
		pub.client = client
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}

	return pub, nil
}
