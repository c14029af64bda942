// Package kafka publishes backup domain events to a Kafka topic.
package kafka

import (
	"time"

	"github.com/IBM/sarama"
)

// ClientConfig contains all configuration needed for Kafka client setup
type ClientConfig struct {
	Brokers  []string
	ClientID string
	Topic    string
}

// NewClient creates and configures a Kafka client for publishing.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	config := newSaramaConfig(cfg.ClientID)
	return sarama.NewClient(cfg.Brokers, config)
}

func newSaramaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	// Producer settings
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Retry.Max = 5
	config.Producer.Retry.Backoff = 250 * time.Millisecond

	// Version should be consistent across all components
	config.Version = sarama.V3_6_0_0

	return config
}
