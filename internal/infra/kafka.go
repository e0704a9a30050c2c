package infra

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// NewKafkaProducer builds the synchronous producer behind the event
// publisher. An empty broker list yields a nil producer.
func NewKafkaProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V3_6_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}
