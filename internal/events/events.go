package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/talamala/bullion/internal/metrics"
)

const (
	TypeCheckoutHeld        = "checkout.held"
	TypeCheckoutSettled     = "checkout.settled"
	TypeCheckoutAborted     = "checkout.aborted"
	TypeCheckoutExpired     = "checkout.expired"
	TypePOSReserved         = "pos.reserved"
	TypePOSSold             = "pos.sold"
	TypePOSCancelled        = "pos.cancelled"
	TypeBuybackCompleted    = "buyback.completed"
	TypeTradeExecuted       = "trade.executed"
	TypeTopupConfirmed      = "topup.confirmed"
	TypeWithdrawalRequested = "withdrawal.requested"
	TypeWithdrawalApproved  = "withdrawal.approved"
	TypeWithdrawalRejected  = "withdrawal.rejected"

	eventVersion = 1
)

// Envelope is the metadata shared by every published event.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Message is the wire shape: envelope plus event specific data.
type Message struct {
	Envelope
	Data any `json:"data"`
}

// NewMessage stamps data with a fresh envelope.
func NewMessage(eventType, correlationID string, data any) (Message, error) {
	if eventType == "" {
		return Message{}, fmt.Errorf("event type is required")
	}
	return Message{
		Envelope: Envelope{
			EventID:       uuid.NewString(),
			EventType:     eventType,
			EventVersion:  eventVersion,
			Timestamp:     time.Now().UTC(),
			CorrelationID: correlationID,
		},
		Data: data,
	}, nil
}

// Publisher hands committed domain events to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, data any) error
	Close() error
}

// KafkaPublisher writes events to one topic through a sarama SyncProducer,
// keyed so that events of one business object stay ordered.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewKafkaPublisher wraps an existing producer.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *slog.Logger, m *metrics.Metrics) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger, metrics: m}
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventType, key string, data any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	msg, err := NewMessage(eventType, key, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		p.metrics.ObservePublish(eventType, "error")
		p.logger.Error("kafka publish failed", slog.String("topic", p.topic), slog.String("type", eventType), slog.Any("error", err))
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	p.metrics.ObservePublish(eventType, "success")
	p.logger.Debug("event published",
		slog.String("type", eventType),
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// LogPublisher writes events to the structured logger; used when no broker is
// configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher constructs a logging publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, eventType, key string, data any) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("event", slog.String("type", eventType), slog.String("key", key), slog.Any("data", data))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
