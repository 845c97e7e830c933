package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/bitvex/bitvex/internal/config"
)

// KafkaPublisher publishes balance events to a single topic, keyed by
// (user, currency) so per-pair ordering survives partitioning.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher for the configured brokers.
// The writer is async: WriteMessages enqueues and returns, delivery
// errors surface through the completion callback.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	p := &KafkaPublisher{logger: logger}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("Failed to publish balance events", zap.Error(err), zap.Int("count", len(messages)))
			}
		},
	}
	return p, nil
}

func (p *KafkaPublisher) PublishBalanceChange(ctx context.Context, ev BalanceEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode balance event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.UserID.String() + ":" + ev.Currency),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to enqueue balance event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
