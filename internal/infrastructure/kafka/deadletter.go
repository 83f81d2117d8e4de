package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"eventgate/internal/domain/deadletter"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string
	Topic   string
}

// DeadLetterPublisher publishes dead-lettered events to a Kafka topic for
// manual inspection. Messages are keyed by entity_key so letters for the
// same entity stay on one partition.
type DeadLetterPublisher struct {
	writer *kafka.Writer
}

func NewDeadLetterPublisher(cfg Config) *DeadLetterPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &DeadLetterPublisher{writer: w}
}

func (p *DeadLetterPublisher) Publish(ctx context.Context, letter *deadletter.Letter) error {
	value, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(letter.EntityKey),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}
	return nil
}

func (p *DeadLetterPublisher) Close() error {
	return p.writer.Close()
}
