package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/config"
	"github.com/segmentio/kafka-go"
)

// TypeHeader names the message header carrying Event.Type.
const TypeHeader = "event-type"

// Event is one build announcement. Key is the output root, so every
// announcement for the same tree lands on one partition in order. Value is
// encoded as JSON.
type Event struct {
	Key   string
	Type  string
	Value any
}

func (e Event) message() (kafka.Message, error) {
	value, err := json.Marshal(e.Value)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encoding %s event for %s: %w", e.Type, e.Key, err)
	}
	msg := kafka.Message{Key: []byte(e.Key), Value: value, Time: time.Now()}
	if e.Type != "" {
		msg.Headers = []kafka.Header{{Key: TypeHeader, Value: []byte(e.Type)}}
	}
	return msg, nil
}

// Producer announces finished builds on a topic.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewProducer returns a Producer for topic. The builder announces once per
// run, so writes are synchronous and acknowledged by every replica before
// the run is reported done.
func NewProducer(cfg config.KafkaConfig, topic string) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		MaxAttempts:            3,
		WriteTimeout:           5 * time.Second,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Producer{
		writer: w,
		logger: slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

// Publish writes event and waits for the brokers to acknowledge it.
func (p *Producer) Publish(ctx context.Context, event Event) error {
	msg, err := event.message()
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("announcement not delivered", "key", event.Key, "type", event.Type, "error", err)
		return fmt.Errorf("delivering %s event for %s: %w", event.Type, event.Key, err)
	}
	p.logger.Debug("announcement delivered", "key", event.Key, "type", event.Type, "bytes", len(msg.Value))
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
