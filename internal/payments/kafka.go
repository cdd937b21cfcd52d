// README: Kafka adapter publishing charge instructions as JSON messages keyed by trip.
package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaEmitter struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaEmitter(brokers []string, topic string) *KafkaEmitter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaEmitter{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaEmitter) Execute(ctx context.Context, c Charge) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	// Keyed by trip so every charge of one trip lands on the same partition.
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(c.TripID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "idempotency_key", Value: []byte(c.IdempotencyKey)},
		},
	})
}

func (k *KafkaEmitter) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
