package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event is the journal envelope for order lifecycle and location messages.
type Event struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// KafkaJournal publishes dispatch events to a topic, best-effort. The
// journal is an observational feed, never part of the coordination path.
type KafkaJournal struct {
	writer *kafka.Writer
}

func NewKafkaJournal(brokers []string, topic string) *KafkaJournal {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaJournal{writer: w}
}

func (k *KafkaJournal) Publish(ctx context.Context, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(Event{Kind: kind, Payload: raw, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(wctx, kafka.Message{Key: []byte(kind), Value: b})
}

func (k *KafkaJournal) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
