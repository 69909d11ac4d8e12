package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes payloads keyed by order id so one order's updates land on one partition.
type KafkaSink struct {
	writer messageWriter
	now    func() time.Time
}

// NewKafkaSink builds a sink for brokers/topic. With no brokers it returns nil (sink disabled).
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	if topic == "" {
		return nil, errors.New("kafka sink: topic is required")
	}
	return newKafkaSink(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}), nil
}

func newKafkaSink(writer messageWriter) *KafkaSink {
	return &KafkaSink{writer: writer, now: time.Now}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(payload.OrderID),
		Value: data,
		Time:  s.now().UTC(),
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(payload.Status)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
