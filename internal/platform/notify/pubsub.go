package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubSink publishes payloads to a Pub/Sub topic, ordered per order id.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink connects to projectID and publishes to topicID. The sink owns the client.
func NewPubSubSink(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	sink, err := NewPubSubSinkFromTopic(client.Topic(topicID))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	sink.client = client
	return sink, nil
}

// NewPubSubSinkFromTopic wraps an existing topic; the caller keeps ownership of its client.
func NewPubSubSinkFromTopic(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, errors.New("pubsub sink: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubSink{topic: topic}, nil
}

func (s *PubSubSink) Name() string { return "pubsub" }

func (s *PubSubSink) Deliver(ctx context.Context, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: payload.OrderID,
		Attributes: map[string]string{
			"orderId": payload.OrderID,
			"userId":  payload.UserID,
			"status":  payload.Status,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses the ordering key until resumed.
		s.topic.ResumePublish(payload.OrderID)
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (s *PubSubSink) Close() error {
	s.topic.Stop()
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
