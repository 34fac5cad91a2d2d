package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/kafka/producer"
	"github.com/textly/smsbridge/internal/models"
)

const contentTypeJSON = "application/json"

// ErrProducerNotInitialised is returned by a publisher built without a producer.
var ErrProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// Producer is the subset of the Kafka producer the publishers need.
type Producer interface {
	Publish(ctx context.Context, msg producer.Message) error
}

// EventPublisher writes bridge events to the events topic. It satisfies the
// relay sink contract so it can be registered next to the message store.
type EventPublisher struct {
	producer Producer
	topic    string
	logger   zerolog.Logger
}

// NewEventPublisher returns nil when prod is nil.
func NewEventPublisher(prod Producer, topic string, logger zerolog.Logger) *EventPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &EventPublisher{producer: prod, topic: topic, logger: logger}
}

// Name identifies the publisher in relay logs.
func (p *EventPublisher) Name() string {
	return "kafka"
}

// Deliver publishes evt keyed by its message id, or by the sender address for
// inbound events, so every event of one message lands on one partition.
func (p *EventPublisher) Deliver(ctx context.Context, evt models.Event) error {
	if p == nil || p.producer == nil {
		return ErrProducerNotInitialised
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal event: %w", err)
	}

	err = p.producer.Publish(ctx, producer.Message{
		Topic: p.topic,
		Key:   evt.Key(),
		Headers: map[string]string{
			"content-type": contentTypeJSON,
			"event":        evt.Name,
		},
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("kafka publisher: publish %s: %w", evt.Name, err)
	}
	p.logger.Debug().Str("event", evt.Name).Str("key", evt.Key()).Msg("event published")
	return nil
}

// DLQPublisher writes rejected send requests to the DLQ topic.
type DLQPublisher struct {
	producer Producer
	topic    string
	logger   zerolog.Logger
}

// NewDLQPublisher returns nil when prod is nil.
func NewDLQPublisher(prod Producer, topic string, logger zerolog.Logger) *DLQPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &DLQPublisher{producer: prod, topic: topic, logger: logger}
}

// PublishDLQ writes record keyed by its request id.
func (p *DLQPublisher) PublishDLQ(ctx context.Context, record models.DLQRecord) error {
	if p == nil || p.producer == nil {
		return ErrProducerNotInitialised
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal dlq record: %w", err)
	}

	err = p.producer.Publish(ctx, producer.Message{
		Topic:   p.topic,
		Key:     record.RequestID,
		Headers: map[string]string{"content-type": contentTypeJSON},
		Value:   payload,
	})
	if err != nil {
		return fmt.Errorf("kafka publisher: publish dlq record: %w", err)
	}
	return nil
}
