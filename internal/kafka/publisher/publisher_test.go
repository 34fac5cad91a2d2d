package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/kafka/producer"
	kafkapublisher "github.com/textly/smsbridge/internal/kafka/publisher"
	"github.com/textly/smsbridge/internal/models"
)

type fakeProducer struct {
	err  error
	msgs []producer.Message
}

func (f *fakeProducer) Publish(_ context.Context, msg producer.Message) error {
	f.msgs = append(f.msgs, msg)
	return f.err
}

func TestEventPublisherKeysByMessageID(t *testing.T) {
	prod := &fakeProducer{}
	pub := kafkapublisher.NewEventPublisher(prod, "sms.events", zerolog.Nop())
	if pub == nil {
		t.Fatalf("expected publisher instance")
	}

	evt := models.SentEvent("sms_1_1", true, "Generic failure", time.Unix(123, 0).UTC())
	if err := pub.Deliver(context.Background(), evt); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	if len(prod.msgs) != 1 {
		t.Fatalf("expected one record, got %d", len(prod.msgs))
	}
	msg := prod.msgs[0]
	if msg.Topic != "sms.events" {
		t.Fatalf("expected topic sms.events, got %s", msg.Topic)
	}
	if msg.Key != "sms_1_1" {
		t.Fatalf("expected key sms_1_1, got %s", msg.Key)
	}
	if msg.Headers["content-type"] != "application/json" || msg.Headers["event"] != models.EventSmsSent {
		t.Fatalf("unexpected headers %v", msg.Headers)
	}

	var payload models.Event
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload.Status != models.StatusFailed || payload.Reason != "Generic failure" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestEventPublisherKeysInboundBySender(t *testing.T) {
	prod := &fakeProducer{}
	pub := kafkapublisher.NewEventPublisher(prod, "sms.events", zerolog.Nop())

	evt := models.ReceivedEvent(models.InboundMessage{Sender: "+15550100", Body: "hi", ReceivedAt: time.Unix(5, 0)}, time.Unix(6, 0))
	if err := pub.Deliver(context.Background(), evt); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if prod.msgs[0].Key != "+15550100" {
		t.Fatalf("expected sender key, got %s", prod.msgs[0].Key)
	}
	if pub.Name() != "kafka" {
		t.Fatalf("unexpected sink name %s", pub.Name())
	}
}

func TestEventPublisherPropagatesProducerError(t *testing.T) {
	expectedErr := errors.New("broker down")
	pub := kafkapublisher.NewEventPublisher(&fakeProducer{err: expectedErr}, "sms.events", zerolog.Nop())

	err := pub.Deliver(context.Background(), models.DeliveredEvent("id", time.Now()))
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected producer error, got %v", err)
	}
}

func TestDLQPublisherKeysByRequestID(t *testing.T) {
	prod := &fakeProducer{}
	pub := kafkapublisher.NewDLQPublisher(prod, "sms.dlq", zerolog.Nop())

	record := models.DLQRecord{
		RequestID:   "6f1c0f8e-1a7a-4c55-9a2d-3a0b6a1f2e11",
		FailureType: models.FailureTypePermission,
		ErrorCode:   "PERMISSION_DENIED",
		FailedAt:    time.Unix(99, 0).UTC(),
	}
	if err := pub.PublishDLQ(context.Background(), record); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if prod.msgs[0].Key != record.RequestID || prod.msgs[0].Topic != "sms.dlq" {
		t.Fatalf("unexpected record %+v", prod.msgs[0])
	}

	var payload models.DLQRecord
	if err := json.Unmarshal(prod.msgs[0].Value, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload.FailureType != models.FailureTypePermission {
		t.Fatalf("unexpected failure type %s", payload.FailureType)
	}
}

func TestNilPublisherReportsMissingProducer(t *testing.T) {
	if pub := kafkapublisher.NewDLQPublisher(nil, "sms.dlq", zerolog.Nop()); pub != nil {
		t.Fatalf("expected nil publisher without producer")
	}
	var pub *kafkapublisher.EventPublisher
	if err := pub.Deliver(context.Background(), models.Event{}); !errors.Is(err, kafkapublisher.ErrProducerNotInitialised) {
		t.Fatalf("expected ErrProducerNotInitialised, got %v", err)
	}
}
