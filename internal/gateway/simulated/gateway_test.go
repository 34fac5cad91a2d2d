package simulated

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/gateway"
	"github.com/textly/smsbridge/internal/models"
)

type ackCollector struct {
	mu   sync.Mutex
	acks []gateway.Ack
	done chan struct{}
	want int
}

func newCollector(want int) *ackCollector {
	return &ackCollector{done: make(chan struct{}), want: want}
}

func (c *ackCollector) add(a gateway.Ack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, a)
	if len(c.acks) == c.want {
		close(c.done)
	}
}

func (c *ackCollector) wait(t *testing.T) []gateway.Ack {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %d acks", c.want)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gateway.Ack(nil), c.acks...)
}

func transmission(n int, withDelivery bool) gateway.Transmission {
	tx := gateway.Transmission{Recipient: "+15550100000", Subscription: gateway.DefaultSubscription}
	for i := 0; i < n; i++ {
		tx.Parts = append(tx.Parts, "part")
	}
	tx.SentTags = gateway.Tags("sms_1", n)
	if withDelivery {
		tx.DeliveredTags = gateway.Tags("sms_1", n)
	}
	return tx
}

func TestTransmitSuccessEmitsSentThenDelivered(t *testing.T) {
	g := New(zerolog.Nop(), WithLatency(0))
	defer g.Close()

	col := newCollector(4)
	g.SetHandlers(gateway.Handlers{OnAck: col.add})

	if err := g.Transmit(context.Background(), transmission(2, true)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acks := col.wait(t)
	for i, a := range acks[:2] {
		if a.Kind != models.AckSent || a.Code != gateway.ResultOK {
			t.Fatalf("ack %d: expected ok sent ack, got %+v", i, a)
		}
	}
	for i, a := range acks[2:] {
		if a.Kind != models.AckDelivery {
			t.Fatalf("ack %d: expected delivery ack, got %+v", i+2, a)
		}
	}
}

func TestTransmitSentFailureFailsLastSegment(t *testing.T) {
	g := New(zerolog.Nop(), WithLatency(0), WithScenario(ScenarioSentFailure))
	defer g.Close()

	col := newCollector(3)
	g.SetHandlers(gateway.Handlers{OnAck: col.add})

	if err := g.Transmit(context.Background(), transmission(3, true)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acks := col.wait(t)
	if acks[0].Code != gateway.ResultOK || acks[1].Code != gateway.ResultOK {
		t.Fatalf("expected first segments to succeed: %+v", acks)
	}
	if acks[2].Code != gateway.ResultGenericFailure {
		t.Fatalf("expected last segment to fail, got %+v", acks[2])
	}
}

func TestTransmitReject(t *testing.T) {
	g := New(zerolog.Nop(), WithScenario(ScenarioReject))
	defer g.Close()

	if err := g.Transmit(context.Background(), transmission(1, false)); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if len(g.Transmissions()) != 0 {
		t.Fatalf("rejected transmission must not be recorded")
	}
}

func TestTransmitValidatesTags(t *testing.T) {
	g := New(zerolog.Nop())
	defer g.Close()

	tx := transmission(2, false)
	tx.SentTags = tx.SentTags[:1]
	if err := g.Transmit(context.Background(), tx); err == nil {
		t.Fatalf("expected error for mismatched tags")
	}
}

func TestTransmitHonoursCancelledContext(t *testing.T) {
	g := New(zerolog.Nop())
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Transmit(ctx, transmission(1, false)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestActiveSubscriptions(t *testing.T) {
	subs := []gateway.Subscription{{ID: 1, Slot: 0}, {ID: 7, Slot: 1}}
	g := New(zerolog.Nop(), WithSubscriptions(subs...))
	got, err := g.ActiveSubscriptions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[1].ID != 7 {
		t.Fatalf("unexpected subscriptions %+v", got)
	}

	single := New(zerolog.Nop(), WithoutMultiSim())
	if _, err := single.ActiveSubscriptions(context.Background()); !errors.Is(err, gateway.ErrMultiSimUnsupported) {
		t.Fatalf("expected ErrMultiSimUnsupported, got %v", err)
	}
}

func TestReceiveStampsMissingTimestamps(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	g := New(zerolog.Nop(), WithClock(func() time.Time { return fixed }))

	var got []gateway.InboundRecord
	g.SetHandlers(gateway.Handlers{OnInbound: func(records []gateway.InboundRecord) {
		got = append(got, records...)
	}})

	g.Receive(gateway.InboundRecord{Sender: "+15550100000", Body: "hi"})
	if len(got) != 1 || got[0].TimestampMillis != fixed.UnixMilli() {
		t.Fatalf("unexpected inbound records %+v", got)
	}
}

func TestParseScenario(t *testing.T) {
	if s, err := ParseScenario(""); err != nil || s != ScenarioSuccess {
		t.Fatalf("expected default success scenario, got %q, %v", s, err)
	}
	if s, err := ParseScenario(" No-Service "); err != nil || s != ScenarioNoService {
		t.Fatalf("expected no-service, got %q, %v", s, err)
	}
	if _, err := ParseScenario("flaky"); err == nil {
		t.Fatalf("expected error for unknown scenario")
	}
}
