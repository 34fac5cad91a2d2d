package correlator

import (
	"time"

	"github.com/textly/smsbridge/internal/gateway"
	"github.com/textly/smsbridge/internal/models"
)

// Ticket is handed back by Submit. Sent yields exactly one onSmsSent event
// and is then closed. Delivered yields at most one onSmsDelivered event and
// is closed once the delivery outcome is known, including when it never
// will be.
type Ticket struct {
	ID           string
	SegmentCount int
	Subscription int

	sent      chan models.Event
	delivered chan models.Event
}

// Sent returns the channel carrying the sent outcome.
func (t *Ticket) Sent() <-chan models.Event { return t.sent }

// Delivered returns the channel carrying the delivery outcome.
func (t *Ticket) Delivered() <-chan models.Event { return t.delivered }

// tracker counts acks of one kind for one message.
type tracker struct {
	expected int
	seen     map[int]struct{}
	failed   bool
	failCode int
	done     bool
}

func newTracker(expected int) tracker {
	return tracker{expected: expected, seen: make(map[int]struct{}, expected), done: expected == 0}
}

// record marks a segment as seen and reports whether it was new.
func (t *tracker) record(segment int) bool {
	if t.done || segment < 0 || segment >= t.expected {
		return false
	}
	if _, dup := t.seen[segment]; dup {
		return false
	}
	t.seen[segment] = struct{}{}
	return true
}

func (t *tracker) complete() bool {
	return len(t.seen) == t.expected
}

type entry struct {
	msg      models.LogicalMessage
	ticket   *Ticket
	sent     tracker
	delivery tracker
}

// outcome holds the events an ack produced; at most one of each.
type outcome struct {
	sent         *models.Event
	delivered    *models.Event
	deliveryDone bool
}

func newEntry(msg models.LogicalMessage, deliveries int) *entry {
	e := &entry{
		msg: msg,
		ticket: &Ticket{
			ID:           msg.ID,
			SegmentCount: msg.SegmentCount,
			Subscription: msg.Subscription,
			sent:         make(chan models.Event, 1),
			delivered:    make(chan models.Event, 1),
		},
		sent:     newTracker(msg.SegmentCount),
		delivery: newTracker(deliveries),
	}
	if e.delivery.done {
		// no delivery reports requested, so there is nothing to wait for
		close(e.ticket.delivered)
	}
	return e
}

// apply folds one segment ack into the entry. The bool is false when the
// ack was a repeat or arrived after its kind was finalized.
func (e *entry) apply(ack models.SegmentAck, now time.Time) (outcome, bool) {
	var out outcome
	switch ack.Kind {
	case models.AckSent:
		if !e.sent.record(ack.Segment) {
			return out, false
		}
		if ack.Result == models.AckFailed && !e.sent.failed {
			e.sent.failed = true
			e.sent.failCode = ack.Code
		}
		if !e.sent.complete() {
			return out, true
		}
		e.sent.done = true
		reason := ""
		if e.sent.failed {
			reason = gateway.FailureReason(e.sent.failCode)
		}
		evt := models.SentEvent(e.msg.ID, e.sent.failed, reason, now)
		out.sent = &evt
		if e.sent.failed && !e.delivery.done {
			// a failed send can never be delivered
			e.delivery.done = true
			out.deliveryDone = true
		}
		return out, true

	case models.AckDelivery:
		if !e.delivery.record(ack.Segment) {
			return out, false
		}
		if !e.delivery.complete() {
			return out, true
		}
		e.delivery.done = true
		evt := models.DeliveredEvent(e.msg.ID, now)
		out.delivered = &evt
		out.deliveryDone = true
		return out, true
	}
	return out, false
}

// expire finalizes whatever is still pending when the retention window
// elapses: a pending send fails with TimeoutReason and a pending delivery
// becomes unknown.
func (e *entry) expire(now time.Time) outcome {
	var out outcome
	if !e.sent.done {
		e.sent.done = true
		evt := models.SentEvent(e.msg.ID, true, TimeoutReason, now)
		out.sent = &evt
	}
	if !e.delivery.done {
		e.delivery.done = true
		out.deliveryDone = true
	}
	return out
}

func (e *entry) finished() bool {
	return e.sent.done && e.delivery.done
}
