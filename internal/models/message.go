package models

import "time"

// UnknownSlot marks an inbound message whose SIM slot the gateway could not
// report.
const UnknownSlot = -1

// AckKind distinguishes the two acknowledgments a segment can produce.
type AckKind string

const (
	AckSent     AckKind = "sent"
	AckDelivery AckKind = "delivery"
)

// AckResult is the decoded outcome of a single segment acknowledgment.
type AckResult string

const (
	AckOK     AckResult = "ok"
	AckFailed AckResult = "failed"
)

// LogicalMessage is one caller-initiated send request. It is immutable once
// the correlator registers it.
type LogicalMessage struct {
	ID           string    `json:"id"`
	Recipient    string    `json:"recipient"`
	Body         string    `json:"body"`
	SegmentCount int       `json:"segment_count"`
	SimSelector  *int      `json:"sim_selector,omitempty"`
	Subscription int       `json:"subscription"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// SegmentAck is a decoded acknowledgment for one physical segment.
type SegmentAck struct {
	MessageID string    `json:"message_id"`
	Segment   int       `json:"segment"`
	Kind      AckKind   `json:"kind"`
	Result    AckResult `json:"result"`
	Code      int       `json:"code"`
}

// InboundMessage is a received SMS, relayed and then discarded by the
// correlator.
type InboundMessage struct {
	Sender      string    `json:"sender"`
	Body        string    `json:"body"`
	ReceivedAt  time.Time `json:"received_at"`
	SimSelector int       `json:"sim_selector"`
}
