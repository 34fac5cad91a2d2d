package models

import "time"

// Event names delivered to the application layer.
const (
	EventSmsSent      = "onSmsSent"
	EventSmsDelivered = "onSmsDelivered"
	EventSmsReceived  = "onSmsReceived"
)

// Status values carried by outbound message events.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusDelivered = "delivered"
)

// Event is the single envelope for every notification the bridge emits.
// Sent and delivered events carry MessageID and Status; received events carry
// Address, Body, Date and SimSlot.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	MessageID string    `json:"messageId,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Address   string    `json:"address,omitempty"`
	Body      string    `json:"body,omitempty"`
	Date      int64     `json:"date,omitempty"`
	SimSlot   *int      `json:"simSlot,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Key returns the partitioning key for the event: the message id for status
// events and the sender address for inbound ones.
func (e Event) Key() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	return e.Address
}

// SentEvent builds an onSmsSent event.
func SentEvent(id string, failed bool, reason string, at time.Time) Event {
	status := StatusSent
	if failed {
		status = StatusFailed
	}
	return Event{Name: EventSmsSent, MessageID: id, Status: status, Reason: reason, Timestamp: at}
}

// DeliveredEvent builds an onSmsDelivered event.
func DeliveredEvent(id string, at time.Time) Event {
	return Event{Name: EventSmsDelivered, MessageID: id, Status: StatusDelivered, Timestamp: at}
}

// ReceivedEvent builds an onSmsReceived event from an inbound message.
func ReceivedEvent(msg InboundMessage, at time.Time) Event {
	slot := msg.SimSelector
	return Event{
		Name:      EventSmsReceived,
		Address:   msg.Sender,
		Body:      msg.Body,
		Date:      msg.ReceivedAt.UnixMilli(),
		SimSlot:   &slot,
		Timestamp: at,
	}
}
