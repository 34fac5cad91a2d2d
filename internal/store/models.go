package store

import (
	"time"

	"github.com/uptrace/bun"
)

// Message types.
const (
	TypeInbox = "inbox"
	TypeSent  = "sent"
)

type messageRecord struct {
	bun.BaseModel `bun:"table:sms_messages,alias:m"`

	ID             string    `bun:"id,pk"`
	ThreadID       string    `bun:"thread_id,notnull"`
	Address        string    `bun:"address,notnull"`
	Body           string    `bun:"body,notnull"`
	Type           string    `bun:"type,notnull"`
	Read           bool      `bun:"read,notnull"`
	Date           int64     `bun:"date,notnull"`
	DeliveryStatus string    `bun:"delivery_status"`
	FailureReason  string    `bun:"failure_reason"`
	SimSlot        *int      `bun:"sim_slot"`
	SegmentCount   int       `bun:"segment_count,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type threadRecord struct {
	bun.BaseModel `bun:"table:threads,alias:t"`

	ID           string    `bun:"id,pk"`
	Address      string    `bun:"address,notnull"`
	Snippet      string    `bun:"snippet"`
	MessageCount int       `bun:"message_count,notnull"`
	UnreadCount  int       `bun:"unread_count,notnull"`
	Date         int64     `bun:"date,notnull"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type settingRecord struct {
	bun.BaseModel `bun:"table:settings,alias:s"`

	Key       string    `bun:"name,pk"`
	Value     string    `bun:"value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Message is a stored SMS, sent or received.
type Message struct {
	ID             string `json:"id"`
	ThreadID       string `json:"thread_id"`
	Address        string `json:"address"`
	Body           string `json:"body"`
	Type           string `json:"type"`
	Read           bool   `json:"read"`
	Date           int64  `json:"date"`
	DeliveryStatus string `json:"delivery_status,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
	SimSlot        *int   `json:"sim_slot,omitempty"`
	SegmentCount   int    `json:"segment_count,omitempty"`
}

// Thread is a conversation with one address.
type Thread struct {
	ID           string `json:"id"`
	Address      string `json:"address"`
	Snippet      string `json:"snippet"`
	MessageCount int    `json:"message_count"`
	UnreadCount  int    `json:"unread_count"`
	Date         int64  `json:"date"`
}

func (r *messageRecord) toDomain() Message {
	out := Message{
		ID:             r.ID,
		ThreadID:       r.ThreadID,
		Address:        r.Address,
		Body:           r.Body,
		Type:           r.Type,
		Read:           r.Read,
		Date:           r.Date,
		DeliveryStatus: r.DeliveryStatus,
		FailureReason:  r.FailureReason,
		SegmentCount:   r.SegmentCount,
	}
	if r.SimSlot != nil {
		slot := *r.SimSlot
		out.SimSlot = &slot
	}
	return out
}

func (r *threadRecord) toDomain() Thread {
	return Thread{
		ID:           r.ID,
		Address:      r.Address,
		Snippet:      r.Snippet,
		MessageCount: r.MessageCount,
		UnreadCount:  r.UnreadCount,
		Date:         r.Date,
	}
}
