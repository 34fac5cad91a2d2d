package models

import "time"

// SendRequest is the payload accepted on the Kafka request topic.
type SendRequest struct {
	RequestID       string            `json:"request_id"`
	PhoneNumber     string            `json:"phone_number"`
	Message         string            `json:"message"`
	SimSlot         *int              `json:"sim_slot,omitempty"`
	DeliveryReports *bool             `json:"delivery_reports,omitempty"`
	TraceID         string            `json:"trace_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Meta            map[string]string `json:"meta,omitempty"`
}
