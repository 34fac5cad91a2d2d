package models

import "time"

// Failure types for DLQ records.
const (
	FailureTypeValidation = "validation"
	FailureTypePermission = "permission"
	FailureTypeTransport  = "transport"
	FailureTypeUnknown    = "unknown"
)

// DLQRecord describes a send request the bridge refused synchronously.
type DLQRecord struct {
	RequestID       string            `json:"request_id"`
	OriginalMessage any               `json:"original_message"`
	FailureType     string            `json:"failure_type"`
	ErrorCode       string            `json:"error_code,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	FailedAt        time.Time         `json:"failed_at"`
	TraceID         string            `json:"trace_id,omitempty"`
	Meta            map[string]string `json:"meta,omitempty"`
}
