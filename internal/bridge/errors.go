package bridge

import (
	"errors"
	"fmt"

	"github.com/textly/smsbridge/internal/correlator"
	"github.com/textly/smsbridge/internal/platform"
	"github.com/textly/smsbridge/internal/store"
)

// Error codes reported across the command surface.
const (
	CodePermissionDenied       = "PERMISSION_DENIED"
	CodeSmsSendError           = "SMS_SEND_ERROR"
	CodeAPILevelError          = "API_LEVEL_ERROR"
	CodeActivityError          = "ACTIVITY_ERROR"
	CodeDefaultSmsCheckError   = "DEFAULT_SMS_CHECK_ERROR"
	CodeDefaultSmsRequestError = "DEFAULT_SMS_REQUEST_ERROR"
	CodePermissionRequestError = "PERMISSION_REQUEST_ERROR"
	CodeMessageNotFound        = "MESSAGE_NOT_FOUND"
	CodeRetryNotAllowed        = "RETRY_NOT_ALLOWED"
)

// Error is a coded failure of a bridge command.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the command-surface code.
func (e *Error) ErrorCode() string { return e.Code }

// CodeOf returns the code carried by err, or "" when err is not a bridge
// error.
func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

func sendError(err error) *Error {
	switch {
	case errors.Is(err, correlator.ErrPermissionDenied):
		return &Error{Code: CodePermissionDenied, Message: "SMS permission not granted", Err: err}
	default:
		return &Error{Code: CodeSmsSendError, Message: err.Error(), Err: err}
	}
}

func roleRequestError(err error, fallback string) *Error {
	switch {
	case errors.Is(err, platform.ErrUnsupportedPlatformFeature):
		return &Error{Code: CodeAPILevelError, Message: "Default SMS app request not supported on this API level", Err: err}
	case errors.Is(err, platform.ErrNoActivity):
		return &Error{Code: CodeActivityError, Message: "No current activity available", Err: err}
	default:
		return &Error{Code: fallback, Message: err.Error(), Err: err}
	}
}

func lookupError(id string, err error) *Error {
	if errors.Is(err, store.ErrNotFound) {
		return &Error{Code: CodeMessageNotFound, Message: fmt.Sprintf("message %s not found", id), Err: err}
	}
	return &Error{Code: CodeSmsSendError, Message: err.Error(), Err: err}
}
