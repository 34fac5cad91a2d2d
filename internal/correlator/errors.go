package correlator

import "errors"

var (
	// ErrPermissionDenied is returned when the SMS capability is not granted.
	ErrPermissionDenied = errors.New("correlator: sms permission denied")
	// ErrTransportInitiation is returned when the gateway refuses a send.
	ErrTransportInitiation = errors.New("correlator: transport initiation failed")
	// ErrInvalidRequest is returned for requests that cannot be sent at all.
	ErrInvalidRequest = errors.New("correlator: invalid request")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("correlator: closed")
)
