package gateway

import "fmt"

// Platform result codes reported with sent acks.
const (
	ResultOK             = -1
	ResultGenericFailure = 1
	ResultRadioOff       = 2
	ResultNullPDU        = 3
	ResultNoService      = 4
)

// FailureReason maps a sent result code to a human readable reason. It
// returns an empty string for ResultOK.
func FailureReason(code int) string {
	switch code {
	case ResultOK:
		return ""
	case ResultGenericFailure:
		return "Generic failure"
	case ResultRadioOff:
		return "Radio off"
	case ResultNullPDU:
		return "Null PDU"
	case ResultNoService:
		return "No service"
	default:
		return fmt.Sprintf("Unknown error (%d)", code)
	}
}
