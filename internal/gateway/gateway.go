package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/textly/smsbridge/internal/models"
)

// ErrMultiSimUnsupported is returned by ActiveSubscriptions when the device
// cannot enumerate SIM subscriptions.
var ErrMultiSimUnsupported = errors.New("gateway: multi-sim enumeration unsupported")

// DefaultSubscription is the handle that tells the gateway to use the
// device's default SIM.
const DefaultSubscription = -1

// Subscription describes one active SIM as reported by the gateway.
type Subscription struct {
	ID     int    `json:"id"`
	Slot   int    `json:"slot"`
	Number string `json:"number,omitempty"`
}

// Transmission is a single multi-part send request. SentTags and
// DeliveredTags run parallel to Parts; DeliveredTags is empty when no
// delivery reports are wanted.
type Transmission struct {
	Recipient     string
	Parts         []string
	SentTags      []string
	DeliveredTags []string
	Subscription  int
}

// Ack is a per-segment acknowledgment. Tag is the opaque value that was
// passed in Transmission; Code is the platform result code and is only
// meaningful for sent acks.
type Ack struct {
	Tag  string
	Kind models.AckKind
	Code int
}

// InboundRecord is one raw received SMS as handed over by the gateway.
type InboundRecord struct {
	Sender          string
	Body            string
	TimestampMillis int64
	SubscriptionID  int
}

// Time returns the record timestamp as a time.Time.
func (r InboundRecord) Time() time.Time {
	return time.UnixMilli(r.TimestampMillis)
}

// Handlers receive asynchronous notifications from a gateway. Either field
// may be nil. Callbacks can arrive on any goroutine.
type Handlers struct {
	OnAck     func(Ack)
	OnInbound func([]InboundRecord)
}

// Gateway is the telephony subsystem that actually transmits segments and
// produces acknowledgments.
type Gateway interface {
	// Divide partitions a body into transmittable parts.
	Divide(body string) ([]string, error)
	// Transmit hands all parts of one message to the transport. It returns
	// once the transport accepted the request, never waiting for acks.
	Transmit(ctx context.Context, tx Transmission) error
	// ActiveSubscriptions lists SIM subscriptions in slot order.
	ActiveSubscriptions(ctx context.Context) ([]Subscription, error)
	// SetHandlers installs the callbacks used for acks and inbound messages.
	SetHandlers(h Handlers)
	Close() error
}
