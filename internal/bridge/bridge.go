// Package bridge is the command surface of the SMS bridge. It validates
// caller input, applies stored settings, submits through the correlator and
// records every outbound message in the message log.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/correlator"
	"github.com/textly/smsbridge/internal/gateway"
	"github.com/textly/smsbridge/internal/models"
	"github.com/textly/smsbridge/internal/store"
	"github.com/textly/smsbridge/internal/util"
)

// Submitter is the correlator as seen by the bridge.
type Submitter interface {
	Submit(ctx context.Context, req correlator.SubmitRequest) (*correlator.Ticket, error)
	HandleAck(ack gateway.Ack)
	HandleInbound(records []gateway.InboundRecord)
}

// MessageLog is the part of the store the bridge reads and writes.
type MessageLog interface {
	RecordOutbound(ctx context.Context, out store.Outbound) (store.Message, error)
	Get(ctx context.Context, id string) (store.Message, error)
	Setting(ctx context.Context, key string) (string, bool, error)
}

// Platform exposes permissions and the default SMS role.
type Platform interface {
	HasSmsPermission() bool
	RequestSmsPermissions(ctx context.Context) error
	IsDefaultSmsApp() bool
	RequestDefaultSmsApp(ctx context.Context) error
}

// Dependencies collects the collaborators of a Bridge.
type Dependencies struct {
	Gateway    gateway.Gateway
	Correlator Submitter
	Log        MessageLog
	Recorder   *Recorder
	Platform   Platform
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Bridge implements the SMS commands.
type Bridge struct {
	gateway    gateway.Gateway
	correlator Submitter
	log        MessageLog
	recorder   *Recorder
	platform   Platform
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.Mutex
	opened bool
}

// New validates the dependencies. Call Open to start receiving gateway
// callbacks.
func New(deps Dependencies) (*Bridge, error) {
	if deps.Gateway == nil {
		return nil, errors.New("bridge: gateway dependency is required")
	}
	if deps.Correlator == nil {
		return nil, errors.New("bridge: correlator dependency is required")
	}
	if deps.Log == nil {
		return nil, errors.New("bridge: message log dependency is required")
	}
	if deps.Recorder == nil {
		return nil, errors.New("bridge: recorder dependency is required")
	}
	if deps.Platform == nil {
		return nil, errors.New("bridge: platform dependency is required")
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Bridge{
		gateway:    deps.Gateway,
		correlator: deps.Correlator,
		log:        deps.Log,
		recorder:   deps.Recorder,
		platform:   deps.Platform,
		logger:     logger.With().Str("component", "bridge").Logger(),
		now:        now,
	}, nil
}

// Open routes gateway acks to the correlator and inbound messages to it
// while the bridge holds the default SMS role.
func (b *Bridge) Open() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return
	}
	b.opened = true
	b.gateway.SetHandlers(gateway.Handlers{
		OnAck:     b.correlator.HandleAck,
		OnInbound: b.onInbound,
	})
	b.logger.Info().Bool("default_sms_app", b.platform.IsDefaultSmsApp()).Msg("bridge session opened")
}

// Close detaches from the gateway and closes it. Acks that arrive
// afterwards are dropped.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if !b.opened {
		b.mu.Unlock()
		return nil
	}
	b.opened = false
	b.mu.Unlock()

	b.gateway.SetHandlers(gateway.Handlers{})
	if err := b.gateway.Close(); err != nil {
		return fmt.Errorf("bridge: close gateway: %w", err)
	}
	b.logger.Info().Msg("bridge session closed")
	return nil
}

// SendSMS submits message to phone and returns the message id. A nil
// simSlot falls back to the default_sim_slot setting and then to the
// default SIM.
func (b *Bridge) SendSMS(ctx context.Context, phone, message string, simSlot *int) (string, error) {
	return b.send(ctx, phone, message, simSlot, nil)
}

// Send implements the worker's sender for queued requests.
func (b *Bridge) Send(ctx context.Context, req models.SendRequest) (string, error) {
	return b.send(ctx, req.PhoneNumber, req.Message, req.SimSlot, req.DeliveryReports)
}

// Retry resubmits a failed outbound message as a new message and returns
// the new id.
func (b *Bridge) Retry(ctx context.Context, id string) (string, error) {
	msg, err := b.log.Get(ctx, id)
	if err != nil {
		return "", lookupError(id, err)
	}
	if msg.Type != store.TypeSent || msg.DeliveryStatus != models.StatusFailed {
		return "", &Error{
			Code:    CodeRetryNotAllowed,
			Message: fmt.Sprintf("message %s is %s, only failed messages can be retried", id, msg.DeliveryStatus),
		}
	}
	newID, err := b.send(ctx, msg.Address, msg.Body, msg.SimSlot, nil)
	if err != nil {
		return "", err
	}
	b.logger.Info().Str("message_id", id).Str("retry_id", newID).Msg("failed message resubmitted")
	return newID, nil
}

// IsDefaultSmsApp reports whether the bridge holds the default SMS role.
func (b *Bridge) IsDefaultSmsApp(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &Error{Code: CodeDefaultSmsCheckError, Message: err.Error(), Err: err}
	}
	return b.platform.IsDefaultSmsApp(), nil
}

// RequestDefaultSmsApp asks for the default SMS role. It succeeds once the
// request is issued, not when the role is granted.
func (b *Bridge) RequestDefaultSmsApp(ctx context.Context) error {
	if err := b.platform.RequestDefaultSmsApp(ctx); err != nil {
		return roleRequestError(err, CodeDefaultSmsRequestError)
	}
	return nil
}

// RequestSmsPermissions asks for the SMS permissions.
func (b *Bridge) RequestSmsPermissions(ctx context.Context) error {
	if err := b.platform.RequestSmsPermissions(ctx); err != nil {
		return roleRequestError(err, CodePermissionRequestError)
	}
	return nil
}

func (b *Bridge) send(ctx context.Context, phone, message string, simSlot *int, deliveryReports *bool) (string, error) {
	recipient, err := util.NormalizeAddress(phone)
	if err != nil {
		return "", sendError(fmt.Errorf("%w: %w", correlator.ErrInvalidRequest, err))
	}
	if simSlot == nil {
		simSlot = b.defaultSimSlot(ctx)
	}
	reports := b.deliveryReports(ctx)
	if deliveryReports != nil {
		reports = *deliveryReports
	}

	release := b.recorder.holdInserts()
	defer release()

	ticket, err := b.correlator.Submit(ctx, correlator.SubmitRequest{
		Recipient:       recipient,
		Body:            message,
		SimSelector:     simSlot,
		DeliveryReports: reports,
	})
	if err != nil {
		return "", sendError(err)
	}

	_, err = b.log.RecordOutbound(ctx, store.Outbound{
		ID:           ticket.ID,
		Address:      recipient,
		Body:         message,
		SimSlot:      simSlot,
		SegmentCount: ticket.SegmentCount,
		Date:         b.now(),
	})
	if err != nil {
		// already handed to the gateway, so the send itself stands
		b.logger.Error().Err(err).Str("message_id", ticket.ID).Msg("failed to record outbound message")
	}
	return ticket.ID, nil
}

func (b *Bridge) onInbound(records []gateway.InboundRecord) {
	if !b.platform.IsDefaultSmsApp() {
		b.logger.Warn().Int("count", len(records)).Msg("inbound messages dropped: not the default sms app")
		return
	}
	b.correlator.HandleInbound(records)
}

func (b *Bridge) defaultSimSlot(ctx context.Context) *int {
	raw, ok, err := b.log.Setting(ctx, store.SettingDefaultSimSlot)
	if err != nil {
		b.logger.Warn().Err(err).Msg("could not read default sim slot")
		return nil
	}
	if !ok || raw == "" {
		return nil
	}
	slot, err := strconv.Atoi(raw)
	if err != nil || slot < 0 {
		b.logger.Warn().Str("value", raw).Msg("ignoring invalid default sim slot")
		return nil
	}
	return &slot
}

func (b *Bridge) deliveryReports(ctx context.Context) bool {
	raw, ok, err := b.log.Setting(ctx, store.SettingDeliveryReports)
	if err != nil {
		b.logger.Warn().Err(err).Msg("could not read delivery report setting")
		return true
	}
	if !ok {
		return true
	}
	on, err := strconv.ParseBool(raw)
	if err != nil {
		b.logger.Warn().Str("value", raw).Msg("ignoring invalid delivery report setting")
		return true
	}
	return on
}
