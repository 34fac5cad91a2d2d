// Package correlator reduces per-segment gateway acknowledgments to one
// sent outcome and one delivery outcome per logical message.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/gateway"
	"github.com/textly/smsbridge/internal/models"
)

// TimeoutReason is the failure reason of messages finalized by the sweeper.
const TimeoutReason = "timeout"

// Transport is the part of the gateway the correlator drives.
type Transport interface {
	Divide(body string) ([]string, error)
	Transmit(ctx context.Context, tx gateway.Transmission) error
}

// Resolver turns SIM selectors into subscription handles and back.
type Resolver interface {
	Resolve(ctx context.Context, selector *int) int
	SlotFor(ctx context.Context, subscriptionID int) int
}

// Permissions reports whether the SMS capability is granted.
type Permissions interface {
	HasSmsPermission() bool
}

// Emitter receives every event the correlator produces.
type Emitter interface {
	Emit(models.Event)
}

// SubmitRequest is one caller send request.
type SubmitRequest struct {
	Recipient       string
	Body            string
	SimSelector     *int
	DeliveryReports bool
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock overrides the clock used for ids, timestamps and retention.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRetention finalizes entries still pending after window. The sweep
// runs every interval; a zero window disables retention.
func WithRetention(window, interval time.Duration) Option {
	return func(c *Correlator) {
		c.retention = window
		if interval > 0 {
			c.sweepEvery = interval
		}
	}
}

// Correlator tracks in-flight logical messages. All table mutations happen
// under mu; events are emitted after it is released.
type Correlator struct {
	transport   Transport
	resolver    Resolver
	permissions Permissions
	emitter     Emitter
	logger      zerolog.Logger
	now         func() time.Time

	retention  time.Duration
	sweepEvery time.Duration

	seq atomic.Uint64

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New constructs a correlator and starts the retention sweeper when a
// retention window is configured.
func New(transport Transport, resolver Resolver, permissions Permissions, emitter Emitter, logger zerolog.Logger, opts ...Option) (*Correlator, error) {
	if transport == nil {
		return nil, errors.New("correlator: transport is required")
	}
	if resolver == nil {
		return nil, errors.New("correlator: resolver is required")
	}
	if permissions == nil {
		return nil, errors.New("correlator: permissions are required")
	}
	if emitter == nil {
		return nil, errors.New("correlator: emitter is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	c := &Correlator{
		transport:   transport,
		resolver:    resolver,
		permissions: permissions,
		emitter:     emitter,
		logger:      logger,
		now:         time.Now,
		sweepEvery:  time.Minute,
		entries:     make(map[string]*entry),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.retention > 0 {
		c.wg.Add(1)
		go c.sweepLoop()
	}
	return c, nil
}

// Submit registers a logical message and hands all of its segments to the
// transport in one call. It returns as soon as the transport accepted the
// request; outcomes arrive later as events and on the returned ticket.
func (c *Correlator) Submit(ctx context.Context, req SubmitRequest) (*Ticket, error) {
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
	}
	if req.Body == "" {
		return nil, fmt.Errorf("%w: message body is required", ErrInvalidRequest)
	}
	if req.SimSelector != nil && *req.SimSelector < 0 {
		return nil, fmt.Errorf("%w: sim slot must be >= 0", ErrInvalidRequest)
	}
	if !c.permissions.HasSmsPermission() {
		return nil, ErrPermissionDenied
	}

	parts, err := c.transport.Divide(req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportInitiation, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: body produced no segments", ErrTransportInitiation)
	}

	subscription := c.resolver.Resolve(ctx, req.SimSelector)
	now := c.now()
	id := fmt.Sprintf("sms_%d_%d", now.UnixMilli(), c.seq.Add(1))

	msg := models.LogicalMessage{
		ID:           id,
		Recipient:    recipient,
		Body:         req.Body,
		SegmentCount: len(parts),
		SimSelector:  req.SimSelector,
		Subscription: subscription,
		SubmittedAt:  now,
	}
	deliveries := 0
	if req.DeliveryReports {
		deliveries = len(parts)
	}
	e := newEntry(msg, deliveries)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.entries[id] = e
	c.mu.Unlock()

	tx := gateway.Transmission{
		Recipient:    recipient,
		Parts:        parts,
		SentTags:     gateway.Tags(id, len(parts)),
		Subscription: subscription,
	}
	if req.DeliveryReports {
		tx.DeliveredTags = gateway.Tags(id, len(parts))
	}

	if err := c.transport.Transmit(ctx, tx); err != nil {
		c.mu.Lock()
		delete(c.entries, id)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("message_id", id).Int("segments", len(parts)).Msg("gateway rejected transmission")
		return nil, fmt.Errorf("%w: %w", ErrTransportInitiation, err)
	}

	c.logger.Debug().
		Str("message_id", id).
		Int("segments", len(parts)).
		Int("subscription", subscription).
		Bool("delivery_reports", req.DeliveryReports).
		Msg("message submitted")
	return e.ticket, nil
}

// HandleAck applies one segment acknowledgment. Acks for unknown or
// finalized messages, and repeats of an already seen segment, are ignored.
func (c *Correlator) HandleAck(ack gateway.Ack) {
	tag, err := gateway.DecodeTag(ack.Tag)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping ack with malformed tag")
		return
	}
	sa := models.SegmentAck{
		MessageID: tag.MessageID,
		Segment:   tag.Segment,
		Kind:      ack.Kind,
		Result:    models.AckOK,
		Code:      ack.Code,
	}
	if ack.Kind == models.AckSent && ack.Code != gateway.ResultOK {
		sa.Result = models.AckFailed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	e, ok := c.entries[sa.MessageID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug().Str("message_id", sa.MessageID).Str("kind", string(sa.Kind)).Msg("dropping ack for unknown or finalized message")
		return
	}
	out, applied := e.apply(sa, c.now())
	if e.finished() {
		delete(c.entries, sa.MessageID)
	}
	c.mu.Unlock()

	if !applied {
		c.logger.Debug().Str("message_id", sa.MessageID).Int("segment", sa.Segment).Str("kind", string(sa.Kind)).Msg("ignoring repeated ack")
		return
	}
	c.publish(e, out)
}

// HandleInbound relays received messages as onSmsReceived events.
func (c *Correlator) HandleInbound(records []gateway.InboundRecord) {
	for _, rec := range records {
		msg := models.InboundMessage{
			Sender:      rec.Sender,
			Body:        rec.Body,
			ReceivedAt:  rec.Time(),
			SimSelector: c.resolver.SlotFor(context.Background(), rec.SubscriptionID),
		}
		c.emitter.Emit(models.ReceivedEvent(msg, c.now()))
	}
}

// Pending returns the number of messages still awaiting acknowledgments.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Lookup returns the logical message for a pending id.
func (c *Correlator) Lookup(id string) (models.LogicalMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return models.LogicalMessage{}, false
	}
	return e.msg, true
}

// Close stops the retention sweeper. Pending entries are left unfinalized
// and later acks are ignored.
func (c *Correlator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stopCh)
	})
	c.wg.Wait()
}

func (c *Correlator) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep(c.now())
		}
	}
}

// sweep finalizes every entry submitted more than the retention window
// before now.
func (c *Correlator) sweep(now time.Time) int {
	if c.retention <= 0 {
		return 0
	}
	type expired struct {
		e   *entry
		out outcome
	}
	var batch []expired

	c.mu.Lock()
	for id, e := range c.entries {
		if now.Sub(e.msg.SubmittedAt) < c.retention {
			continue
		}
		batch = append(batch, expired{e: e, out: e.expire(now)})
		delete(c.entries, id)
	}
	c.mu.Unlock()

	for _, x := range batch {
		c.logger.Warn().
			Str("message_id", x.e.msg.ID).
			Dur("age", now.Sub(x.e.msg.SubmittedAt)).
			Msg("message finalized by retention window")
		c.publish(x.e, x.out)
	}
	return len(batch)
}

func (c *Correlator) publish(e *entry, out outcome) {
	if out.sent != nil {
		c.emitter.Emit(*out.sent)
		e.ticket.sent <- *out.sent
		close(e.ticket.sent)
	}
	if out.delivered != nil {
		c.emitter.Emit(*out.delivered)
		e.ticket.delivered <- *out.delivered
	}
	if out.deliveryDone {
		close(e.ticket.delivered)
	}
}
