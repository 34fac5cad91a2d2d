// Package smpp implements the telephony gateway on top of an SMSC
// transceiver bind. Submit responses become sent acks and DELIVRD receipts
// become delivery acks. Mobile-originated deliver_sm PDUs become inbound
// records.
package smpp

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linxGnu/gosmpp"
	"github.com/linxGnu/gosmpp/data"
	"github.com/linxGnu/gosmpp/pdu"
	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/gateway"
	"github.com/textly/smsbridge/internal/models"
	"github.com/textly/smsbridge/internal/segment"
)

const (
	esmClassReceipt = 0x04
	esmClassUDHI    = 0x40

	registeredDeliveryFinal = 0x01

	defaultReceiptTTL = 72 * time.Hour
	earlyReceiptTTL   = time.Minute
	rebindInterval    = 5 * time.Second
	expireCheckTimer  = 5 * time.Second
)

// ErrClosed is returned by Transmit after Close.
var ErrClosed = errors.New("smpp gateway: closed")

// Config holds the bind parameters and SIM layout of the SMSC link.
type Config struct {
	Addr           string
	SystemID       string
	Password       string
	SystemType     string
	EnquireLink    time.Duration
	RequestTimeout time.Duration
	WindowSize     int
	SourceTON      byte
	SourceNPI      byte
	DestTON        byte
	DestNPI        byte
	// Subscriptions maps subscription ids to the originating numbers used on
	// the bind. The first entry is the default.
	Subscriptions []gateway.Subscription
}

// Submitter is the part of a gosmpp transceiver used for sending.
type Submitter interface {
	Submit(p pdu.PDU) error
}

type pendingSubmit struct {
	sentTag      string
	deliveredTag string
}

type pendingReceipt struct {
	tag string
	at  time.Time
}

// Gateway is an SMPP backed gateway.Gateway.
type Gateway struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	session   *gosmpp.Session
	submitter Submitter
	ref       uint32

	mu       sync.Mutex
	handlers gateway.Handlers
	pending  map[int32]pendingSubmit
	receipts map[string]pendingReceipt
	// early holds DELIVRD receipts that overtook their submit_sm_resp.
	early  map[string]time.Time
	closed bool
}

var _ gateway.Gateway = (*Gateway)(nil)

// Dial binds a transceiver session to the SMSC. The session rebinds on its
// own after connection loss.
func Dial(cfg Config, logger zerolog.Logger) (*Gateway, error) {
	g := newGateway(cfg, logger)

	auth := gosmpp.Auth{
		SMSC:       cfg.Addr,
		SystemID:   cfg.SystemID,
		Password:   cfg.Password,
		SystemType: cfg.SystemType,
	}
	settings := gosmpp.Settings{
		EnquireLink:  cfg.EnquireLink,
		ReadTimeout:  cfg.RequestTimeout + 5*time.Second,
		WriteTimeout: cfg.RequestTimeout,
		WindowedRequestTracking: &gosmpp.WindowedRequestTracking{
			MaxWindowSize:         uint8(cfg.WindowSize),
			PduExpireTimeOut:      cfg.RequestTimeout,
			ExpireCheckTimer:      expireCheckTimer,
			EnableAutoRespond:     false,
			OnReceivedPduRequest:  g.handleRequest,
			OnExpectedPduResponse: g.handleResponse,
			OnExpiredPduRequest:   g.handleExpired,
			OnClosePduRequest:     g.handleClosedRequest,
		},
		OnSubmitError: func(p pdu.PDU, err error) {
			g.logger.Warn().Err(err).Int32("sequence", p.GetSequenceNumber()).Msg("submit error")
		},
		OnReceivingError: func(err error) {
			g.logger.Warn().Err(err).Msg("receiving error")
		},
		OnRebindingError: func(err error) {
			g.logger.Error().Err(err).Msg("rebind failed")
		},
		OnClosed: func(state gosmpp.State) {
			g.logger.Warn().Str("state", fmt.Sprint(state)).Msg("smpp session closed")
		},
	}

	sess, err := gosmpp.NewSession(gosmpp.TRXConnector(gosmpp.NonTLSDialer, auth), settings, rebindInterval)
	if err != nil {
		return nil, fmt.Errorf("smpp gateway: bind %s: %w", cfg.Addr, err)
	}
	g.session = sess
	g.submitter = sess.Transceiver()

	g.logger.Info().Str("smsc", cfg.Addr).Str("system_id", cfg.SystemID).Msg("smpp transceiver bound")
	return g, nil
}

func newGateway(cfg Config, logger zerolog.Logger) *Gateway {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Gateway{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		pending:  make(map[int32]pendingSubmit),
		receipts: make(map[string]pendingReceipt),
		early:    make(map[string]time.Time),
	}
}

// Divide delegates to the shared segmenter.
func (g *Gateway) Divide(body string) ([]string, error) {
	return segment.Split(body)
}

// SetHandlers installs the ack and inbound callbacks.
func (g *Gateway) SetHandlers(h gateway.Handlers) {
	g.mu.Lock()
	g.handlers = h
	g.mu.Unlock()
}

// ActiveSubscriptions returns the configured originating numbers. An SMSC
// bind has no notion of SIMs, so these come from configuration.
func (g *Gateway) ActiveSubscriptions(ctx context.Context) ([]gateway.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]gateway.Subscription(nil), g.cfg.Subscriptions...), nil
}

// Transmit submits one submit_sm per part. Parts of a multipart message carry
// a concatenation header. When a submit fails, the registrations of the
// remaining parts are dropped and the error is returned; parts already on the
// wire may still be acked.
func (g *Gateway) Transmit(ctx context.Context, tx gateway.Transmission) error {
	if len(tx.Parts) == 0 || len(tx.SentTags) != len(tx.Parts) {
		return fmt.Errorf("smpp gateway: %d parts with %d sent tags", len(tx.Parts), len(tx.SentTags))
	}
	if len(tx.DeliveredTags) != 0 && len(tx.DeliveredTags) != len(tx.Parts) {
		return fmt.Errorf("smpp gateway: %d parts with %d delivery tags", len(tx.Parts), len(tx.DeliveredTags))
	}

	pdus, err := g.buildSubmits(tx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	for i, p := range pdus {
		ps := pendingSubmit{sentTag: tx.SentTags[i]}
		if len(tx.DeliveredTags) > 0 {
			ps.deliveredTag = tx.DeliveredTags[i]
		}
		g.pending[p.GetSequenceNumber()] = ps
	}
	g.pruneReceiptsLocked()
	g.mu.Unlock()

	for i, p := range pdus {
		if err = ctx.Err(); err == nil {
			err = g.submitter.Submit(p)
		}
		if err != nil {
			g.forget(pdus[i:])
			return fmt.Errorf("smpp gateway: submit part %d/%d: %w", i+1, len(pdus), err)
		}
	}

	g.logger.Debug().
		Str("recipient", tx.Recipient).
		Int("parts", len(pdus)).
		Int("subscription", tx.Subscription).
		Msg("submit_sm sent")
	return nil
}

// Close unbinds the session. Pending submits are reported as failed by the
// session's close callback.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	if g.session == nil {
		return nil
	}
	return g.session.Close()
}

func (g *Gateway) buildSubmits(tx gateway.Transmission) ([]*pdu.SubmitSM, error) {
	if len(tx.Parts) > segment.MaxParts {
		return nil, fmt.Errorf("smpp gateway: %d parts exceed the concatenation limit", len(tx.Parts))
	}
	multipart := len(tx.Parts) > 1
	enc := segment.Describe(strings.Join(tx.Parts, "")).Encoding
	ref := byte(g.nextRef())

	out := make([]*pdu.SubmitSM, 0, len(tx.Parts))
	for i, part := range tx.Parts {
		p := pdu.NewSubmitSM().(*pdu.SubmitSM)

		src := pdu.NewAddress()
		src.SetTon(g.cfg.SourceTON)
		src.SetNpi(g.cfg.SourceNPI)
		if err := src.SetAddress(g.sourceFor(tx.Subscription)); err != nil {
			return nil, fmt.Errorf("smpp gateway: source address: %w", err)
		}
		p.SourceAddr = src

		dst := pdu.NewAddress()
		dst.SetTon(g.cfg.DestTON)
		dst.SetNpi(g.cfg.DestNPI)
		if err := dst.SetAddress(tx.Recipient); err != nil {
			return nil, fmt.Errorf("smpp gateway: destination address: %w", err)
		}
		p.DestAddr = dst

		if err := checkPartSize(part, enc, multipart); err != nil {
			return nil, fmt.Errorf("smpp gateway: part %d: %w", i, err)
		}
		if err := p.Message.SetMessageWithEncoding(part, enc); err != nil {
			return nil, fmt.Errorf("smpp gateway: encode part %d: %w", i, err)
		}
		if multipart {
			p.Message.SetUDH(pdu.UDH{pdu.NewIEConcatMessage(byte(len(tx.Parts)), byte(i+1), ref)})
			p.EsmClass |= esmClassUDHI
		}

		if len(tx.DeliveredTags) > 0 {
			p.RegisteredDelivery = registeredDeliveryFinal
		}
		out = append(out, p)
	}
	return out, nil
}

// checkPartSize rejects a part that would not fit one segment on the air
// interface once the concatenation header is added.
func checkPartSize(part string, enc data.Encoding, multipart bool) error {
	limit := segment.GSM7Limit
	if enc == data.UCS2 {
		limit = segment.UCS2Limit
	}
	if multipart {
		limit = segment.PartLimit(enc)
	}
	if n := segment.Units(part, enc); n > limit {
		return fmt.Errorf("%d units exceed the segment capacity of %d", n, limit)
	}
	return nil
}

func (g *Gateway) nextRef() uint32 {
	return atomic.AddUint32(&g.ref, 1)
}

// sourceFor returns the originating number of subscription id, falling back
// to the first configured subscription.
func (g *Gateway) sourceFor(id int) string {
	for _, sub := range g.cfg.Subscriptions {
		if sub.ID == id {
			return sub.Number
		}
	}
	if len(g.cfg.Subscriptions) > 0 {
		return g.cfg.Subscriptions[0].Number
	}
	return ""
}

// subscriptionFor maps a destination number of an inbound message to the
// subscription that owns it.
func (g *Gateway) subscriptionFor(number string) int {
	for _, sub := range g.cfg.Subscriptions {
		if sub.Number != "" && sub.Number == number {
			return sub.ID
		}
	}
	return gateway.DefaultSubscription
}

func (g *Gateway) forget(pdus []*pdu.SubmitSM) {
	g.mu.Lock()
	for _, p := range pdus {
		delete(g.pending, p.GetSequenceNumber())
	}
	g.mu.Unlock()
}

func (g *Gateway) pruneReceiptsLocked() {
	now := g.now()
	cutoff := now.Add(-defaultReceiptTTL)
	for id, r := range g.receipts {
		if r.at.Before(cutoff) {
			delete(g.receipts, id)
		}
	}
	earlyCutoff := now.Add(-earlyReceiptTTL)
	for id, at := range g.early {
		if at.Before(earlyCutoff) {
			delete(g.early, id)
		}
	}
}

func (g *Gateway) handleRequest(p pdu.PDU) (pdu.PDU, bool) {
	switch req := p.(type) {
	case *pdu.DeliverSM:
		g.onDeliverSM(req)
		return req.GetResponse(), false
	case *pdu.EnquireLink:
		return req.GetResponse(), false
	case *pdu.Unbind:
		g.logger.Info().Msg("smsc requested unbind")
		return req.GetResponse(), false
	default:
		g.logger.Debug().Int32("sequence", p.GetSequenceNumber()).Msg("unhandled pdu from smsc")
		return nil, false
	}
}

func (g *Gateway) handleResponse(resp gosmpp.Response) {
	submitResp, ok := resp.PDU.(*pdu.SubmitSMResp)
	if !ok {
		return
	}
	g.onSubmitResp(resp.OriginalRequest.PDU.GetSequenceNumber(), submitResp)
}

func (g *Gateway) handleExpired(p pdu.PDU) bool {
	if _, ok := p.(*pdu.SubmitSM); ok {
		g.logger.Warn().Int32("sequence", p.GetSequenceNumber()).Msg("submit_sm expired without response")
		g.failSubmit(p.GetSequenceNumber(), gateway.ResultGenericFailure)
	}
	return true
}

func (g *Gateway) handleClosedRequest(p pdu.PDU) {
	if _, ok := p.(*pdu.SubmitSM); ok {
		g.failSubmit(p.GetSequenceNumber(), gateway.ResultNoService)
	}
}

func (g *Gateway) onSubmitResp(seq int32, resp *pdu.SubmitSMResp) {
	g.mu.Lock()
	ps, ok := g.pending[seq]
	if !ok {
		g.mu.Unlock()
		g.logger.Debug().Int32("sequence", seq).Msg("submit_sm_resp for unknown sequence")
		return
	}
	delete(g.pending, seq)

	code := resultCode(resp.CommandStatus)
	delivered := false
	if code == gateway.ResultOK && ps.deliveredTag != "" && resp.MessageID != "" {
		if at, ok := g.early[resp.MessageID]; ok && !at.Before(g.now().Add(-earlyReceiptTTL)) {
			delivered = true
		} else {
			g.receipts[resp.MessageID] = pendingReceipt{tag: ps.deliveredTag, at: g.now()}
		}
		delete(g.early, resp.MessageID)
	}
	handlers := g.handlers
	g.mu.Unlock()

	if code != gateway.ResultOK {
		g.logger.Warn().
			Int32("sequence", seq).
			Str("command_status", fmt.Sprintf("0x%08x", uint32(resp.CommandStatus))).
			Msg("submit_sm rejected by smsc")
	}
	if handlers.OnAck != nil {
		handlers.OnAck(gateway.Ack{Tag: ps.sentTag, Kind: models.AckSent, Code: code})
		if delivered {
			handlers.OnAck(gateway.Ack{Tag: ps.deliveredTag, Kind: models.AckDelivery, Code: gateway.ResultOK})
		}
	}
}

func (g *Gateway) failSubmit(seq int32, code int) {
	g.mu.Lock()
	ps, ok := g.pending[seq]
	delete(g.pending, seq)
	handlers := g.handlers
	g.mu.Unlock()

	if ok && handlers.OnAck != nil {
		handlers.OnAck(gateway.Ack{Tag: ps.sentTag, Kind: models.AckSent, Code: code})
	}
}

func (g *Gateway) onDeliverSM(p *pdu.DeliverSM) {
	text, err := p.Message.GetMessage()
	if err != nil {
		g.logger.Warn().Err(err).Msg("undecodable deliver_sm")
		return
	}

	if p.EsmClass&esmClassReceipt != 0 {
		g.onReceipt(text)
		return
	}

	rec := gateway.InboundRecord{
		Sender:          p.SourceAddr.Address(),
		Body:            text,
		TimestampMillis: g.now().UnixMilli(),
		SubscriptionID:  g.subscriptionFor(p.DestAddr.Address()),
	}

	g.mu.Lock()
	handlers := g.handlers
	g.mu.Unlock()
	if handlers.OnInbound == nil {
		g.logger.Warn().Msg("inbound message dropped: no handler installed")
		return
	}
	handlers.OnInbound([]gateway.InboundRecord{rec})
}

func (g *Gateway) onReceipt(text string) {
	r, ok := parseReceipt(text)
	if !ok {
		g.logger.Warn().Str("receipt", text).Msg("malformed delivery receipt")
		return
	}

	g.mu.Lock()
	pr, known := g.receipts[r.id]
	if known && r.final() {
		delete(g.receipts, r.id)
	}
	if !known && r.delivered() {
		g.pruneReceiptsLocked()
		g.early[r.id] = g.now()
	}
	handlers := g.handlers
	g.mu.Unlock()

	switch {
	case !known && r.delivered():
		g.logger.Debug().Str("smsc_id", r.id).Msg("receipt ahead of submit_sm_resp, holding")
	case !known:
		g.logger.Debug().Str("smsc_id", r.id).Msg("receipt for unknown message")
	case r.delivered():
		if handlers.OnAck != nil {
			handlers.OnAck(gateway.Ack{Tag: pr.tag, Kind: models.AckDelivery, Code: gateway.ResultOK})
		}
	case r.final():
		// the platform only reports successful deliveries
		g.logger.Info().Str("smsc_id", r.id).Str("stat", r.stat).Msg("message not delivered")
	}
}

func resultCode(status data.CommandStatusType) int {
	switch status {
	case data.ESME_ROK:
		return gateway.ResultOK
	case data.ESME_RINVDSTADR, data.ESME_RINVSRCADR:
		return gateway.ResultNullPDU
	default:
		return gateway.ResultGenericFailure
	}
}
