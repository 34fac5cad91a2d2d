// Package simulated provides an in-process telephony gateway with scripted
// acknowledgment behaviour for development and tests.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/gateway"
	"github.com/textly/smsbridge/internal/models"
	"github.com/textly/smsbridge/internal/segment"
)

// Scenario enumerates the scripted behaviours supported by the gateway.
type Scenario string

const (
	// ScenarioSuccess acks every segment as sent and then delivered.
	ScenarioSuccess Scenario = "success"
	// ScenarioSentFailure fails the last segment with a generic failure.
	ScenarioSentFailure Scenario = "sent-failure"
	// ScenarioNoService fails every segment with no service.
	ScenarioNoService Scenario = "no-service"
	// ScenarioNoDelivery acks sends but never produces delivery reports.
	ScenarioNoDelivery Scenario = "no-delivery"
	// ScenarioReject refuses the transmission synchronously.
	ScenarioReject Scenario = "reject"
	// ScenarioDuplicate emits every ack twice with deliveries ahead of sends.
	ScenarioDuplicate Scenario = "duplicate"
	// ScenarioManual records transmissions and emits nothing.
	ScenarioManual Scenario = "manual"
)

// ErrRejected is returned by Transmit under ScenarioReject.
var ErrRejected = errors.New("simulated gateway: transmission rejected")

// ParseScenario maps a configuration value to a Scenario.
func ParseScenario(value string) (Scenario, error) {
	s := Scenario(strings.ToLower(strings.TrimSpace(value)))
	switch s {
	case "":
		return ScenarioSuccess, nil
	case ScenarioSuccess, ScenarioSentFailure, ScenarioNoService, ScenarioNoDelivery,
		ScenarioReject, ScenarioDuplicate, ScenarioManual:
		return s, nil
	default:
		return "", fmt.Errorf("simulated gateway: unknown scenario %q", value)
	}
}

// Option customises the simulated gateway.
type Option func(*Gateway)

// WithScenario sets the scenario applied to every transmission.
func WithScenario(s Scenario) Option {
	return func(g *Gateway) {
		if s != "" {
			g.scenario = s
		}
	}
}

// WithLatency configures the delay between Transmit and the first ack.
func WithLatency(d time.Duration) Option {
	return func(g *Gateway) {
		if d < 0 {
			d = 0
		}
		g.latency = d
	}
}

// WithSubscriptions sets the SIM subscriptions reported by the gateway.
func WithSubscriptions(subs ...gateway.Subscription) Option {
	return func(g *Gateway) {
		g.subs = append([]gateway.Subscription(nil), subs...)
	}
}

// WithoutMultiSim makes ActiveSubscriptions fail as on devices that cannot
// enumerate subscriptions.
func WithoutMultiSim() Option {
	return func(g *Gateway) {
		g.multiSim = false
	}
}

// WithClock overrides the clock used for inbound timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// Gateway is a deterministic gateway. It never touches a network.
type Gateway struct {
	logger   zerolog.Logger
	latency  time.Duration
	now      func() time.Time
	multiSim bool

	mu        sync.Mutex
	scenario  Scenario
	subs      []gateway.Subscription
	handlers  gateway.Handlers
	sent      []gateway.Transmission
	closed    bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ gateway.Gateway = (*Gateway)(nil)

// New constructs a simulated gateway.
func New(logger zerolog.Logger, opts ...Option) *Gateway {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	g := &Gateway{
		logger:   logger,
		latency:  25 * time.Millisecond,
		now:      time.Now,
		multiSim: true,
		scenario: ScenarioSuccess,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// SetScenario switches the scenario for subsequent transmissions.
func (g *Gateway) SetScenario(s Scenario) {
	g.mu.Lock()
	g.scenario = s
	g.mu.Unlock()
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

// ActiveSubscriptions returns the configured subscriptions.
func (g *Gateway) ActiveSubscriptions(ctx context.Context) ([]gateway.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !g.multiSim {
		return nil, gateway.ErrMultiSimUnsupported
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.Subscription(nil), g.subs...), nil
}

// Transmit records the transmission and schedules acks for it according to
// the current scenario.
func (g *Gateway) Transmit(ctx context.Context, tx gateway.Transmission) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if strings.TrimSpace(tx.Recipient) == "" {
		return errors.New("simulated gateway: recipient is required")
	}
	if len(tx.Parts) == 0 || len(tx.SentTags) != len(tx.Parts) {
		return fmt.Errorf("simulated gateway: %d parts with %d sent tags", len(tx.Parts), len(tx.SentTags))
	}
	if len(tx.DeliveredTags) != 0 && len(tx.DeliveredTags) != len(tx.Parts) {
		return fmt.Errorf("simulated gateway: %d parts with %d delivery tags", len(tx.Parts), len(tx.DeliveredTags))
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errors.New("simulated gateway: closed")
	}
	scenario := g.scenario
	if scenario == ScenarioReject {
		g.mu.Unlock()
		return ErrRejected
	}
	g.sent = append(g.sent, tx)
	acks := script(scenario, tx)
	if len(acks) > 0 {
		g.wg.Add(1)
	}
	g.mu.Unlock()

	g.logger.Debug().
		Str("recipient", tx.Recipient).
		Int("parts", len(tx.Parts)).
		Int("subscription", tx.Subscription).
		Str("scenario", string(scenario)).
		Msg("simulated transmission accepted")

	if len(acks) > 0 {
		go g.emit(acks)
	}
	return nil
}

// Transmissions returns every transmission accepted so far.
func (g *Gateway) Transmissions() []gateway.Transmission {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.Transmission(nil), g.sent...)
}

// EmitAck delivers an ack synchronously, as if the platform had produced it.
func (g *Gateway) EmitAck(ack gateway.Ack) {
	if h := g.currentHandlers(); h.OnAck != nil {
		h.OnAck(ack)
	}
}

// Receive injects inbound messages. Records without a timestamp are stamped
// with the gateway clock.
func (g *Gateway) Receive(records ...gateway.InboundRecord) {
	if len(records) == 0 {
		return
	}
	batch := make([]gateway.InboundRecord, len(records))
	for i, rec := range records {
		if rec.TimestampMillis == 0 {
			rec.TimestampMillis = g.now().UnixMilli()
		}
		batch[i] = rec
	}
	if h := g.currentHandlers(); h.OnInbound != nil {
		h.OnInbound(batch)
		return
	}
	g.logger.Warn().Int("count", len(batch)).Msg("inbound messages dropped: no handler installed")
}

// Close stops pending ack emission and waits for it to finish.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		close(g.stopCh)
	})
	g.wg.Wait()
	return nil
}

func (g *Gateway) currentHandlers() gateway.Handlers {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handlers
}

func (g *Gateway) emit(acks []gateway.Ack) {
	defer g.wg.Done()

	if g.latency > 0 {
		timer := time.NewTimer(g.latency)
		select {
		case <-g.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	for _, ack := range acks {
		select {
		case <-g.stopCh:
			return
		default:
		}
		g.EmitAck(ack)
	}
}

func script(s Scenario, tx gateway.Transmission) []gateway.Ack {
	var sent, delivered []gateway.Ack
	last := len(tx.SentTags) - 1
	for i, tag := range tx.SentTags {
		code := gateway.ResultOK
		switch {
		case s == ScenarioNoService:
			code = gateway.ResultNoService
		case s == ScenarioSentFailure && i == last:
			code = gateway.ResultGenericFailure
		}
		sent = append(sent, gateway.Ack{Tag: tag, Kind: models.AckSent, Code: code})
	}
	for _, tag := range tx.DeliveredTags {
		delivered = append(delivered, gateway.Ack{Tag: tag, Kind: models.AckDelivery, Code: gateway.ResultOK})
	}

	switch s {
	case ScenarioManual, ScenarioReject:
		return nil
	case ScenarioSentFailure, ScenarioNoService, ScenarioNoDelivery:
		return sent
	case ScenarioDuplicate:
		out := make([]gateway.Ack, 0, 2*(len(sent)+len(delivered)))
		for _, a := range delivered {
			out = append(out, a, a)
		}
		for _, a := range sent {
			out = append(out, a, a)
		}
		return out
	default:
		return append(sent, delivered...)
	}
}
