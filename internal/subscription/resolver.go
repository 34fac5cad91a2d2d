// Package subscription maps caller-facing SIM slot selectors to the
// subscription handles the gateway understands, and back.
package subscription

import (
	"context"
	"errors"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/gateway"
	"github.com/textly/smsbridge/internal/models"
)

// DefaultHandle selects the device's default SIM.
const DefaultHandle = gateway.DefaultSubscription

// Source lists the active SIM subscriptions.
type Source interface {
	ActiveSubscriptions(ctx context.Context) ([]gateway.Subscription, error)
}

// Resolver never fails: every lookup problem degrades to the default SIM.
type Resolver struct {
	source Source
	logger zerolog.Logger
}

// NewResolver constructs a resolver backed by source.
func NewResolver(source Source, logger zerolog.Logger) *Resolver {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Resolver{source: source, logger: logger}
}

// Resolve returns the subscription id of the SIM in the selected slot, or
// DefaultHandle when selector is nil, nothing occupies the slot, or the
// subscriptions cannot be listed.
func (r *Resolver) Resolve(ctx context.Context, selector *int) int {
	if selector == nil {
		return DefaultHandle
	}
	slot := *selector

	subs, err := r.list(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Int("sim_slot", slot).Msg("cannot list subscriptions, using default sim")
		return DefaultHandle
	}
	for _, sub := range subs {
		if sub.Slot == slot {
			return sub.ID
		}
	}
	r.logger.Warn().Int("sim_slot", slot).Int("active", len(subs)).Msg("no subscription in slot, using default sim")
	return DefaultHandle
}

// SlotFor maps a subscription id reported with an inbound message back to
// its slot. It returns models.UnknownSlot when the id is not active.
func (r *Resolver) SlotFor(ctx context.Context, subscriptionID int) int {
	if subscriptionID < 0 {
		return models.UnknownSlot
	}
	subs, err := r.list(ctx)
	if err != nil {
		if !errors.Is(err, gateway.ErrMultiSimUnsupported) {
			r.logger.Debug().Err(err).Int("subscription", subscriptionID).Msg("cannot list subscriptions for inbound slot")
		}
		return models.UnknownSlot
	}
	for _, sub := range subs {
		if sub.ID == subscriptionID {
			return sub.Slot
		}
	}
	return models.UnknownSlot
}

func (r *Resolver) list(ctx context.Context) ([]gateway.Subscription, error) {
	if r.source == nil {
		return nil, gateway.ErrMultiSimUnsupported
	}
	return r.source.ActiveSubscriptions(ctx)
}
