package factory

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/config"
	"github.com/textly/smsbridge/internal/gateway"
	"github.com/textly/smsbridge/internal/gateway/simulated"
	"github.com/textly/smsbridge/internal/gateway/smpp"
)

// Gateway constructs the configured telephony gateway. Supports the
// simulated and smpp backends.
func Gateway(cfg *config.Config, logger zerolog.Logger) (gateway.Gateway, error) {
	subs := Subscriptions(cfg.Subscriptions)

	backend := normalize(cfg.Gateway.Backend, "simulated")
	switch backend {
	case "smpp":
		gw, err := smpp.Dial(SMPPConfig(cfg.SMPP, subs), logger)
		if err != nil {
			return nil, fmt.Errorf("factory: smpp gateway init: %w", err)
		}
		logger.Info().
			Str("backend", "smpp").
			Int("subscriptions", len(subs)).
			Msg("telephony gateway initialised")
		return gw, nil
	case "simulated":
		scenario, err := simulated.ParseScenario(cfg.Gateway.Scenario)
		if err != nil {
			return nil, fmt.Errorf("factory: simulated gateway init: %w", err)
		}
		gw := simulated.New(logger,
			simulated.WithScenario(scenario),
			simulated.WithLatency(cfg.Gateway.Latency),
			simulated.WithSubscriptions(subs...),
		)
		logger.Info().
			Str("backend", "simulated").
			Str("scenario", string(scenario)).
			Int("subscriptions", len(subs)).
			Msg("telephony gateway initialised")
		return gw, nil
	default:
		return nil, fmt.Errorf("factory: unsupported gateway backend %q", cfg.Gateway.Backend)
	}
}

// Subscriptions converts configured SIMs into gateway subscriptions.
func Subscriptions(in []config.SubscriptionConfig) []gateway.Subscription {
	if len(in) == 0 {
		return nil
	}
	out := make([]gateway.Subscription, 0, len(in))
	for _, s := range in {
		out = append(out, gateway.Subscription{ID: s.ID, Slot: s.Slot, Number: s.Number})
	}
	return out
}

// SMPPConfig maps the bind settings onto the smpp gateway configuration.
func SMPPConfig(cfg config.SMPPConfig, subs []gateway.Subscription) smpp.Config {
	return smpp.Config{
		Addr:           net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		SystemID:       cfg.SystemID,
		Password:       cfg.Password,
		SystemType:     cfg.SystemType,
		EnquireLink:    cfg.EnquireLink,
		RequestTimeout: cfg.RequestTimeout,
		WindowSize:     cfg.WindowSize,
		SourceTON:      byte(cfg.SourceAddrTON),
		SourceNPI:      byte(cfg.SourceAddrNPI),
		DestTON:        byte(cfg.DestAddrTON),
		DestNPI:        byte(cfg.DestAddrNPI),
		Subscriptions:  subs,
	}
}

func normalize(value, def string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return def
	}
	return v
}
