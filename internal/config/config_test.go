package config_test

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/textly/smsbridge/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GATEWAY_BACKEND", "")
	t.Setenv("KAFKA_ENABLED", "")
	t.Setenv("SIM_SUBSCRIPTIONS", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.Backend != "simulated" {
		t.Fatalf("expected simulated backend, got %s", cfg.Gateway.Backend)
	}
	if cfg.Correlator.RetentionWindow != 24*time.Hour {
		t.Fatalf("expected 24h retention, got %s", cfg.Correlator.RetentionWindow)
	}
	if cfg.Kafka.Enabled {
		t.Fatalf("expected kafka disabled by default")
	}
	if cfg.Kafka.RequestTopic != "sms.request" {
		t.Fatalf("expected default request topic, got %s", cfg.Kafka.RequestTopic)
	}
	if cfg.Platform.APILevel != 34 {
		t.Fatalf("expected api level 34, got %d", cfg.Platform.APILevel)
	}
}

func TestLoadSubscriptionsAndKafka(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("APP_PORT", "9000")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9093")
	t.Setenv("SIM_SUBSCRIPTIONS", "0:1:+15550001, 1:7:+15550002")
	t.Setenv("CORRELATOR_RETENTION", "10m")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantBrokers := []string{"broker-a:9092", "broker-b:9093"}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, wantBrokers) {
		t.Fatalf("expected brokers %v, got %v", wantBrokers, cfg.Kafka.Brokers)
	}
	wantSubs := []config.SubscriptionConfig{
		{Slot: 0, ID: 1, Number: "+15550001"},
		{Slot: 1, ID: 7, Number: "+15550002"},
	}
	if !reflect.DeepEqual(cfg.Subscriptions, wantSubs) {
		t.Fatalf("expected subscriptions %v, got %v", wantSubs, cfg.Subscriptions)
	}
	if cfg.App.Port != 9000 {
		t.Fatalf("expected app port 9000, got %d", cfg.App.Port)
	}
	if cfg.Correlator.RetentionWindow != 10*time.Minute {
		t.Fatalf("expected 10m retention, got %s", cfg.Correlator.RetentionWindow)
	}
}

func TestLoadRequiresBrokersWhenKafkaEnabled(t *testing.T) {
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected error when brokers are missing")
	}
	if !strings.Contains(err.Error(), "KAFKA_BROKERS is required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadRequiresSMPPCredentials(t *testing.T) {
	t.Setenv("GATEWAY_BACKEND", "smpp")
	t.Setenv("SMPP_HOST", "")
	t.Setenv("SMPP_SYSTEM_ID", "")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected error for missing smpp settings")
	}
	for _, key := range []string{"SMPP_HOST", "SMPP_SYSTEM_ID"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected error to mention %s, got %v", key, err)
		}
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("GATEWAY_BACKEND", "carrier-pigeon")
	t.Setenv("APP_PORT", "not-a-number")
	t.Setenv("CORRELATOR_RETENTION", "soon")
	t.Setenv("SIM_SUBSCRIPTIONS", "0:1")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, fragment := range []string{"GATEWAY_BACKEND", "APP_PORT", "CORRELATOR_RETENTION", "SIM_SUBSCRIPTIONS[0]"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected error to mention %s, got %v", fragment, err)
		}
	}
}
