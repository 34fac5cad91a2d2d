package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the SMS bridge.
type Config struct {
	App           AppConfig
	Gateway       GatewayConfig
	SMPP          SMPPConfig
	Subscriptions []SubscriptionConfig
	Correlator    CorrelatorConfig
	Platform      PlatformConfig
	Store         StoreConfig
	Kafka         KafkaConfig
	Worker        WorkerConfig
	Validation    ValidationConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// GatewayConfig selects and tunes the telephony gateway backend.
type GatewayConfig struct {
	Backend  string
	Scenario string
	Latency  time.Duration
}

// SMPPConfig holds the SMSC bind parameters used by the smpp backend.
type SMPPConfig struct {
	Host           string
	Port           int
	SystemID       string
	Password       string
	SystemType     string
	EnquireLink    time.Duration
	RequestTimeout time.Duration
	WindowSize     int
	SourceAddrTON  int
	SourceAddrNPI  int
	DestAddrTON    int
	DestAddrNPI    int
}

// SubscriptionConfig describes one SIM: its hardware slot, carrier
// subscription id and the number it sends from.
type SubscriptionConfig struct {
	Slot   int
	ID     int
	Number string
}

// CorrelatorConfig controls retention of messages still awaiting acks.
type CorrelatorConfig struct {
	RetentionWindow time.Duration
	SweepInterval   time.Duration
}

// PlatformConfig describes the capabilities of the host the bridge runs on.
type PlatformConfig struct {
	APILevel           int
	PackageName        string
	DefaultSmsPackage  string
	Interactive        bool
	AutoAccept         bool
	GrantedPermissions []string
}

// StoreConfig points at the message log database.
type StoreConfig struct {
	DSN string
}

// KafkaConfig defines broker information and the topics used by the bridge.
type KafkaConfig struct {
	Enabled             bool
	Brokers             []string
	RequestTopic        string
	EventsTopic         string
	DLQTopic            string
	ConsumerGroup       string
	CommitOnSuccessOnly bool
}

// WorkerConfig tunes the Kafka send-request engine.
type WorkerConfig struct {
	Concurrency  int
	MsgMaxBytes  int
	DedupeWindow time.Duration
}

// ValidationConfig holds the limits applied to send requests.
type ValidationConfig struct {
	SMSBodyMax      int
	MetaMaxEntries  int
	MetaMaxKeyLen   int
	MetaMaxValueLen int
}

// Load reads environment variables (and a .env file when present), applies
// defaults, validates required values and returns a populated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Gateway.Backend = strings.ToLower(ldr.getString("GATEWAY_BACKEND", "simulated", false))
	cfg.Gateway.Scenario = strings.ToLower(ldr.getString("GATEWAY_SCENARIO", "success", false))
	cfg.Gateway.Latency = ldr.getDuration("GATEWAY_LATENCY", 50*time.Millisecond, false)

	smppRequired := cfg.Gateway.Backend == "smpp"
	cfg.SMPP.Host = ldr.getString("SMPP_HOST", "", smppRequired)
	cfg.SMPP.Port = ldr.getInt("SMPP_PORT", 2775, false)
	cfg.SMPP.SystemID = ldr.getString("SMPP_SYSTEM_ID", "", smppRequired)
	cfg.SMPP.Password = ldr.getString("SMPP_PASSWORD", "", false)
	cfg.SMPP.SystemType = ldr.getString("SMPP_SYSTEM_TYPE", "", false)
	cfg.SMPP.EnquireLink = ldr.getDuration("SMPP_ENQUIRE_LINK", 30*time.Second, false)
	cfg.SMPP.RequestTimeout = ldr.getDuration("SMPP_REQUEST_TIMEOUT", 10*time.Second, false)
	cfg.SMPP.WindowSize = ldr.getInt("SMPP_WINDOW_SIZE", 10, false)
	cfg.SMPP.SourceAddrTON = ldr.getInt("SMPP_SOURCE_TON", 1, false)
	cfg.SMPP.SourceAddrNPI = ldr.getInt("SMPP_SOURCE_NPI", 1, false)
	cfg.SMPP.DestAddrTON = ldr.getInt("SMPP_DEST_TON", 1, false)
	cfg.SMPP.DestAddrNPI = ldr.getInt("SMPP_DEST_NPI", 1, false)

	cfg.Subscriptions = ldr.getSubscriptions("SIM_SUBSCRIPTIONS")

	cfg.Correlator.RetentionWindow = ldr.getDuration("CORRELATOR_RETENTION", 24*time.Hour, false)
	cfg.Correlator.SweepInterval = ldr.getDuration("CORRELATOR_SWEEP_INTERVAL", time.Minute, false)

	cfg.Platform.APILevel = ldr.getInt("PLATFORM_API_LEVEL", 34, false)
	cfg.Platform.PackageName = ldr.getString("PLATFORM_PACKAGE", "com.textly.bridge", false)
	cfg.Platform.DefaultSmsPackage = ldr.getString("PLATFORM_DEFAULT_SMS_PACKAGE", "", false)
	cfg.Platform.Interactive = ldr.getBool("PLATFORM_INTERACTIVE", true, false)
	cfg.Platform.AutoAccept = ldr.getBool("PLATFORM_AUTO_ACCEPT", true, false)
	cfg.Platform.GrantedPermissions = ldr.getStringSlice("PLATFORM_GRANTED_PERMISSIONS", false)

	cfg.Store.DSN = ldr.getString("STORE_DSN", "file:textly.db?_foreign_keys=on", false)

	cfg.Kafka.Enabled = ldr.getBool("KAFKA_ENABLED", false, false)
	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", cfg.Kafka.Enabled)
	cfg.Kafka.RequestTopic = ldr.getString("KAFKA_SMS_REQUEST_TOPIC", "sms.request", false)
	cfg.Kafka.EventsTopic = ldr.getString("KAFKA_SMS_EVENTS_TOPIC", "sms.events", false)
	cfg.Kafka.DLQTopic = ldr.getString("KAFKA_SMS_DLQ_TOPIC", "sms.dlq", false)
	cfg.Kafka.ConsumerGroup = ldr.getString("SMS_CONSUMER_GROUP", "sms-bridge", false)
	cfg.Kafka.CommitOnSuccessOnly = ldr.getBool("COMMIT_ON_SUCCESS_ONLY", true, false)

	cfg.Worker.Concurrency = ldr.getInt("WORKER_CONCURRENCY", 10, false)
	cfg.Worker.MsgMaxBytes = ldr.getInt("MSG_MAX_BYTES", 64000, false)
	cfg.Worker.DedupeWindow = ldr.getDuration("WORKER_DEDUPE_WINDOW", 10*time.Minute, false)

	cfg.Validation.SMSBodyMax = ldr.getInt("SMS_BODY_MAX", 1600, false)
	cfg.Validation.MetaMaxEntries = ldr.getInt("META_MAX_ENTRIES", 20, false)
	cfg.Validation.MetaMaxKeyLen = ldr.getInt("META_MAX_KEY_LEN", 64, false)
	cfg.Validation.MetaMaxValueLen = ldr.getInt("META_MAX_VALUE_LEN", 256, false)

	switch cfg.Gateway.Backend {
	case "simulated", "smpp":
	default:
		ldr.addError(fmt.Sprintf("GATEWAY_BACKEND must be simulated or smpp, got %q", cfg.Gateway.Backend))
	}
	if cfg.Worker.Concurrency < 1 {
		ldr.addError("WORKER_CONCURRENCY must be >= 1")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	val, ok := os.LookupEnv(key)
	val = strings.TrimSpace(val)
	if !ok || val == "" {
		if required {
			l.addError(fmt.Sprintf("%s is required", key))
		}
		return "", false
	}
	return val, true
}

func (l *envLoader) getString(key, def string, required bool) string {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	return val
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getDuration(key string, def time.Duration, required bool) time.Duration {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		l.addError(fmt.Sprintf("%s must be a non-negative duration", key))
		return def
	}
	return d
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

// getSubscriptions parses "slot:id:number" entries, e.g. "0:1:+15550001,1:2:+15550002".
func (l *envLoader) getSubscriptions(key string) []SubscriptionConfig {
	var out []SubscriptionConfig
	for idx, entry := range l.getStringSlice(key, false) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			l.addError(fmt.Sprintf("%s[%d] must have the form slot:id:number", key, idx))
			continue
		}
		slot, slotErr := strconv.Atoi(strings.TrimSpace(parts[0]))
		id, idErr := strconv.Atoi(strings.TrimSpace(parts[1]))
		if slotErr != nil || idErr != nil || slot < 0 {
			l.addError(fmt.Sprintf("%s[%d] has an invalid slot or subscription id", key, idx))
			continue
		}
		out = append(out, SubscriptionConfig{Slot: slot, ID: id, Number: strings.TrimSpace(parts[2])})
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
