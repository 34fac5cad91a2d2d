package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const (
	defaultClientID         = "sms-bridge-consumer"
	defaultSessionTimeout   = 30 * time.Second
	defaultHeartbeat        = 3 * time.Second
	defaultRebalanceTimeout = 30 * time.Second
	rejoinBackoff           = time.Second
)

// Handler is invoked for every record delivered by the consumer.
type Handler func(ctx context.Context, record *Record) error

// Config identifies the consumer group.
type Config struct {
	Brokers []string
	GroupID string
	// CommitOnSuccessOnly disables auto-commit; offsets advance only through
	// Commit.
	CommitOnSuccessOnly bool
}

// Option customises the consumer during construction.
type Option func(*sarama.Config)

// WithSaramaConfig replaces the default Sarama config. Group settings from
// Config still apply on top of it.
func WithSaramaConfig(cfg *sarama.Config) Option {
	return func(dst *sarama.Config) {
		if cfg != nil {
			*dst = *cfg
		}
	}
}

// Record is one Kafka message together with the session that delivered it.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	session sarama.ConsumerGroupSession
	message *sarama.ConsumerMessage

	committed atomic.Bool
}

// Consumer reads send requests through a Sarama consumer group.
type Consumer struct {
	logger zerolog.Logger

	group       sarama.ConsumerGroup
	groupID     string
	commitOnAck bool

	ready      atomic.Bool
	errorsDone chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New joins nothing yet; Consume starts the group session.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one broker is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer: group id is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	saramaCfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(saramaCfg)
		}
	}
	saramaCfg.Consumer.Offsets.AutoCommit.Enable = !cfg.CommitOnSuccessOnly
	saramaCfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: create consumer group: %w", err)
	}

	c := &Consumer{
		logger:      logger.With().Str("component", "kafka_consumer").Str("group_id", cfg.GroupID).Logger(),
		group:       group,
		groupID:     cfg.GroupID,
		commitOnAck: cfg.CommitOnSuccessOnly,
		errorsDone:  make(chan struct{}),
	}
	go c.drainErrors()

	return c, nil
}

// Consume blocks, delivering records from topics to handler until ctx is
// cancelled or the consumer is closed. Rebalances and transient group errors
// rejoin after a short pause.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("kafka consumer: at least one topic is required")
	}
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.running.Add(1)
	defer c.running.Done()
	defer cancel()

	gh := &groupHandler{consumer: c, handler: handler}
	for {
		err := c.group.Consume(ctx, topics, gh)
		switch {
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			c.logger.Error().Err(err).Strs("topics", topics).Msg("consume error; rejoining")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rejoinBackoff):
			}
		}
	}
}

// Commit marks record processed. With commit-on-success the offset is flushed
// immediately. Repeated commits of the same record are no-ops.
func (c *Consumer) Commit(_ context.Context, record *Record) error {
	if record == nil {
		return errors.New("kafka consumer: record is required")
	}
	if record.session == nil || record.message == nil {
		return errors.New("kafka consumer: record missing session data")
	}
	if !record.committed.CompareAndSwap(false, true) {
		return nil
	}

	record.session.MarkMessage(record.message, "")
	if c.commitOnAck {
		record.session.Commit()
	}
	return nil
}

// IsReady reports whether the consumer currently holds a group session.
func (c *Consumer) IsReady() bool {
	return c.ready.Load()
}

// Close leaves the group and waits for Consume to return.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	err := c.group.Close()
	c.running.Wait()
	<-c.errorsDone
	return err
}

func (c *Consumer) drainErrors() {
	defer close(c.errorsDone)
	for err := range c.group.Errors() {
		if err != nil {
			c.logger.Error().Err(err).Msg("consumer group error")
		}
	}
}

type groupHandler struct {
	consumer *Consumer
	handler  Handler
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(true)
	h.consumer.logger.Info().
		Int32("generation", session.GenerationID()).
		Msg("consumer group session started")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(false)
	h.consumer.logger.Info().Msg("consumer group session ended")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			record := newRecord(session, msg)
			if err := h.handler(session.Context(), record); err != nil {
				h.consumer.logger.Error().
					Err(err).
					Str("topic", msg.Topic).
					Int32("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Msg("handler error")
			}
		}
	}
}

func newRecord(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) *Record {
	headers := make(map[string][]byte, len(msg.Headers))
	for _, h := range msg.Headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		headers[string(h.Key)] = append([]byte(nil), h.Value...)
	}
	return &Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       append([]byte(nil), msg.Key...),
		Value:     append([]byte(nil), msg.Value...),
		Timestamp: msg.Timestamp,
		Headers:   headers,
		session:   session,
		message:   msg,
	}
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = defaultClientID
	cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	cfg.Consumer.Group.Rebalance.Timeout = defaultRebalanceTimeout
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	return cfg
}
