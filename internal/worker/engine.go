package worker

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/textly/smsbridge/internal/correlator"
	"github.com/textly/smsbridge/internal/models"
	"github.com/textly/smsbridge/internal/util"
)

const defaultDedupeWindow = 10 * time.Minute

// Config contains the runtime settings of the send-request engine.
// DedupeWindow is how long a handled request_id is remembered so a
// redelivered record is committed without being sent again.
type Config struct {
	MsgMaxBytes  int
	Concurrency  int
	DedupeWindow time.Duration
}

// Record is a Kafka message handed to the engine, detached from the consumer
// that read it.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	commit func(context.Context) error
}

// Commit acknowledges the record to its source. Records without a bound
// commit function are no-ops.
func (r *Record) Commit(ctx context.Context) error {
	if r == nil || r.commit == nil {
		return nil
	}
	return r.commit(ctx)
}

// NewRecordWithCommit returns a copy of rec acknowledged through commit.
func NewRecordWithCommit(rec *Record, commit func(context.Context) error) *Record {
	if rec == nil {
		return nil
	}
	clone := *rec
	clone.commit = commit
	return &clone
}

// Validator decodes and checks a request payload. When decoding succeeds but
// validation fails, the decoded request may be returned with the error.
type Validator interface {
	ParseAndValidate(ctx context.Context, payload []byte) (*models.SendRequest, error)
}

// Sender submits a validated request and returns the assigned message id.
type Sender interface {
	Send(ctx context.Context, req models.SendRequest) (string, error)
}

// DLQPublisher writes rejected requests to the DLQ topic.
type DLQPublisher interface {
	PublishDLQ(ctx context.Context, record models.DLQRecord) error
}

// Dependencies collects the runtime collaborators required by the engine.
type Dependencies struct {
	Sender       Sender
	Validator    Validator
	DLQPublisher DLQPublisher
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Engine turns send requests into bridge submissions. Acceptance is the end
// of its job: sent and delivered outcomes reach consumers as events, and a
// request the bridge refuses goes to the DLQ once without retry.
type Engine struct {
	cfg       Config
	sender    Sender
	validator Validator
	dlq       DLQPublisher
	logger    zerolog.Logger
	now       func() time.Time

	semaphore *semaphore.Weighted

	mu   sync.Mutex
	seen map[string]handled
}

type handled struct {
	messageID string
	at        time.Time
}

// NewEngine validates the configuration and collaborators.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.Concurrency < 1 {
		return nil, errors.New("worker: concurrency must be >= 1")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("worker: msg max bytes cannot be negative")
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = defaultDedupeWindow
	}
	if deps.Sender == nil {
		return nil, errors.New("worker: sender dependency is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("worker: validator dependency is required")
	}
	if deps.DLQPublisher == nil {
		return nil, errors.New("worker: DLQ publisher dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		cfg:       cfg,
		sender:    deps.Sender,
		validator: deps.Validator,
		dlq:       deps.DLQPublisher,
		logger:    logger.With().Str("component", "worker_engine").Logger(),
		now:       now,
		semaphore: semaphore.NewWeighted(int64(cfg.Concurrency)),
		seen:      make(map[string]handled),
	}, nil
}

// HandleRecord validates the record and submits it on a bounded goroutine.
// Invalid records are sent to the DLQ and committed immediately.
func (e *Engine) HandleRecord(ctx context.Context, record *Record) {
	if record == nil {
		return
	}

	if err := util.EnsureMaxBytes("payload", record.Value, e.cfg.MsgMaxBytes); err != nil {
		e.logger.Warn().Str("request_id", string(record.Key)).Err(err).Msg("record discarded")
		e.reject(ctx, record, string(record.Key), models.FailureTypeValidation, "", err)
		return
	}

	req, err := e.validator.ParseAndValidate(ctx, record.Value)
	if err != nil {
		requestID := string(record.Key)
		if req != nil && req.RequestID != "" {
			requestID = req.RequestID
		}
		e.logger.Warn().Str("request_id", requestID).Err(err).Msg("validation failed for record")
		e.reject(ctx, record, requestID, models.FailureTypeValidation, "", err)
		return
	}

	if err := e.semaphore.Acquire(ctx, 1); err != nil {
		e.logger.Error().Str("request_id", req.RequestID).Err(err).Msg("failed to acquire concurrency semaphore")
		return
	}

	go e.process(ctx, record, *req)
}

// Wait blocks until every in-flight submission has finished or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	if err := e.semaphore.Acquire(ctx, int64(e.cfg.Concurrency)); err != nil {
		return err
	}
	e.semaphore.Release(int64(e.cfg.Concurrency))
	return nil
}

func (e *Engine) process(ctx context.Context, record *Record, req models.SendRequest) {
	defer e.semaphore.Release(1)

	log := e.logger.With().
		Str("request_id", req.RequestID).
		Str("trace_id", req.TraceID).
		Logger()

	if ctx.Err() != nil {
		log.Warn().Msg("context cancelled before submission began")
		return
	}

	if prior, dup := e.claim(req.RequestID); dup {
		log.Info().Str("message_id", prior.messageID).Msg("duplicate request skipped")
		e.commit(ctx, record)
		return
	}

	start := e.now()
	messageID, err := e.sender.Send(ctx, req)
	duration := e.now().Sub(start)

	if err == nil {
		e.remember(req.RequestID, messageID)
		log.Info().Str("message_id", messageID).Dur("duration", duration).Msg("request submitted")
		e.commit(ctx, record)
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.release(req.RequestID)
		log.Warn().Err(err).Msg("context cancelled during submission; leaving record uncommitted")
		return
	}

	failureType := classify(err)
	log.Warn().Err(err).Str("failure_type", failureType).Msg("bridge rejected request")
	e.reject(ctx, record, req.RequestID, failureType, errorCode(err), err)
}

// claim marks requestID as handled. It reports true, with the earlier
// outcome, when the id was already handled inside the dedupe window or is
// still in flight.
func (e *Engine) claim(requestID string) (handled, bool) {
	if requestID == "" {
		return handled{}, false
	}
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, h := range e.seen {
		if now.Sub(h.at) > e.cfg.DedupeWindow {
			delete(e.seen, id)
		}
	}
	if prior, ok := e.seen[requestID]; ok {
		return prior, true
	}
	e.seen[requestID] = handled{at: now}
	return handled{}, false
}

func (e *Engine) remember(requestID, messageID string) {
	if requestID == "" {
		return
	}
	e.mu.Lock()
	e.seen[requestID] = handled{messageID: messageID, at: e.now()}
	e.mu.Unlock()
}

func (e *Engine) release(requestID string) {
	e.mu.Lock()
	delete(e.seen, requestID)
	e.mu.Unlock()
}

func (e *Engine) reject(ctx context.Context, record *Record, requestID, failureType, code string, cause error) {
	dlqRecord := models.DLQRecord{
		RequestID:       requestID,
		OriginalMessage: originalMessage(record.Value),
		FailureType:     failureType,
		ErrorCode:       code,
		LastError:       cause.Error(),
		FailedAt:        e.now().UTC(),
		TraceID:         header(record, "trace_id"),
	}
	if err := e.dlq.PublishDLQ(ctx, dlqRecord); err != nil {
		e.logger.Error().Str("request_id", requestID).Err(err).Msg("failed to publish DLQ record")
	}
	e.commit(ctx, record)
}

func (e *Engine) commit(ctx context.Context, record *Record) {
	if err := record.Commit(ctx); err != nil {
		e.logger.Error().
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Err(err).
			Msg("failed to commit record offset")
	}
}

func classify(err error) string {
	switch {
	case errors.Is(err, correlator.ErrPermissionDenied):
		return models.FailureTypePermission
	case errors.Is(err, correlator.ErrTransportInitiation):
		return models.FailureTypeTransport
	case errors.Is(err, correlator.ErrInvalidRequest), errors.Is(err, util.ErrInvalidPhone):
		return models.FailureTypeValidation
	default:
		return models.FailureTypeUnknown
	}
}

// errorCode extracts the command-surface code carried by bridge errors.
func errorCode(err error) string {
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ""
}

func originalMessage(payload []byte) any {
	if json.Valid(payload) {
		return json.RawMessage(append([]byte(nil), payload...))
	}
	return string(payload)
}

func header(record *Record, key string) string {
	if v, ok := record.Headers[key]; ok {
		return string(v)
	}
	return ""
}
