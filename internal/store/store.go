// Package store keeps the message log, conversation threads and user
// settings in SQLite through bun.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/textly/smsbridge/internal/models"
	"github.com/textly/smsbridge/internal/util"
)

// ErrNotFound is returned when a message or thread does not exist.
var ErrNotFound = errors.New("store: not found")

// Option customises the store.
type Option func(*Store)

// WithClock overrides the clock used for bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the bun-backed message log.
type Store struct {
	db     *bun.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open connects to the SQLite database at dsn and creates the schema when
// it is missing.
func Open(ctx context.Context, dsn string, logger zerolog.Logger, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("store: dsn is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1)

	s := &Store{
		db:     bun.NewDB(sqldb, sqlitedialect.New()),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if err := s.migrate(ctx); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	for _, model := range []any{(*messageRecord)(nil), (*threadRecord)(nil), (*settingRecord)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("store: create table: %w", err)
		}
	}
	if _, err := s.db.NewCreateIndex().
		Model((*messageRecord)(nil)).
		Index("idx_sms_messages_thread_date").
		Column("thread_id", "date").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("store: create index: %w", err)
	}
	return nil
}

// Outbound describes a message accepted for sending.
type Outbound struct {
	ID           string
	Address      string
	Body         string
	SimSlot      *int
	SegmentCount int
	Date         time.Time
}

// RecordOutbound stores a freshly submitted message as pending and bumps
// its thread.
func (s *Store) RecordOutbound(ctx context.Context, out Outbound) (Message, error) {
	if strings.TrimSpace(out.ID) == "" {
		return Message{}, errors.New("store: message id is required")
	}
	date := out.Date
	if date.IsZero() {
		date = s.now()
	}
	now := s.now().UTC()
	rec := &messageRecord{
		ID:             out.ID,
		ThreadID:       util.ThreadID(out.Address),
		Address:        out.Address,
		Body:           out.Body,
		Type:           TypeSent,
		Read:           true,
		Date:           date.UnixMilli(),
		DeliveryStatus: models.StatusPending,
		SimSlot:        out.SimSlot,
		SegmentCount:   out.SegmentCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(rec).Exec(ctx); err != nil {
			return err
		}
		return s.touchThreadTx(ctx, tx, rec)
	})
	if err != nil {
		return Message{}, fmt.Errorf("store: record outbound %s: %w", out.ID, err)
	}
	return rec.toDomain(), nil
}

// RecordInbound stores a received message as unread.
func (s *Store) RecordInbound(ctx context.Context, in models.InboundMessage) (Message, error) {
	received := in.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}
	now := s.now().UTC()
	rec := &messageRecord{
		ID:           "sms_in_" + uuid.NewString(),
		ThreadID:     util.ThreadID(in.Sender),
		Address:      in.Sender,
		Body:         in.Body,
		Type:         TypeInbox,
		Date:         received.UnixMilli(),
		SegmentCount: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.SimSelector != models.UnknownSlot {
		slot := in.SimSelector
		rec.SimSlot = &slot
	}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(rec).Exec(ctx); err != nil {
			return err
		}
		return s.touchThreadTx(ctx, tx, rec)
	})
	if err != nil {
		return Message{}, fmt.Errorf("store: record inbound: %w", err)
	}
	return rec.toDomain(), nil
}

func (s *Store) touchThreadTx(ctx context.Context, tx bun.Tx, msg *messageRecord) error {
	var thread threadRecord
	isNew := false
	err := tx.NewSelect().Model(&thread).Where("?TableAlias.id = ?", msg.ThreadID).Limit(1).Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		isNew = true
		thread = threadRecord{
			ID:        msg.ThreadID,
			Address:   msg.Address,
			CreatedAt: msg.CreatedAt,
		}
	case err != nil:
		return err
	}

	thread.MessageCount++
	if !msg.Read {
		thread.UnreadCount++
	}
	if msg.Date >= thread.Date {
		thread.Snippet = msg.Body
		thread.Date = msg.Date
		thread.Address = msg.Address
	}
	thread.UpdatedAt = msg.UpdatedAt

	if isNew {
		_, err = tx.NewInsert().Model(&thread).Exec(ctx)
		return err
	}
	_, err = tx.NewUpdate().Model(&thread).WherePK().Exec(ctx)
	return err
}

// statusRank orders delivery statuses; a message only moves forward.
var statusRank = map[string]int{
	models.StatusPending:   0,
	models.StatusSent:      1,
	models.StatusFailed:    2,
	models.StatusDelivered: 3,
}

// canAdvance reports whether a stored status may move to the next one.
// Failed and delivered are both terminal: a failing sent ack that arrives
// after the delivery ack leaves the message delivered.
func canAdvance(from, to string) bool {
	if from == to {
		return false
	}
	if from == models.StatusFailed || from == models.StatusDelivered {
		return false
	}
	fr, ok := statusRank[from]
	if !ok {
		return true
	}
	tr, ok := statusRank[to]
	return ok && tr > fr
}

// UpdateStatus moves a sent message to a new delivery status. It reports
// whether anything changed: statuses never move backwards, and failed and
// delivered are final.
func (s *Store) UpdateStatus(ctx context.Context, id, status, reason string) (bool, error) {
	changed := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var rec messageRecord
		if err := tx.NewSelect().Model(&rec).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !canAdvance(rec.DeliveryStatus, status) {
			return nil
		}
		rec.DeliveryStatus = status
		rec.FailureReason = reason
		rec.UpdatedAt = s.now().UTC()
		if _, err := tx.NewUpdate().
			Model(&rec).
			Column("delivery_status", "failure_reason", "updated_at").
			WherePK().
			Exec(ctx); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: update status %s: %w", id, err)
	}
	return changed, nil
}

// ApplyEvent folds a bridge event into the log.
func (s *Store) ApplyEvent(ctx context.Context, evt models.Event) error {
	switch evt.Name {
	case models.EventSmsSent, models.EventSmsDelivered:
		changed, err := s.UpdateStatus(ctx, evt.MessageID, evt.Status, evt.Reason)
		if errors.Is(err, ErrNotFound) {
			s.logger.Debug().Str("message_id", evt.MessageID).Str("event", evt.Name).Msg("status event for unrecorded message")
			return nil
		}
		if err != nil {
			return err
		}
		if !changed {
			s.logger.Debug().Str("message_id", evt.MessageID).Str("status", evt.Status).Msg("status unchanged")
		}
		return nil
	case models.EventSmsReceived:
		in := models.InboundMessage{
			Sender:      evt.Address,
			Body:        evt.Body,
			ReceivedAt:  time.UnixMilli(evt.Date),
			SimSelector: models.UnknownSlot,
		}
		if evt.SimSlot != nil {
			in.SimSelector = *evt.SimSlot
		}
		_, err := s.RecordInbound(ctx, in)
		return err
	default:
		return fmt.Errorf("store: unsupported event %q", evt.Name)
	}
}

// Get loads one message by id.
func (s *Store) Get(ctx context.Context, id string) (Message, error) {
	var rec messageRecord
	err := s.db.NewSelect().Model(&rec).Where("?TableAlias.id = ?", strings.TrimSpace(id)).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	return rec.toDomain(), nil
}

// Threads lists conversations, most recent first.
func (s *Store) Threads(ctx context.Context) ([]Thread, error) {
	var records []threadRecord
	if err := s.db.NewSelect().Model(&records).Order("date DESC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: list threads: %w", err)
	}
	out := make([]Thread, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

// SearchThreads matches threads by address or snippet.
func (s *Store) SearchThreads(ctx context.Context, query string) ([]Thread, error) {
	pattern := "%" + strings.TrimSpace(query) + "%"
	var records []threadRecord
	if err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.address LIKE ? OR ?TableAlias.snippet LIKE ?", pattern, pattern).
		Order("date DESC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: search threads: %w", err)
	}
	out := make([]Thread, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

// MessagesForThread pages through one conversation, newest first.
func (s *Store) MessagesForThread(ctx context.Context, threadID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var records []messageRecord
	if err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.thread_id = ?", threadID).
		Order("date DESC").
		Limit(limit).
		Offset(offset).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: thread messages: %w", err)
	}
	return toMessages(records), nil
}

// Search matches messages by body or address.
func (s *Store) Search(ctx context.Context, query string) ([]Message, error) {
	pattern := "%" + strings.TrimSpace(query) + "%"
	var records []messageRecord
	if err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.body LIKE ? OR ?TableAlias.address LIKE ?", pattern, pattern).
		Order("date DESC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: search messages: %w", err)
	}
	return toMessages(records), nil
}

// MarkThreadRead marks every message of a thread as read.
func (s *Store) MarkThreadRead(ctx context.Context, threadID string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*threadRecord)(nil)).
			Set("unread_count = 0").
			Set("updated_at = ?", s.now().UTC()).
			Where("id = ?", threadID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.NewUpdate().
			Model((*messageRecord)(nil)).
			Set("read = ?", true).
			Where("thread_id = ?", threadID).
			Exec(ctx)
		return err
	})
}

// DeleteThread removes a thread and its messages.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*messageRecord)(nil)).Where("thread_id = ?", threadID).Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().Model((*threadRecord)(nil)).Where("id = ?", threadID).Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func toMessages(records []messageRecord) []Message {
	out := make([]Message, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out
}
