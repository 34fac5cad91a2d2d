package smsvalidator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/config"
	"github.com/textly/smsbridge/internal/models"
	"github.com/textly/smsbridge/internal/util"
)

// Validator decodes and checks send requests read from the request topic.
type Validator struct {
	logger zerolog.Logger
	cfg    config.ValidationConfig
}

// New constructs a Validator using the supplied validation limits.
func New(cfg config.ValidationConfig, logger zerolog.Logger) *Validator {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Validator{logger: logger, cfg: cfg}
}

// ParseAndValidate implements worker.Validator. On a validation failure the
// decoded request is still returned when decoding succeeded, so the caller
// can reference its request id.
func (v *Validator) ParseAndValidate(ctx context.Context, payload []byte) (*models.SendRequest, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(payload) == 0 {
		return nil, errors.New("sms validator: payload is empty")
	}

	var req models.SendRequest
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("sms validator: decode: %w", err)
	}

	if err := v.normalize(&req); err != nil {
		return &req, err
	}
	return &req, nil
}

func (v *Validator) normalize(req *models.SendRequest) error {
	req.RequestID = strings.TrimSpace(req.RequestID)
	if _, err := util.ParseUUIDv4(req.RequestID); err != nil {
		return fmt.Errorf("sms validator: request_id: %w", err)
	}
	req.TraceID = strings.TrimSpace(req.TraceID)

	if req.CreatedAt.IsZero() {
		return errors.New("sms validator: created_at is required")
	}
	req.CreatedAt = req.CreatedAt.UTC()

	phone, err := util.NormalizeAddress(req.PhoneNumber)
	if err != nil {
		return fmt.Errorf("sms validator: phone_number: %w", err)
	}
	req.PhoneNumber = phone

	if req.Message == "" {
		return errors.New("sms validator: message is required")
	}
	if err := util.EnsureMaxRunes("sms validator: message", req.Message, v.cfg.SMSBodyMax); err != nil {
		return err
	}

	if req.SimSlot != nil && *req.SimSlot < 0 {
		return fmt.Errorf("sms validator: sim_slot must be >= 0, got %d", *req.SimSlot)
	}

	meta, err := util.ValidateMetadata(req.Meta, v.cfg.MetaMaxEntries, v.cfg.MetaMaxKeyLen, v.cfg.MetaMaxValueLen)
	if err != nil {
		return fmt.Errorf("sms validator: metadata: %w", err)
	}
	req.Meta = meta

	return nil
}
