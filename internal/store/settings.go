package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
)

// Known setting keys.
const (
	SettingDeliveryReports = "delivery_reports"
	SettingDefaultSimSlot  = "default_sim_slot"
)

// Setting returns the value stored under key and whether it exists.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var rec settingRecord
	err := s.db.NewSelect().Model(&rec).Where("?TableAlias.name = ?", strings.TrimSpace(key)).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get setting %s: %w", key, err)
	}
	return rec.Value, true, nil
}

// SetSetting stores value under key, replacing any previous value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("store: setting key is required")
	}
	now := s.now().UTC()
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var existing settingRecord
		err := tx.NewSelect().Model(&existing).Where("?TableAlias.name = ?", key).Limit(1).Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			_, err = tx.NewInsert().Model(&settingRecord{Key: key, Value: value, UpdatedAt: now}).Exec(ctx)
			return err
		}
		if err != nil {
			return err
		}
		existing.Value = value
		existing.UpdatedAt = now
		_, err = tx.NewUpdate().Model(&existing).WherePK().Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: set setting %s: %w", key, err)
	}
	return nil
}
