package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldsync/fieldsync/internal/common"
	"github.com/fieldsync/fieldsync/internal/dbx"
	"github.com/fieldsync/fieldsync/internal/models"
)

// LastSavedStore persists the per-form "last saved" snapshot, keyed by
// form id so there is at most one snapshot per form.
type LastSavedStore struct {
	db dbx.DBTX
}

// Get returns the snapshot for a form, or common.ErrNotFound.
func (s *LastSavedStore) Get(ctx context.Context, formID string) (*models.LastSavedRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT form_id, instance_id, name, xml, updated FROM last_saved WHERE form_id = ?`, formID)

	record := &models.LastSavedRecord{}
	var updated int64
	err := row.Scan(&record.FormID, &record.InstanceID, &record.Name, &record.XML, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select last-saved record: %w", err)
	}
	record.Updated = time.UnixMilli(updated)
	return record, nil
}

// Set stores or replaces the snapshot for a form.
func (s *LastSavedStore) Set(ctx context.Context, record *models.LastSavedRecord) error {
	if record.FormID == "" || record.XML == "" {
		return fmt.Errorf("last-saved record not complete: %w", common.ErrRecordIncomplete)
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_saved (form_id, instance_id, name, xml, updated)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(form_id) DO UPDATE SET
			instance_id = excluded.instance_id,
			name = excluded.name,
			xml = excluded.xml,
			updated = excluded.updated`,
		record.FormID, record.InstanceID, record.Name, record.XML, now)
	if err != nil {
		return fmt.Errorf("failed to upsert last-saved record: %w", err)
	}
	record.Updated = time.UnixMilli(now)
	return nil
}

// Remove deletes the snapshot for a form, if any.
func (s *LastSavedStore) Remove(ctx context.Context, formID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM last_saved WHERE form_id = ?`, formID); err != nil {
		return fmt.Errorf("failed to delete last-saved record: %w", err)
	}
	return nil
}
