package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fieldsync/fieldsync/internal/common"
	"github.com/fieldsync/fieldsync/internal/dbx"
)

// PropertyStore persists scalar name/value properties, including the
// per-form submission statistics.
type PropertyStore struct {
	db dbx.DBTX
}

// SurveyStats tracks per-form bookkeeping: how many records were ever
// created (feeds default record naming) and which instance ids were
// successfully submitted.
type SurveyStats struct {
	RecordCount int      `json:"recordCount"`
	Submitted   []string `json:"submitted"`
}

func statsKey(formID string) string {
	return formID + ":stats"
}

// Get returns a property value, or common.ErrNotFound.
func (s *PropertyStore) Get(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM properties WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", common.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to select property: %w", err)
	}
	return value, nil
}

// Set stores or replaces a property value.
func (s *PropertyStore) Set(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO properties (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return fmt.Errorf("failed to upsert property: %w", err)
	}
	return nil
}

// GetSurveyStats returns the stats for a form. A form without stats yet
// returns the zero value, not an error.
func (s *PropertyStore) GetSurveyStats(ctx context.Context, formID string) (*SurveyStats, error) {
	value, err := s.Get(ctx, statsKey(formID))
	if errors.Is(err, common.ErrNotFound) {
		return &SurveyStats{}, nil
	}
	if err != nil {
		return nil, err
	}
	stats := &SurveyStats{}
	if err := json.Unmarshal([]byte(value), stats); err != nil {
		return nil, fmt.Errorf("failed to decode survey stats: %w", err)
	}
	return stats, nil
}

func (s *PropertyStore) setSurveyStats(ctx context.Context, formID string, stats *SurveyStats) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode survey stats: %w", err)
	}
	return s.Set(ctx, statsKey(formID), string(b))
}

// IncrementRecordCount bumps the form's lifetime record counter and returns
// the new value. The counter only ever grows, so record names derived from
// it stay unique even after deletions.
func (s *PropertyStore) IncrementRecordCount(ctx context.Context, formID string) (int, error) {
	stats, err := s.GetSurveyStats(ctx, formID)
	if err != nil {
		return 0, err
	}
	stats.RecordCount++
	if err := s.setSurveyStats(ctx, formID, stats); err != nil {
		return 0, err
	}
	return stats.RecordCount, nil
}

// AddSubmittedInstanceID appends an instance id to the form's submitted log.
func (s *PropertyStore) AddSubmittedInstanceID(ctx context.Context, formID, instanceID string) error {
	stats, err := s.GetSurveyStats(ctx, formID)
	if err != nil {
		return err
	}
	stats.Submitted = append(stats.Submitted, instanceID)
	return s.setSurveyStats(ctx, formID, stats)
}
