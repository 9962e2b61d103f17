package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fieldsync/fieldsync/internal/common"
	"github.com/fieldsync/fieldsync/internal/dbx"
	"github.com/fieldsync/fieldsync/internal/models"
)

// SurveyStore persists cached form definitions and their media resources.
type SurveyStore struct {
	db    dbx.DBTX
	codec BlobCodec
}

// Get returns the cached survey for the given form id, or
// common.ErrNotFound when no survey is cached.
func (s *SurveyStore) Get(ctx context.Context, formID string) (*models.Survey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT form_id, title, form, model, hash, version, theme, resources, max_size, encryption_key
		 FROM surveys WHERE form_id = ?`, formID)

	survey := &models.Survey{}
	var resources sql.NullString
	err := row.Scan(&survey.FormID, &survey.Title, &survey.Form, &survey.Model, &survey.Hash,
		&survey.Version, &survey.Theme, &resources, &survey.MaxSize, &survey.EncryptionKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select survey: %w", err)
	}
	if resources.Valid {
		if err := json.Unmarshal([]byte(resources.String), &survey.Resources); err != nil {
			return nil, fmt.Errorf("failed to decode survey resource list: %w", err)
		}
		if survey.Resources == nil {
			survey.Resources = []string{}
		}
	}
	return survey, nil
}

// Set stores a new survey. The survey must be complete (form, model, id and
// hash present).
func (s *SurveyStore) Set(ctx context.Context, survey *models.Survey) error {
	if survey.Incomplete() {
		return common.ErrSurveyIncomplete
	}
	resources, err := encodeResourceList(survey.Resources)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO surveys (form_id, title, form, model, hash, version, theme, resources, max_size, encryption_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		survey.FormID, survey.Title, survey.Form, survey.Model, survey.Hash,
		survey.Version, survey.Theme, resources, survey.MaxSize, survey.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to insert survey: %w", err)
	}
	return nil
}

// Update replaces the stored survey and reconciles its media resources:
// provided resources are written, stored resources no longer referenced by
// the survey's resource list are pruned. A nil survey.Resources list marks
// media as not-loaded; stored binaries are then left alone so the next
// media update can reconcile them.
func (s *SurveyStore) Update(ctx context.Context, survey *models.Survey, resources []models.Resource) error {
	if survey.FormID == "" || survey.Form == "" || survey.Model == "" {
		return common.ErrSurveyIncomplete
	}

	var obsolete []string
	if survey.Resources != nil {
		stored, err := s.Get(ctx, survey.FormID)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if stored != nil {
			keep := make(map[string]struct{}, len(survey.Resources))
			for _, url := range survey.Resources {
				keep[url] = struct{}{}
			}
			for _, url := range stored.Resources {
				if _, ok := keep[url]; !ok {
					obsolete = append(obsolete, url)
				}
			}
		}
	}

	encoded, err := encodeResourceList(survey.Resources)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO surveys (form_id, title, form, model, hash, version, theme, resources, max_size, encryption_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(form_id) DO UPDATE SET
			title = excluded.title,
			form = excluded.form,
			model = excluded.model,
			hash = excluded.hash,
			version = excluded.version,
			theme = excluded.theme,
			resources = excluded.resources,
			max_size = excluded.max_size,
			encryption_key = excluded.encryption_key`,
		survey.FormID, survey.Title, survey.Form, survey.Model, survey.Hash,
		survey.Version, survey.Theme, encoded, survey.MaxSize, survey.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to update survey: %w", err)
	}

	// Add new or refresh existing resources, then prune obsolete ones.
	// Each write is awaited before the next; a partial failure leaves the
	// survey row ahead of its binaries, repaired on the next update.
	for i := range resources {
		if err := s.UpdateResource(ctx, survey.FormID, &resources[i]); err != nil {
			return err
		}
	}
	for _, url := range obsolete {
		if err := s.RemoveResource(ctx, survey.FormID, url); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the survey and all of its resources.
func (s *SurveyStore) Remove(ctx context.Context, formID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE form_id = ?`, formID); err != nil {
		return fmt.Errorf("failed to delete survey resources: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM surveys WHERE form_id = ?`, formID); err != nil {
		return fmt.Errorf("failed to delete survey: %w", err)
	}
	return nil
}

// GetResource returns a single media resource, or common.ErrNotFound.
func (s *SurveyStore) GetResource(ctx context.Context, formID, url string) (*models.Resource, error) {
	var item []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT item FROM resources WHERE form_id = ? AND url = ?`, formID, url).Scan(&item)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select resource: %w", err)
	}
	decoded, err := s.codec.decode(item)
	if err != nil {
		return nil, err
	}
	return &models.Resource{URL: url, Item: decoded}, nil
}

// UpdateResource stores or refreshes a media resource.
func (s *SurveyStore) UpdateResource(ctx context.Context, formID string, resource *models.Resource) error {
	if resource.URL == "" || resource.Item == nil {
		return fmt.Errorf("resource not complete: %w", common.ErrSurveyIncomplete)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (form_id, url, item) VALUES (?, ?, ?)
		 ON CONFLICT(form_id, url) DO UPDATE SET item = excluded.item`,
		formID, resource.URL, s.codec.encode(resource.Item))
	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}
	return nil
}

// RemoveResource deletes a single media resource.
func (s *SurveyStore) RemoveResource(ctx context.Context, formID, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE form_id = ? AND url = ?`, formID, url); err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	return nil
}

func encodeResourceList(urls []string) (any, error) {
	if urls == nil {
		return nil, nil
	}
	b, err := json.Marshal(urls)
	if err != nil {
		return nil, fmt.Errorf("failed to encode survey resource list: %w", err)
	}
	return string(b), nil
}
