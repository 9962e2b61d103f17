// Package records implements the record lifecycle: drafts, final records,
// the per-form autosave slot and the last-saved snapshot, all on top of the
// local object store.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsync/fieldsync/internal/common"
	"github.com/fieldsync/fieldsync/internal/events"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/store"
)

// Service owns record state transitions. A record moves draft -> final and
// is deleted on successful upload; the autosave slot sits outside that
// lifecycle and never becomes final.
type Service struct {
	store *store.Store
	bus   *events.Bus
	log   logging.Logger
}

func NewService(s *store.Store, bus *events.Bus, log logging.Logger) *Service {
	return &Service{store: s, bus: bus, log: log}
}

// Save stores a new record. A missing instance id is generated; a missing
// name is derived from the form title and the per-form counter. Fires
// record-saved and, for final records, record-queue-changed.
func (s *Service) Save(ctx context.Context, record *models.Record) error {
	if record.InstanceID == "" {
		record.InstanceID = "uuid:" + uuid.NewString()
	}
	if record.Name == "" {
		name, err := s.DefaultName(ctx, record.FormID)
		if err != nil {
			return err
		}
		record.Name = name
	}
	if record.Incomplete() {
		return common.ErrRecordIncomplete
	}

	if err := s.store.Records.Set(ctx, record); err != nil {
		return err
	}
	s.notifySaved(record)
	return nil
}

// Update replaces an existing record. The store diffs the file list, so
// unchanged attachments can be passed by name only.
func (s *Service) Update(ctx context.Context, record *models.Record) error {
	if record.Incomplete() {
		return common.ErrRecordIncomplete
	}
	if err := s.store.Records.Update(ctx, record); err != nil {
		return err
	}
	s.notifySaved(record)
	return nil
}

// AutoSave writes the form's single autosave slot. The slot is always a
// draft under a reserved instance id; it fires no notifications and never
// touches the last-saved snapshot.
func (s *Service) AutoSave(ctx context.Context, formID, xml string, files []models.FileRef) error {
	record := &models.Record{
		InstanceID: models.AutoSaveKey(formID),
		FormID:     formID,
		Name:       fmt.Sprintf("__autoSave_%d", time.Now().UnixMilli()),
		XML:        xml,
		Draft:      true,
		Files:      files,
	}
	return s.store.Records.Update(ctx, record)
}

// GetAutoSave returns the form's autosave slot, or common.ErrNotFound.
func (s *Service) GetAutoSave(ctx context.Context, formID string) (*models.Record, error) {
	return s.store.Records.Get(ctx, models.AutoSaveKey(formID))
}

// RemoveAutoSave discards the form's autosave slot.
func (s *Service) RemoveAutoSave(ctx context.Context, formID string) error {
	return s.store.Records.Remove(ctx, models.AutoSaveKey(formID))
}

// Finalize marks a record final and persists it, discards the now-stale
// autosave slot and replaces the form's last-saved snapshot with the
// finalized XML.
func (s *Service) Finalize(ctx context.Context, record *models.Record) error {
	record.Draft = false
	if record.Incomplete() {
		return common.ErrRecordIncomplete
	}
	if err := s.store.Records.Update(ctx, record); err != nil {
		return err
	}

	if err := s.RemoveAutoSave(ctx, record.FormID); err != nil {
		s.log.Warn(ctx, "failed to remove autosave slot", "form_id", record.FormID, "error", err)
	}
	snapshot := &models.LastSavedRecord{
		FormID:     record.FormID,
		InstanceID: models.LastSavedKey(record.FormID),
		Name:       record.Name,
		XML:        record.XML,
	}
	if err := s.store.LastSaved.Set(ctx, snapshot); err != nil {
		s.log.Warn(ctx, "failed to update last-saved snapshot", "form_id", record.FormID, "error", err)
	}

	s.notifySaved(record)
	return nil
}

// Get returns a record with materialized files.
func (s *Service) Get(ctx context.Context, instanceID string) (*models.Record, error) {
	return s.store.Records.Get(ctx, instanceID)
}

// Remove deletes a record and its attachments. Fires record-queue-changed
// since the record may have been queued.
func (s *Service) Remove(ctx context.Context, instanceID string) error {
	if err := s.store.Records.Remove(ctx, instanceID); err != nil {
		return err
	}
	s.bus.QueueChanged()
	return nil
}

// List returns the form's records ordered by updated ascending, excluding
// the reserved autosave slot. When finalOnly is set, drafts are excluded.
func (s *Service) List(ctx context.Context, formID string, finalOnly bool) ([]models.Record, error) {
	all, err := s.store.Records.GetAll(ctx, formID, finalOnly)
	if err != nil {
		return nil, err
	}
	result := all[:0:0]
	for _, r := range all {
		if models.IsReservedInstanceID(r.InstanceID) {
			continue
		}
		result = append(result, r)
	}
	return result, nil
}

// LastSaved returns the form's last-saved snapshot, or common.ErrNotFound.
func (s *Service) LastSaved(ctx context.Context, formID string) (*models.LastSavedRecord, error) {
	return s.store.LastSaved.Get(ctx, formID)
}

// DefaultName generates the next human-readable default record name from
// the form title and a per-form counter. The counter only grows; gaps from
// discarded records are fine because it is never a storage key.
func (s *Service) DefaultName(ctx context.Context, formID string) (string, error) {
	title := formID
	survey, err := s.store.Surveys.Get(ctx, formID)
	switch {
	case errors.Is(err, common.ErrNotFound):
	case err != nil:
		return "", err
	case survey.Title != "":
		title = survey.Title
	}

	count, err := s.store.Properties.IncrementRecordCount(ctx, formID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s - %d", title, count), nil
}

func (s *Service) notifySaved(record *models.Record) {
	s.bus.RecordSaved(record.InstanceID)
	if !record.Draft {
		s.bus.QueueChanged()
	}
}
