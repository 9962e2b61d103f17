package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldsync/fieldsync/internal/common"
	"github.com/fieldsync/fieldsync/internal/dbx"
	"github.com/fieldsync/fieldsync/internal/models"
)

// RecordStore persists records and their file attachments.
type RecordStore struct {
	db    dbx.DBTX
	codec BlobCodec
}

// Get returns a single record with all of its files materialized, or
// common.ErrNotFound.
func (s *RecordStore) Get(ctx context.Context, instanceID string) (*models.Record, error) {
	record, names, err := s.getRow(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	// Files are loaded one at a time; a missing blob (partial earlier
	// write) is tolerated and surfaces as a name-only ref.
	record.Files = make([]models.FileRef, 0, len(names))
	for _, name := range names {
		file, err := s.GetFile(ctx, instanceID, name)
		if errors.Is(err, common.ErrNotFound) {
			record.Files = append(record.Files, models.NamedFile(name))
			continue
		}
		if err != nil {
			return nil, err
		}
		record.Files = append(record.Files, models.MaterializedFile(name, file.Data))
	}
	return record, nil
}

// GetAll returns all records for a form (reserved slots included), ordered
// by the updated timestamp ascending. Files are returned as name-only refs.
// When finalOnly is set, drafts are excluded.
func (s *RecordStore) GetAll(ctx context.Context, formID string, finalOnly bool) ([]models.Record, error) {
	if formID == "" {
		return nil, fmt.Errorf("no form id provided: %w", common.ErrNotFound)
	}
	query := `SELECT instance_id, deprecated_id, form_id, name, xml, draft, files, created, updated
		 FROM records WHERE form_id = ?`
	if finalOnly {
		query += ` AND draft = 0`
	}
	query += ` ORDER BY updated ASC`

	rows, err := s.db.QueryContext(ctx, query, formID)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()

	var result []models.Record
	for rows.Next() {
		record, names, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			record.Files = append(record.Files, models.NamedFile(name))
		}
		result = append(result, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Set stores a new record and its materialized files.
func (s *RecordStore) Set(ctx context.Context, record *models.Record) error {
	if record.Incomplete() {
		return common.ErrRecordIncomplete
	}
	names, err := encodeFileNames(record.FileNames())
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (instance_id, deprecated_id, form_id, name, xml, draft, files, created, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.InstanceID, record.DeprecatedID, record.FormID, record.Name, record.XML,
		boolToInt(record.Draft), names, now, now)
	if err != nil {
		return mapConstraintErr(fmt.Errorf("failed to insert record: %w", err))
	}
	record.Created = time.UnixMilli(now)
	record.Updated = time.UnixMilli(now)

	return s.writeFiles(ctx, record)
}

// Update updates (or creates) a record. The stored file set is diffed
// against the new file-name list: materialized refs are written, obsolete
// blobs are deleted, and name-only refs are left untouched.
func (s *RecordStore) Update(ctx context.Context, record *models.Record) error {
	if record.Incomplete() {
		return common.ErrRecordIncomplete
	}

	var obsolete []string
	_, storedNames, err := s.getRow(ctx, record.InstanceID)
	switch {
	case errors.Is(err, common.ErrNotFound):
		// treated as create
	case err != nil:
		return err
	default:
		keep := make(map[string]struct{}, len(record.Files))
		for _, f := range record.Files {
			keep[f.Name] = struct{}{}
		}
		for _, name := range storedNames {
			if _, ok := keep[name]; !ok {
				obsolete = append(obsolete, name)
			}
		}
	}

	names, err := encodeFileNames(record.FileNames())
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (instance_id, deprecated_id, form_id, name, xml, draft, files, created, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET
			deprecated_id = excluded.deprecated_id,
			form_id = excluded.form_id,
			name = excluded.name,
			xml = excluded.xml,
			draft = excluded.draft,
			files = excluded.files,
			updated = excluded.updated`,
		record.InstanceID, record.DeprecatedID, record.FormID, record.Name, record.XML,
		boolToInt(record.Draft), names, now, now)
	if err != nil {
		return mapConstraintErr(fmt.Errorf("failed to update record: %w", err))
	}
	record.Updated = time.UnixMilli(now)

	if err := s.writeFiles(ctx, record); err != nil {
		return err
	}
	for _, name := range obsolete {
		if err := s.RemoveFile(ctx, record.InstanceID, name); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes a record, cascading deletion of its files first.
func (s *RecordStore) Remove(ctx context.Context, instanceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("failed to delete record files: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// GetFile returns one attachment blob, or common.ErrNotFound.
func (s *RecordStore) GetFile(ctx context.Context, instanceID, name string) (*models.FileRef, error) {
	var item []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT item FROM files WHERE instance_id = ? AND name = ?`, instanceID, name).Scan(&item)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select record file: %w", err)
	}
	decoded, err := s.codec.decode(item)
	if err != nil {
		return nil, err
	}
	file := models.MaterializedFile(name, decoded)
	return &file, nil
}

// UpdateFile stores or refreshes one attachment blob.
func (s *RecordStore) UpdateFile(ctx context.Context, instanceID string, file models.FileRef) error {
	if instanceID == "" || file.Name == "" || !file.Materialized() {
		return fmt.Errorf("file not complete or id not provided: %w", common.ErrRecordIncomplete)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (instance_id, name, item) VALUES (?, ?, ?)
		 ON CONFLICT(instance_id, name) DO UPDATE SET item = excluded.item`,
		instanceID, file.Name, s.codec.encode(file.Data))
	if err != nil {
		return fmt.Errorf("failed to upsert record file: %w", err)
	}
	return nil
}

// RemoveFile deletes one attachment blob.
func (s *RecordStore) RemoveFile(ctx context.Context, instanceID, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE instance_id = ? AND name = ?`, instanceID, name); err != nil {
		return fmt.Errorf("failed to delete record file: %w", err)
	}
	return nil
}

// writeFiles persists the record's materialized refs, one at a time, in
// list order. Name-only refs are stored-and-unchanged by contract.
func (s *RecordStore) writeFiles(ctx context.Context, record *models.Record) error {
	for _, file := range record.Files {
		if !file.Materialized() {
			continue
		}
		if err := s.UpdateFile(ctx, record.InstanceID, file); err != nil {
			return err
		}
	}
	return nil
}

func (s *RecordStore) getRow(ctx context.Context, instanceID string) (*models.Record, []string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT instance_id, deprecated_id, form_id, name, xml, draft, files, created, updated
		 FROM records WHERE instance_id = ?`, instanceID)
	record, names, err := scanRecord(row)
	if err != nil {
		return nil, nil, err
	}
	return record, names, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, []string, error) {
	record := &models.Record{}
	var draft int
	var files string
	var created, updated int64
	err := row.Scan(&record.InstanceID, &record.DeprecatedID, &record.FormID, &record.Name,
		&record.XML, &draft, &files, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, common.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan record: %w", err)
	}
	record.Draft = draft != 0
	record.Created = time.UnixMilli(created)
	record.Updated = time.UnixMilli(updated)

	var names []string
	if err := json.Unmarshal([]byte(files), &names); err != nil {
		return nil, nil, fmt.Errorf("failed to decode record file list: %w", err)
	}
	return record, names, nil
}

func encodeFileNames(names []string) (string, error) {
	b, err := json.Marshal(names)
	if err != nil {
		return "", fmt.Errorf("failed to encode record file list: %w", err)
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
