// Package store implements the local object store: a SQLite-backed,
// per-table keyed store for surveys, survey resources, records, record
// files, last-saved snapshots and scalar properties.
//
// Cross-table writes (a record row plus its file blobs) are deliberately
// not atomic; a failed file write leaves the record row ahead of its blobs
// and is repaired by the file diff on the next update.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/fieldsync/fieldsync/internal/common"
	"github.com/fieldsync/fieldsync/internal/dbx"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/migrations"
	"github.com/pressly/goose/v3"
)

// writeProbeKey and blobProbeKey are reserved property names used by the
// init probes.
const (
	writeProbeKey = "__testWrite"
	blobProbeKey  = "__testBlobWrite"
)

// BlobCodec captures the binary-encoding capability probed once at store
// initialization. When Base64 is set the platform cannot round-trip binary
// values natively and blobs are base64-encoded on write, decoded on read.
type BlobCodec struct {
	Base64 bool
}

func (c BlobCodec) encode(b []byte) any {
	if c.Base64 {
		return base64.StdEncoding.EncodeToString(b)
	}
	return b
}

func (c BlobCodec) decode(v []byte) ([]byte, error) {
	if !c.Base64 {
		return v, nil
	}
	out, err := base64.StdEncoding.DecodeString(string(v))
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored blob: %w", err)
	}
	return out, nil
}

// Store is the local object store. Each named table is exposed as a
// sub-store bound to the same database handle and codec.
type Store struct {
	db    *sql.DB
	codec BlobCodec
	log   logging.Logger

	Surveys    *SurveyStore
	Records    *RecordStore
	LastSaved  *LastSavedStore
	Properties *PropertyStore
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// Open opens (or creates) the store at the given SQLite DSN, applies
// migrations and probes storage capabilities. A store that cannot be
// written to fails with common.ErrStorageUnavailable.
func Open(ctx context.Context, dsn string, log logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrations: %v", common.ErrStorageUnavailable, err)
	}

	s := &Store{db: db, log: log}
	s.Properties = &PropertyStore{db: db}

	if err := s.probeWriteable(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
	}
	s.codec = BlobCodec{Base64: !s.probeBlobStorage(ctx)}
	if s.codec.Base64 {
		log.Warn(ctx, "storage cannot round-trip binary values, falling back to base64 encoding")
	}

	s.Surveys = &SurveyStore{db: db, codec: s.codec}
	s.Records = &RecordStore{db: db, codec: s.codec}
	s.LastSaved = &LastSavedStore{db: db}

	return s, nil
}

// Codec returns the binary-encoding capability probed at initialization.
func (s *Store) Codec() BlobCodec {
	return s.codec
}

// DB exposes the underlying handle for callers that need dbx.WithTx.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// probeWriteable verifies the store accepts writes at all.
func (s *Store) probeWriteable(ctx context.Context) error {
	return s.Properties.Set(ctx, writeProbeKey, fmt.Sprintf("%d", time.Now().UnixMilli()))
}

// probeBlobStorage reports whether a binary value survives a write-read
// round trip unchanged. The outcome is probed once and cached in the codec
// for the rest of the session.
func (s *Store) probeBlobStorage(ctx context.Context) bool {
	probe := []byte{0x00, 0x01, 0xfe, 0xff, '<', 'a', '/', '>'}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO properties (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		blobProbeKey, probe)
	if err != nil {
		return false
	}
	var got []byte
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM properties WHERE name = ?`, blobProbeKey).Scan(&got); err != nil {
		return false
	}
	return string(got) == string(probe)
}

// Flush removes all rows from every table. Intended for a full client
// reset; the schema (and its version) stays.
func (s *Store) Flush(ctx context.Context) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, table := range []string{"surveys", "resources", "records", "files", "last_saved", "properties"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to flush %s: %w", table, err)
			}
		}
		return nil
	})
}

// mapConstraintErr converts SQLite uniqueness violations on the record name
// index into the sentinel the lifecycle layer reports to callers.
func mapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", common.ErrNameNotUnique, err)
	}
	return err
}
