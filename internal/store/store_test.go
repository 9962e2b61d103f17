package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/fieldsync/fieldsync/internal/common"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s := setupStore(t)

	for _, table := range []string{"surveys", "resources", "records", "files", "last_saved", "properties"} {
		var name string
		err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}

	// v2 rescopes record name uniqueness to (form_id, name)
	var name string
	err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name='idx_records_form_name'`).Scan(&name)
	require.NoError(t, err)
	err = s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name='idx_records_name'`).Scan(&name)
	assert.Error(t, err, "global name index should have been dropped")
}

func TestOpen_MigrationFailure_ReturnsStorageUnavailable(t *testing.T) {
	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("migration exploded")
	}

	_, err := Open(context.Background(), ":memory:", testLogger())
	assert.ErrorIs(t, err, common.ErrStorageUnavailable)
}

func TestProbeBlobStorage_RoundTrip(t *testing.T) {
	s := setupStore(t)

	// SQLite round-trips binary values natively
	assert.False(t, s.Codec().Base64)

	var got []byte
	err := s.db.QueryRow(`SELECT value FROM properties WHERE name = ?`, blobProbeKey).Scan(&got)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xfe, 0xff, '<', 'a', '/', '>'}, got)
}

func TestBlobCodec_Base64RoundTrip(t *testing.T) {
	codec := BlobCodec{Base64: true}
	data := []byte{0x00, 0xff, 'x'}

	encoded, ok := codec.encode(data).(string)
	require.True(t, ok, "base64 codec must encode to string")

	decoded, err := codec.decode([]byte(encoded))
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestBlobCodec_PassThrough(t *testing.T) {
	codec := BlobCodec{}
	data := []byte{0x00, 0xff}

	encoded, ok := codec.encode(data).([]byte)
	require.True(t, ok)
	assert.Equal(t, data, encoded)

	decoded, err := codec.decode(data)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestFlush_RemovesAllRows(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Properties.Set(ctx, "k", "v"))
	_, err := s.db.Exec(`INSERT INTO records (instance_id, form_id, name, xml, created, updated)
		VALUES ('i1', 'f1', 'n1', '<a/>', 0, 0)`)
	require.NoError(t, err)

	require.NoError(t, s.Flush(ctx))

	for _, table := range []string{"surveys", "resources", "records", "files", "last_saved", "properties"} {
		var count int
		require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&count))
		assert.Zero(t, count, "table %s not flushed", table)
	}
}

func TestMapConstraintErr(t *testing.T) {
	assert.NoError(t, mapConstraintErr(nil))

	err := mapConstraintErr(fmt.Errorf("constraint failed: UNIQUE constraint failed: records.form_id, records.name"))
	assert.ErrorIs(t, err, common.ErrNameNotUnique)

	plain := errors.New("disk I/O error")
	assert.Equal(t, plain, mapConstraintErr(plain))
}
