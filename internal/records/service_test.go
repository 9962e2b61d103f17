package records

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/fieldsync/fieldsync/internal/common"
	"github.com/fieldsync/fieldsync/internal/events"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupService(t *testing.T) (*Service, *store.Store, *events.Bus) {
	t.Helper()
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	st, err := store.Open(context.Background(), ":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus()
	return NewService(st, bus, log), st, bus
}

func seedSurvey(t *testing.T, st *store.Store) {
	t.Helper()
	require.NoError(t, st.Surveys.Set(context.Background(), &models.Survey{
		FormID: "widgets",
		Title:  "Widget Survey",
		Form:   "<form/>",
		Model:  "<model/>",
		Hash:   "md5:aaa",
	}))
}

func draft(name string) *models.Record {
	return &models.Record{
		FormID: "widgets",
		Name:   name,
		XML:    "<data id=\"widgets\"><a>1</a></data>",
		Draft:  true,
	}
}

func TestSave_GeneratesInstanceIDAndDefaultName(t *testing.T) {
	svc, st, _ := setupService(t)
	seedSurvey(t, st)
	ctx := context.Background()

	r := draft("")
	require.NoError(t, svc.Save(ctx, r))

	assert.True(t, strings.HasPrefix(r.InstanceID, "uuid:"))
	assert.Equal(t, "Widget Survey - 1", r.Name)

	r2 := draft("")
	require.NoError(t, svc.Save(ctx, r2))
	assert.Equal(t, "Widget Survey - 2", r2.Name)
	assert.NotEqual(t, r.InstanceID, r2.InstanceID)
}

func TestSave_DefaultNameFallsBackToFormID(t *testing.T) {
	svc, _, _ := setupService(t)

	r := draft("")
	require.NoError(t, svc.Save(context.Background(), r))
	assert.Equal(t, "widgets - 1", r.Name)
}

func TestSave_IncompleteRecord(t *testing.T) {
	svc, _, _ := setupService(t)

	err := svc.Save(context.Background(), &models.Record{FormID: "widgets", Name: "x"})
	assert.ErrorIs(t, err, common.ErrRecordIncomplete)
}

func TestSave_DuplicateName(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	require.NoError(t, svc.Save(ctx, draft("same")))
	err := svc.Save(ctx, draft("same"))
	assert.ErrorIs(t, err, common.ErrNameNotUnique)
}

func TestSave_Events(t *testing.T) {
	svc, _, bus := setupService(t)
	ctx := context.Background()

	var saved, queue int
	bus.OnRecordSaved(func(string) { saved++ })
	bus.OnQueueChanged(func() { queue++ })

	require.NoError(t, svc.Save(ctx, draft("d1")))
	assert.Equal(t, 1, saved)
	assert.Zero(t, queue, "draft must not touch the queue")

	final := draft("f1")
	final.Draft = false
	require.NoError(t, svc.Save(ctx, final))
	assert.Equal(t, 2, saved)
	assert.Equal(t, 1, queue)
}

func TestAutoSave_ReservedSlotIsDraftAndSilent(t *testing.T) {
	svc, _, bus := setupService(t)
	ctx := context.Background()

	var fired int
	bus.OnRecordSaved(func(string) { fired++ })
	bus.OnQueueChanged(func() { fired++ })

	require.NoError(t, svc.AutoSave(ctx, "widgets", "<data><a>1</a></data>", nil))
	require.NoError(t, svc.AutoSave(ctx, "widgets", "<data><a>2</a></data>", nil))
	assert.Zero(t, fired)

	slot, err := svc.GetAutoSave(ctx, "widgets")
	require.NoError(t, err)
	assert.True(t, slot.Draft)
	assert.Equal(t, models.AutoSaveKey("widgets"), slot.InstanceID)
	assert.Equal(t, "<data><a>2</a></data>", slot.XML)

	// the slot is never listed
	list, err := svc.List(ctx, "widgets", false)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFinalize_EndToEnd(t *testing.T) {
	svc, st, _ := setupService(t)
	seedSurvey(t, st)
	ctx := context.Background()

	r := draft("visit 1")
	require.NoError(t, svc.Save(ctx, r))
	require.NoError(t, svc.AutoSave(ctx, "widgets", r.XML, nil))
	require.NoError(t, svc.AutoSave(ctx, "widgets", r.XML, nil))

	r.XML = "<data id=\"widgets\"><a>final</a></data>"
	require.NoError(t, svc.Finalize(ctx, r))
	assert.False(t, r.Draft)

	// exactly one record left, no orphan autosave
	list, err := svc.List(ctx, "widgets", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, r.InstanceID, list[0].InstanceID)
	_, err = svc.GetAutoSave(ctx, "widgets")
	assert.ErrorIs(t, err, common.ErrNotFound)

	// exactly one snapshot carrying the finalized XML
	snapshot, err := svc.LastSaved(ctx, "widgets")
	require.NoError(t, err)
	assert.Equal(t, r.XML, snapshot.XML)
}

func TestList_FinalOnly(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	require.NoError(t, svc.Save(ctx, draft("d1")))
	final := draft("f1")
	final.Draft = false
	require.NoError(t, svc.Save(ctx, final))

	all, err := svc.List(ctx, "widgets", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	finals, err := svc.List(ctx, "widgets", true)
	require.NoError(t, err)
	require.Len(t, finals, 1)
	assert.Equal(t, "f1", finals[0].Name)
}

func TestRemove_CascadesAndNotifiesQueue(t *testing.T) {
	svc, st, bus := setupService(t)
	ctx := context.Background()

	var queue int
	bus.OnQueueChanged(func() { queue++ })

	r := draft("d1")
	r.Files = []models.FileRef{models.MaterializedFile("photo.jpg", []byte("pix"))}
	require.NoError(t, svc.Save(ctx, r))

	require.NoError(t, svc.Remove(ctx, r.InstanceID))
	assert.Equal(t, 1, queue)

	_, err := svc.Get(ctx, r.InstanceID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = st.Records.GetFile(ctx, r.InstanceID, "photo.jpg")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDefaultName_CounterSurvivesDeletion(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	r := draft("")
	require.NoError(t, svc.Save(ctx, r))
	require.NoError(t, svc.Remove(ctx, r.InstanceID))

	r2 := draft("")
	require.NoError(t, svc.Save(ctx, r2))
	assert.Equal(t, "widgets - 2", r2.Name, "counter keeps growing across deletions")
}
