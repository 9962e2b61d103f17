package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/fieldsync/fieldsync/internal/common"
	"github.com/fieldsync/fieldsync/internal/cryptox"
	"github.com/fieldsync/fieldsync/internal/events"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupQueue(t *testing.T, handler http.Handler) (*Queue, *store.Store, *events.Bus) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	conn, bus := newTestConnection(t, handler)
	q := NewQueue(conn, st, cryptox.New(), bus, discardLogger(), QueueOptions{
		FormID:         "widgets",
		DefaultMaxSize: 1000,
		StartupDelay:   time.Hour,
		Interval:       time.Hour,
	})
	t.Cleanup(q.CancelBackoff)
	return q, st, bus
}

// seedRecord inserts a record row directly so creation order is explicit.
func seedRecord(t *testing.T, st *store.Store, instanceID, name string, draft bool, created int64) {
	t.Helper()
	d := 0
	if draft {
		d = 1
	}
	_, err := st.DB().Exec(`INSERT INTO records (instance_id, form_id, name, xml, draft, created, updated)
		VALUES (?, 'widgets', ?, '<data id="widgets"><a>1</a></data>', ?, ?, ?)`,
		instanceID, name, d, created, created)
	require.NoError(t, err)
}

func TestUploadQueue_DrainsFinalRecordsInCreationOrder(t *testing.T) {
	var mu sync.Mutex
	var uploaded []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		mu.Lock()
		uploaded = append(uploaded, r.Header.Get("X-OpenRosa-Instance-Id"))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	q, st, bus := setupQueue(t, handler)
	ctx := context.Background()

	seedRecord(t, st, "uuid:q2", "r2", false, 200)
	seedRecord(t, st, "uuid:q1", "r1", false, 100)
	seedRecord(t, st, "uuid:q3", "draft", true, 50)

	var progress []events.UploadProgress
	bus.OnUploadProgress(func(p events.UploadProgress) { progress = append(progress, p) })

	require.NoError(t, q.UploadQueue(ctx))

	assert.Equal(t, []string{"uuid:q1", "uuid:q2"}, uploaded)

	// uploaded finals are gone, draft remains
	_, err := st.Records.Get(ctx, "uuid:q1")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = st.Records.Get(ctx, "uuid:q2")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = st.Records.Get(ctx, "uuid:q3")
	assert.NoError(t, err)

	// submitted log in upload order
	stats, err := st.Properties.GetSurveyStats(ctx, "widgets")
	require.NoError(t, err)
	assert.Equal(t, []string{"uuid:q1", "uuid:q2"}, stats.Submitted)

	require.Len(t, progress, 4)
	assert.Equal(t, events.UploadProgress{InstanceID: "uuid:q1", Status: events.StatusOngoing, Index: 1, Total: 2}, progress[0])
	assert.Equal(t, events.UploadProgress{InstanceID: "uuid:q1", Status: events.StatusSuccess, Index: 1, Total: 2}, progress[1])
	assert.Equal(t, events.StatusOngoing, progress[2].Status)
	assert.Equal(t, events.StatusSuccess, progress[3].Status)
}

func TestUploadQueue_AuthRequiredHaltsQueue(t *testing.T) {
	var posts int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		posts++
		w.WriteHeader(http.StatusUnauthorized)
	})
	q, st, _ := setupQueue(t, handler)
	ctx := context.Background()

	seedRecord(t, st, "uuid:a1", "r1", false, 100)
	seedRecord(t, st, "uuid:a2", "r2", false, 200)

	err := q.UploadQueue(ctx)
	assert.ErrorIs(t, err, common.ErrAuthRequired)
	assert.Equal(t, 1, posts, "second record must not be attempted")

	// nothing removed
	_, err = st.Records.Get(ctx, "uuid:a1")
	assert.NoError(t, err)
	_, err = st.Records.Get(ctx, "uuid:a2")
	assert.NoError(t, err)
}

func TestUploadQueue_TransportFailureContinuesToNextRecord(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		if r.Header.Get("X-OpenRosa-Instance-Id") == "uuid:f1" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	q, st, _ := setupQueue(t, handler)
	ctx := context.Background()

	seedRecord(t, st, "uuid:f1", "r1", false, 100)
	seedRecord(t, st, "uuid:f2", "r2", false, 200)

	require.NoError(t, q.UploadQueue(ctx))

	// failed record kept for the next drain, succeeded one removed
	_, err := st.Records.Get(ctx, "uuid:f1")
	assert.NoError(t, err)
	_, err = st.Records.Get(ctx, "uuid:f2")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUploadQueue_MissingAttachmentDoesNotBlockUpload(t *testing.T) {
	var fields []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		require.NoError(t, r.ParseMultipartForm(1<<20))
		for field := range r.MultipartForm.File {
			if field != xmlSubmissionField {
				fields = append(fields, field)
			}
		}
		w.WriteHeader(http.StatusCreated)
	})
	q, st, _ := setupQueue(t, handler)
	ctx := context.Background()

	// record row references three files but the second blob never landed
	_, err := st.DB().Exec(`INSERT INTO records (instance_id, form_id, name, xml, draft, files, created, updated)
		VALUES ('uuid:m1', 'widgets', 'r1', ?, 0, '["file1","file2","file3"]', 100, 100)`,
		refXML("file1", "file2", "file3"))
	require.NoError(t, err)
	require.NoError(t, st.Records.UpdateFile(ctx, "uuid:m1", models.MaterializedFile("file1", []byte("one"))))
	require.NoError(t, st.Records.UpdateFile(ctx, "uuid:m1", models.MaterializedFile("file3", []byte("three"))))

	require.NoError(t, q.UploadQueue(ctx))

	assert.ElementsMatch(t, []string{"file1", "file3"}, fields)
	_, err = st.Records.Get(ctx, "uuid:m1")
	assert.ErrorIs(t, err, common.ErrNotFound, "upload succeeds despite the missing attachment")
}

func TestUploadQueue_OfflineSchedulesBackoff(t *testing.T) {
	q, st, _ := setupQueue(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ctx := context.Background()

	// point the connection at a dead server
	q.conn = NewConnection("http://127.0.0.1:1", 50*time.Millisecond, events.NewBus(), discardLogger())

	seedRecord(t, st, "uuid:o1", "r1", false, 100)

	err := q.UploadQueue(ctx)
	assert.ErrorIs(t, err, common.ErrOffline)

	// record untouched, retry loop scheduled
	_, err = st.Records.Get(ctx, "uuid:o1")
	assert.NoError(t, err)
	q.backoffMu.Lock()
	assert.NotNil(t, q.stopBackoff)
	q.backoffMu.Unlock()
}

func TestRetryBackoff_DoublesFromTwoSecondsAndCaps(t *testing.T) {
	b := retryBackoff()

	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 64 * time.Second, 128 * time.Second, 256 * time.Second,
		5 * time.Minute, 5 * time.Minute,
	}
	for i, w := range want {
		d, stop := b.Next()
		require.False(t, stop, "attempt %d", i)
		assert.Equal(t, w, d, "attempt %d", i)
	}
}

func TestUploadQueue_EncryptsWhenSurveyHasKey(t *testing.T) {
	var xmlBody string
	var fileNames []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, _, err := r.FormFile(xmlSubmissionField)
		require.NoError(t, err)
		b := make([]byte, 1<<20)
		n, _ := f.Read(b)
		xmlBody = string(b[:n])
		for field := range r.MultipartForm.File {
			if field != xmlSubmissionField {
				fileNames = append(fileNames, field)
			}
		}
		w.WriteHeader(http.StatusCreated)
	})
	q, st, _ := setupQueue(t, handler)
	ctx := context.Background()

	require.NoError(t, st.Surveys.Set(ctx, &models.Survey{
		FormID:        "widgets",
		Title:         "Widgets",
		Form:          "<form/>",
		Model:         "<model/>",
		Hash:          "md5:aaa",
		EncryptionKey: testPublicKeyBase64(t),
	}))
	seedRecord(t, st, "uuid:e1", "r1", false, 100)

	require.NoError(t, q.UploadQueue(ctx))

	assert.Contains(t, xmlBody, `encrypted="yes"`)
	assert.Contains(t, xmlBody, "<base64EncryptedKey>")
	assert.Equal(t, []string{"submission.xml.enc"}, fileNames)
}

func testPublicKeyBase64(t *testing.T) string {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(der)
}

func TestUploadQueue_NoConcurrentDrains(t *testing.T) {
	q, _, _ := setupQueue(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	require.True(t, q.begin())
	assert.NoError(t, q.UploadQueue(context.Background()), "second drain is a silent no-op")
	q.end()
}
