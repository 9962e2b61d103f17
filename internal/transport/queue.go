package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/fieldsync/fieldsync/internal/common"
	"github.com/fieldsync/fieldsync/internal/cryptox"
	"github.com/fieldsync/fieldsync/internal/events"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/store"
)

// Queue drains final records to the collector. A single in-progress flag
// serializes drains: records upload strictly one at a time, in creation
// order, and a drain never runs concurrently with itself.
type Queue struct {
	conn      *Connection
	store     *store.Store
	encryptor *cryptox.Encryptor
	bus       *events.Bus
	log       logging.Logger

	formID         string
	defaultMaxSize int64
	startupDelay   time.Duration
	interval       time.Duration

	mu         sync.Mutex
	inProgress bool

	backoffMu   sync.Mutex
	stopBackoff context.CancelFunc
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	FormID         string
	DefaultMaxSize int64
	StartupDelay   time.Duration
	Interval       time.Duration
}

func NewQueue(conn *Connection, st *store.Store, enc *cryptox.Encryptor, bus *events.Bus, log logging.Logger, opts QueueOptions) *Queue {
	return &Queue{
		conn:           conn,
		store:          st,
		encryptor:      enc,
		bus:            bus,
		log:            log,
		formID:         opts.FormID,
		defaultMaxSize: opts.DefaultMaxSize,
		startupDelay:   opts.StartupDelay,
		interval:       opts.Interval,
	}
}

// Run drains the queue soon after startup and then on the configured
// interval, until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	select {
	case <-time.After(q.startupDelay):
	case <-ctx.Done():
		return
	}
	_ = q.UploadQueue(ctx)

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = q.UploadQueue(ctx)
		case <-ctx.Done():
			q.CancelBackoff()
			return
		}
	}
}

// UploadQueue attempts all final queued records once. It is a no-op when
// a drain is already in progress. When the collector is unreachable it
// schedules an exponential backoff retry; a 401 halts the drain without
// advancing to later records.
func (q *Queue) UploadQueue(ctx context.Context) error {
	if !q.begin() {
		return nil
	}
	defer q.end()

	if !q.conn.CheckOnline(ctx) {
		q.log.Debug(ctx, "collector unreachable, scheduling backoff retry")
		q.scheduleBackoff()
		return common.ErrOffline
	}
	q.CancelBackoff()

	queued, err := q.store.Records.GetAll(ctx, q.formID, true)
	if err != nil {
		return err
	}
	queued = filterUploadable(queued)
	sort.SliceStable(queued, func(i, j int) bool {
		return queued[i].Created.Before(queued[j].Created)
	})

	total := len(queued)
	for i, r := range queued {
		q.bus.Progress(events.UploadProgress{InstanceID: r.InstanceID, Status: events.StatusOngoing, Index: i + 1, Total: total})

		if err := q.uploadOne(ctx, r.InstanceID); err != nil {
			q.bus.Progress(events.UploadProgress{InstanceID: r.InstanceID, Status: events.StatusError, Index: i + 1, Total: total})
			if errors.Is(err, common.ErrAuthRequired) {
				q.log.Warn(ctx, "collector requires authentication, halting queue")
				return err
			}
			q.log.Warn(ctx, "record upload failed", "instance_id", r.InstanceID, "error", err)
			continue
		}
		q.bus.Progress(events.UploadProgress{InstanceID: r.InstanceID, Status: events.StatusSuccess, Index: i + 1, Total: total})
	}
	return nil
}

// uploadOne submits a single record and, on success, removes it from the
// store and logs its instance id as submitted.
func (q *Queue) uploadOne(ctx context.Context, instanceID string) error {
	record, err := q.store.Records.Get(ctx, instanceID)
	if err != nil {
		return err
	}

	survey, err := q.store.Surveys.Get(ctx, record.FormID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}

	maxSize := q.defaultMaxSize
	if survey != nil && survey.MaxSize > 0 {
		maxSize = survey.MaxSize
	}
	if cryptox.Enabled(survey) {
		form := cryptox.FormKey{ID: record.FormID, Version: survey.Version, EncryptionKey: survey.EncryptionKey}
		if err := q.encryptor.EncryptRecord(form, record); err != nil {
			return err
		}
	}

	failedFiles, err := q.conn.UploadRecord(ctx, record, maxSize)
	if err != nil {
		return err
	}
	if len(failedFiles) > 0 {
		q.log.Warn(ctx, "record uploaded with missing attachments", "instance_id", instanceID, "failed_files", failedFiles)
	}

	if err := q.store.Records.Remove(ctx, instanceID); err != nil {
		return err
	}
	if err := q.store.Properties.AddSubmittedInstanceID(ctx, record.FormID, instanceID); err != nil {
		q.log.Warn(ctx, "failed to log submitted instance id", "instance_id", instanceID, "error", err)
	}
	q.bus.QueueChanged()
	return nil
}

// scheduleBackoff starts an exponential retry loop: the first attempt
// happens after one second and the delay doubles from there, capped at
// five minutes per wait and bounded in total, after which the regular
// interval takes over. A loop already running is left alone.
func (q *Queue) scheduleBackoff() {
	q.backoffMu.Lock()
	defer q.backoffMu.Unlock()
	if q.stopBackoff != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.stopBackoff = cancel

	go func() {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}

		_ = retry.Do(ctx, retryBackoff(), func(ctx context.Context) error {
			if err := q.UploadQueue(ctx); errors.Is(err, common.ErrOffline) {
				return retry.RetryableError(err)
			}
			return nil
		})
	}()
}

// retryBackoff doubles from two seconds between attempts. Together with
// the one second wait before the first attempt, retries happen 1s, 2s,
// 4s, ... after going offline.
func retryBackoff() retry.Backoff {
	b := retry.NewExponential(2 * time.Second)
	b = retry.WithCappedDuration(5*time.Minute, b)
	b = retry.WithMaxDuration(10*time.Minute, b)
	return b
}

// CancelBackoff stops a pending backoff loop and resets its state; the
// next failure starts over from the initial delay.
func (q *Queue) CancelBackoff() {
	q.backoffMu.Lock()
	defer q.backoffMu.Unlock()
	if q.stopBackoff != nil {
		q.stopBackoff()
		q.stopBackoff = nil
	}
}

func (q *Queue) begin() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inProgress {
		return false
	}
	q.inProgress = true
	return true
}

func (q *Queue) end() {
	q.mu.Lock()
	q.inProgress = false
	q.mu.Unlock()
}

func filterUploadable(records []models.Record) []models.Record {
	result := records[:0:0]
	for _, r := range records {
		if models.IsReservedInstanceID(r.InstanceID) {
			continue
		}
		result = append(result, r)
	}
	return result
}
