// Package formcache keeps the locally stored form definition in sync with
// the collector: initial fetch, periodic staleness checks by content hash,
// media resource loading and purge of forms the collector no longer knows.
package formcache

import (
	"context"
	"errors"
	"time"

	"github.com/fieldsync/fieldsync/internal/common"
	"github.com/fieldsync/fieldsync/internal/events"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/fieldsync/fieldsync/internal/transport"
)

// Synchronizer reconciles one form's cached definition with the collector.
type Synchronizer struct {
	conn  *transport.Connection
	store *store.Store
	bus   *events.Bus
	log   logging.Logger

	formID         string
	defaultMaxSize int64
	updateDelay    time.Duration
	updateInterval time.Duration
}

// Options configures a Synchronizer.
type Options struct {
	FormID         string
	DefaultMaxSize int64
	UpdateDelay    time.Duration
	UpdateInterval time.Duration
}

func NewSynchronizer(conn *transport.Connection, st *store.Store, bus *events.Bus, log logging.Logger, opts Options) *Synchronizer {
	return &Synchronizer{
		conn:           conn,
		store:          st,
		bus:            bus,
		log:            log,
		formID:         opts.FormID,
		defaultMaxSize: opts.DefaultMaxSize,
		updateDelay:    opts.UpdateDelay,
		updateInterval: opts.UpdateInterval,
	}
}

// Init returns the cached survey, fetching and storing it first when
// nothing is cached yet. Media is loaded on the first fetch; failures
// there are tolerated.
func (s *Synchronizer) Init(ctx context.Context) (*models.Survey, error) {
	survey, err := s.store.Surveys.Get(ctx, s.formID)
	if err == nil {
		return survey, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	survey, err = s.conn.GetForm(ctx, s.formID)
	if err != nil {
		return nil, err
	}
	s.ensureMaxSize(ctx, survey)
	if err := s.store.Surveys.Set(ctx, survey); err != nil {
		return nil, err
	}
	if err := s.loadMedia(ctx, survey); err != nil {
		s.log.Warn(ctx, "failed to load form media", "form_id", s.formID, "error", err)
	}
	return survey, nil
}

// Run performs a staleness check shortly after startup and then on the
// configured interval, until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) {
	select {
	case <-time.After(s.updateDelay):
	case <-ctx.Done():
		return
	}
	s.check(ctx)

	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Synchronizer) check(ctx context.Context) {
	if err := s.Update(ctx); err != nil {
		s.log.Warn(ctx, "form staleness check failed", "form_id", s.formID, "error", err)
	}
}

// Update compares the stored content hash against the collector's. On
// mismatch the full definition is refetched and stored with its media
// list cleared (lazily rebuilt by the next media load), the
// form-updated hook fires exactly once and binaries the new definition
// no longer references are pruned. A 404 purges the cached survey and
// its resources; it is not an error. Equal hashes write nothing.
func (s *Synchronizer) Update(ctx context.Context) error {
	stored, err := s.store.Surveys.Get(ctx, s.formID)
	if errors.Is(err, common.ErrNotFound) {
		_, err := s.Init(ctx)
		return err
	}
	if err != nil {
		return err
	}

	remoteHash, err := s.conn.GetFormHash(ctx, s.formID)
	if errors.Is(err, common.ErrServiceNotFound) {
		s.log.Info(ctx, "form gone from collector, purging cache", "form_id", s.formID)
		return s.store.Surveys.Remove(ctx, s.formID)
	}
	if err != nil {
		return err
	}
	if remoteHash == stored.Hash {
		return nil
	}

	fresh, err := s.conn.GetForm(ctx, s.formID)
	if err != nil {
		return err
	}
	previous := stored.Resources
	media := fresh.Resources
	fresh.Resources = nil
	s.ensureMaxSize(ctx, fresh)

	if err := s.store.Surveys.Update(ctx, fresh, nil); err != nil {
		return err
	}
	s.bus.FormUpdated(s.formID)

	fresh.Resources = media
	if err := s.loadMedia(ctx, fresh); err != nil {
		s.log.Warn(ctx, "failed to refresh form media", "form_id", s.formID, "error", err)
	}
	s.pruneMedia(ctx, previous, media)
	return nil
}

// pruneMedia drops stored binaries that the refetched definition no
// longer references. The stored resource list is cleared before the
// refetch, so the store cannot compute this diff itself; the previous
// list is captured here instead. Failures are logged and the orphan is
// picked up again on the next refetch.
func (s *Synchronizer) pruneMedia(ctx context.Context, previous, current []string) {
	referenced := make(map[string]struct{}, len(current))
	for _, url := range current {
		referenced[url] = struct{}{}
	}
	for _, url := range previous {
		if _, ok := referenced[url]; ok {
			continue
		}
		if err := s.store.Surveys.RemoveResource(ctx, s.formID, url); err != nil {
			s.log.Warn(ctx, "failed to prune stale media resource", "url", url, "error", err)
		}
	}
}

// loadMedia fetches the survey's media resources and stores them together
// with the reconciled resource list. Repeated references to the same URL
// are fetched once; individual fetch failures are logged and the failing
// URL excluded without aborting the rest.
func (s *Synchronizer) loadMedia(ctx context.Context, survey *models.Survey) error {
	if survey.Resources == nil {
		return nil
	}

	fetched := make(map[string][]byte)
	var ok []string
	var resources []models.Resource
	for _, url := range survey.Resources {
		if _, seen := fetched[url]; seen {
			continue
		}
		data, err := s.conn.GetMediaFile(ctx, url)
		if err != nil {
			s.log.Warn(ctx, "failed to fetch media resource", "url", url, "error", err)
			continue
		}
		fetched[url] = data
		ok = append(ok, url)
		resources = append(resources, models.Resource{URL: url, Item: data})
	}

	loaded := *survey
	loaded.Resources = ok
	if loaded.Resources == nil {
		loaded.Resources = []string{}
	}
	if err := s.store.Surveys.Update(ctx, &loaded, resources); err != nil {
		return err
	}
	survey.Resources = loaded.Resources
	return nil
}

// ensureMaxSize fills in the submission ceiling when the form definition
// does not carry one, asking the collector and falling back to the
// configured default.
func (s *Synchronizer) ensureMaxSize(ctx context.Context, survey *models.Survey) {
	if survey.MaxSize > 0 {
		return
	}
	survey.MaxSize = s.conn.MaxSubmissionSize(ctx, s.defaultMaxSize)
}

// Flush drops the cached survey and its media.
func (s *Synchronizer) Flush(ctx context.Context) error {
	return s.store.Surveys.Remove(ctx, s.formID)
}
