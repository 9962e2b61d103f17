// Package cli wires the fieldsync components together and exposes them as
// commands.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/cryptox"
	"github.com/fieldsync/fieldsync/internal/events"
	"github.com/fieldsync/fieldsync/internal/formcache"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/records"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/fieldsync/fieldsync/internal/transport"

	_ "modernc.org/sqlite"
)

// App holds the assembled client: store, record lifecycle, transport and
// form cache, all sharing one event bus and logger.
type App struct {
	Config  *config.Config
	Log     logging.Logger
	Bus     *events.Bus
	Store   *store.Store
	Records *records.Service
	Conn    *transport.Connection
	Queue   *transport.Queue
	Cache   *formcache.Synchronizer
}

// NewApp opens the local store and wires every component from the given
// configuration.
func NewApp(ctx context.Context, cfg *config.Config, verbose bool) (*App, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	st, err := store.Open(ctx, cfg.DatabaseDSN, log)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	conn := transport.NewConnection(cfg.CollectorURL, cfg.SubmissionTimeout, bus, log)
	queue := transport.NewQueue(conn, st, cryptox.New(), bus, log, transport.QueueOptions{
		FormID:         cfg.FormID,
		DefaultMaxSize: cfg.DefaultMaxSize,
		StartupDelay:   cfg.QueueStartupDelay,
		Interval:       cfg.QueueInterval,
	})
	cache := formcache.NewSynchronizer(conn, st, bus, log, formcache.Options{
		FormID:         cfg.FormID,
		DefaultMaxSize: cfg.DefaultMaxSize,
		UpdateDelay:    cfg.CacheUpdateDelay,
		UpdateInterval: cfg.CacheUpdateInterval,
	})

	return &App{
		Config:  cfg,
		Log:     log,
		Bus:     bus,
		Store:   st,
		Records: records.NewService(st, bus, log),
		Conn:    conn,
		Queue:   queue,
		Cache:   cache,
	}, nil
}

func (a *App) Close() error {
	a.Queue.CancelBackoff()
	return a.Store.Close()
}
