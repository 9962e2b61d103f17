// Package config holds runtime settings for the fieldsync client,
// assembled from defaults, an optional JSON file and command-line flags,
// in that order of precedence.
package config

import "time"

// Config holds runtime settings for the fieldsync client.
type Config struct {
	// CollectorURL is the base URL of the remote collector.
	CollectorURL string

	// FormID identifies the form this client instance works with.
	FormID string

	// DatabaseDSN is the SQLite DSN of the local object store.
	DatabaseDSN string

	// SubmissionTimeout bounds a single batch upload request.
	SubmissionTimeout time.Duration

	// DefaultMaxSize is the submission size ceiling used until the
	// collector reports its own.
	DefaultMaxSize int64

	// QueueStartupDelay is the pause before the first queue drain after
	// startup.
	QueueStartupDelay time.Duration

	// QueueInterval is the period between scheduled queue drains.
	QueueInterval time.Duration

	// CacheUpdateDelay is the pause before the first form staleness check.
	CacheUpdateDelay time.Duration

	// CacheUpdateInterval is the period between form staleness checks.
	CacheUpdateInterval time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.CollectorURL = "http://127.0.0.1:8005"
	c.DatabaseDSN = "fieldsync.db"
	c.SubmissionTimeout = 300 * time.Second
	c.DefaultMaxSize = 5 * 1000 * 1000
	c.QueueStartupDelay = 30 * time.Second
	c.QueueInterval = 5 * time.Minute
	c.CacheUpdateDelay = 3 * time.Minute
	c.CacheUpdateInterval = 20 * time.Minute
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present). Later sources
// take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
