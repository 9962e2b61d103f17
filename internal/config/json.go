package config

import (
	"encoding/json"
	"os"

	"github.com/fieldsync/fieldsync/internal/flagx"
	"github.com/fieldsync/fieldsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "30s"
// or as integer nanoseconds.
type JsonConfig struct {
	CollectorURL        string         `json:"collector_url"`
	FormID              string         `json:"form_id"`
	DatabaseDSN         string         `json:"database_dsn"`
	SubmissionTimeout   timex.Duration `json:"submission_timeout"`
	DefaultMaxSize      int64          `json:"default_max_size"`
	QueueStartupDelay   timex.Duration `json:"queue_startup_delay"`
	QueueInterval       timex.Duration `json:"queue_interval"`
	CacheUpdateDelay    timex.Duration `json:"cache_update_delay"`
	CacheUpdateInterval timex.Duration `json:"cache_update_interval"`
}

// parseJson overlays Config with values loaded from a JSON file resolved via
// the -c/-config flags. Zero values in the file leave the existing setting
// untouched. Intended usage is: defaults -> parseJson -> parseFlags, where
// later stages override earlier ones.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.CollectorURL != "" {
		cfg.CollectorURL = jc.CollectorURL
	}
	if jc.FormID != "" {
		cfg.FormID = jc.FormID
	}
	if jc.DatabaseDSN != "" {
		cfg.DatabaseDSN = jc.DatabaseDSN
	}
	if jc.SubmissionTimeout.Duration != 0 {
		cfg.SubmissionTimeout = jc.SubmissionTimeout.Duration
	}
	if jc.DefaultMaxSize != 0 {
		cfg.DefaultMaxSize = jc.DefaultMaxSize
	}
	if jc.QueueStartupDelay.Duration != 0 {
		cfg.QueueStartupDelay = jc.QueueStartupDelay.Duration
	}
	if jc.QueueInterval.Duration != 0 {
		cfg.QueueInterval = jc.QueueInterval.Duration
	}
	if jc.CacheUpdateDelay.Duration != 0 {
		cfg.CacheUpdateDelay = jc.CacheUpdateDelay.Duration
	}
	if jc.CacheUpdateInterval.Duration != 0 {
		cfg.CacheUpdateInterval = jc.CacheUpdateInterval.Duration
	}
}
