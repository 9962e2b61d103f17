package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"fieldsync"}

	cfg := LoadConfig()

	assert.Equal(t, "http://127.0.0.1:8005", cfg.CollectorURL)
	assert.Equal(t, "fieldsync.db", cfg.DatabaseDSN)
	assert.Equal(t, 300*time.Second, cfg.SubmissionTimeout)
	assert.Equal(t, int64(5*1000*1000), cfg.DefaultMaxSize)
	assert.Equal(t, 5*time.Minute, cfg.QueueInterval)
	assert.Equal(t, 20*time.Minute, cfg.CacheUpdateInterval)
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"fieldsync", "-u", "https://collector.example.com", "-f", "widgets", "-t", "60"}

	cfg := LoadConfig()

	assert.Equal(t, "https://collector.example.com", cfg.CollectorURL)
	assert.Equal(t, "widgets", cfg.FormID)
	assert.Equal(t, 60*time.Second, cfg.SubmissionTimeout)
}

func TestLoadConfig_JsonThenFlags(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	path := filepath.Join(t.TempDir(), "conf.json")
	data := `{
		"collector_url": "https://json.example.com",
		"form_id": "from-json",
		"queue_interval": "10m",
		"submission_timeout": "120s"
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	os.Args = []string{"fieldsync", "-c", path, "-f", "from-flag"}

	cfg := LoadConfig()

	// flags beat JSON, JSON beats defaults
	assert.Equal(t, "from-flag", cfg.FormID)
	assert.Equal(t, "https://json.example.com", cfg.CollectorURL)
	assert.Equal(t, 10*time.Minute, cfg.QueueInterval)
	assert.Equal(t, 120*time.Second, cfg.SubmissionTimeout)
}
