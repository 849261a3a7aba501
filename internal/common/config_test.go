package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gleaner.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, 10*time.Second, cfg.PollInterval())
	assert.Equal(t, 30*time.Minute, cfg.JobTimeout())
	assert.Equal(t, 10, cfg.Worker.ItemsPerTick.Crawl)
	assert.Equal(t, 50, cfg.Worker.ItemsPerTick.VideoDiscovery)
	assert.Equal(t, 1, cfg.Worker.ItemsPerTick.VideoProcessing)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFiles_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
[coordinator]
url = "https://coordinator.example.com"
api_key = "test-key"

[worker]
poll_interval = "5s"
job_timeout = "15m"

[worker.items_per_tick]
crawl = 4
`)

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, "https://coordinator.example.com", cfg.Coordinator.URL)
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, 15*time.Minute, cfg.JobTimeout())
	assert.Equal(t, 4, cfg.Worker.ItemsPerTick.Crawl)
	// Untouched defaults survive the merge
	assert.Equal(t, 10, cfg.Worker.ItemsPerTick.Discovery)
}

func TestLoadFromFiles_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
[coordinator]
url = "https://coordinator.example.com"
api_key = "file-key"
`)

	t.Setenv("API_KEY", "env-key")
	t.Setenv("POLL_INTERVAL_SECONDS", "25")
	t.Setenv("JOB_TIMEOUT_MINUTES", "45")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Coordinator.APIKey)
	assert.Equal(t, 25*time.Second, cfg.PollInterval())
	assert.Equal(t, 45*time.Minute, cfg.JobTimeout())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles("/nonexistent/gleaner.toml")
	assert.Error(t, err)
}

func TestValidate_MissingAPIKey(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Coordinator.URL = "https://coordinator.example.com"
	cfg.Coordinator.APIKey = ""

	assert.Error(t, cfg.Validate())
}

func TestValidate_BadDuration(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Coordinator.URL = "https://coordinator.example.com"
	cfg.Coordinator.APIKey = "key"
	cfg.Worker.PollInterval = "soon"

	assert.Error(t, cfg.Validate())
}

func TestValidate_OK(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Coordinator.URL = "https://coordinator.example.com"
	cfg.Coordinator.APIKey = "key"

	assert.NoError(t, cfg.Validate())
}
