package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/pricefinder/internal/resilience"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Tracker.Driver)
	assert.Equal(t, "hospital_prices.db", cfg.Tracker.DatabaseURL)
	assert.Equal(t, 30, cfg.Tracker.StaleClaimAfterMins)
	assert.Equal(t, "https://serpapi.com", cfg.Serpapi.BaseURL)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, 1024, cfg.Anthropic.MaxTokens)
	assert.Equal(t, 10, cfg.Search.MaxResults)
	assert.Equal(t, 30, cfg.Search.TimeoutSecs)
	assert.InDelta(t, 0.6, cfg.Analyzer.LinkConfidenceThreshold, 0.001)
	assert.Equal(t, 3, cfg.Analyzer.MaxCrawlCandidates)
	assert.InDelta(t, 0.9, cfg.Analyzer.EarlyStopConfidence, 0.001)
	assert.Equal(t, 2, cfg.Crawl.MaxFileLinks)
	assert.True(t, cfg.Crawl.RespectRobots)
	assert.Equal(t, 100, cfg.Download.MaxFileSizeMB)
	assert.Equal(t, 4, cfg.Download.MaxInflight)
	assert.Equal(t, 10, cfg.Validate.MinRows)
	assert.Equal(t, 1, cfg.Validate.MinPriceColumns)
	assert.InDelta(t, 0.5, cfg.Validate.StructuralWeight, 0.001)
	assert.InDelta(t, 0.8, cfg.Validate.ContentValidationThreshold, 0.001)
	assert.InDelta(t, 0.8, cfg.Match.HospitalMatchThreshold, 0.001)
	assert.InDelta(t, 0.15, cfg.Match.LLMBand, 0.001)
	assert.Equal(t, 5, cfg.Batch.Concurrency)
	assert.Equal(t, 30, cfg.Batch.ShutdownGraceSecs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
tracker:
  driver: postgres
  database_url: postgres://localhost/prices
log:
  level: debug
  format: console
batch:
  concurrency: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Tracker.Driver)
	assert.Equal(t, "postgres://localhost/prices", cfg.Tracker.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 10, cfg.Batch.Concurrency)
	// Defaults still apply for unset values
	assert.Equal(t, 10, cfg.Search.MaxResults)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
log:
  level: warn
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))
	t.Setenv("PRICEFINDER_LOG_LEVEL", "debug")
	t.Setenv("PRICEFINDER_SERPAPI_KEY", "env-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "env-key", cfg.Serpapi.Key)
}

func TestCheckValid(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		cfg.Serpapi.Key = "k"
		cfg.Anthropic.Key = "k"
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().CheckValid())
	})

	t.Run("missing serpapi key", func(t *testing.T) {
		cfg := base()
		cfg.Serpapi.Key = ""
		err := cfg.CheckValid()
		require.Error(t, err)
		assert.True(t, resilience.IsConfiguration(err))
	})

	t.Run("missing anthropic key", func(t *testing.T) {
		cfg := base()
		cfg.Anthropic.Key = ""
		assert.True(t, resilience.IsConfiguration(cfg.CheckValid()))
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := base()
		cfg.Tracker.Driver = "mysql"
		assert.True(t, resilience.IsConfiguration(cfg.CheckValid()))
	})

	t.Run("threshold out of range", func(t *testing.T) {
		cfg := base()
		cfg.Match.HospitalMatchThreshold = 1.2
		assert.True(t, resilience.IsConfiguration(cfg.CheckValid()))
	})

	t.Run("zero concurrency", func(t *testing.T) {
		cfg := base()
		cfg.Batch.Concurrency = 0
		assert.True(t, resilience.IsConfiguration(cfg.CheckValid()))
	})
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	assert.Error(t, InitLogger(LogConfig{Level: "bogus", Format: "json"}))
}
