package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/pricefinder/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Tracker     TrackerConfig     `yaml:"tracker" mapstructure:"tracker"`
	Serpapi     SerpapiConfig     `yaml:"serpapi" mapstructure:"serpapi"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	RenderFetch RenderFetchConfig `yaml:"renderfetch" mapstructure:"renderfetch"`
	Search      SearchConfig      `yaml:"search" mapstructure:"search"`
	Analyzer    AnalyzerConfig    `yaml:"analyzer" mapstructure:"analyzer"`
	Crawl       CrawlConfig       `yaml:"crawl" mapstructure:"crawl"`
	Download    DownloadConfig    `yaml:"download" mapstructure:"download"`
	Validate    ValidateConfig    `yaml:"validate" mapstructure:"validate"`
	Match       MatchConfig       `yaml:"match" mapstructure:"match"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// TrackerConfig configures the status-tracking backend.
type TrackerConfig struct {
	Driver              string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL         string `yaml:"database_url" mapstructure:"database_url"`
	StaleClaimAfterMins int    `yaml:"stale_claim_after_mins" mapstructure:"stale_claim_after_mins"`
}

// SerpapiConfig holds SerpAPI credentials and endpoint.
type SerpapiConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// RenderFetchConfig holds the JS-rendering fetch service settings.
type RenderFetchConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// SearchConfig configures the web search phase.
type SearchConfig struct {
	MaxResults  int     `yaml:"max_results" mapstructure:"max_results"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// AnalyzerConfig configures search-result scoring.
type AnalyzerConfig struct {
	LinkConfidenceThreshold float64 `yaml:"link_confidence_threshold" mapstructure:"link_confidence_threshold"`
	MaxCrawlCandidates      int     `yaml:"max_crawl_candidates" mapstructure:"max_crawl_candidates"`
	EarlyStopConfidence     float64 `yaml:"early_stop_confidence" mapstructure:"early_stop_confidence"`
}

// CrawlConfig configures candidate-page crawling.
type CrawlConfig struct {
	PageTimeoutSecs int  `yaml:"page_timeout_secs" mapstructure:"page_timeout_secs"`
	MaxFileLinks    int  `yaml:"max_file_links" mapstructure:"max_file_links"`
	RespectRobots   bool `yaml:"respect_robots" mapstructure:"respect_robots"`
}

// DownloadConfig configures file downloads.
type DownloadConfig struct {
	MaxFileSizeMB int    `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb"`
	MaxInflight   int    `yaml:"max_inflight" mapstructure:"max_inflight"`
	Dir           string `yaml:"dir" mapstructure:"dir"`
	MaxAttempts   int    `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ValidateConfig configures content validation.
type ValidateConfig struct {
	MinRows                    int     `yaml:"min_rows" mapstructure:"min_rows"`
	MinPriceColumns            int     `yaml:"min_price_columns" mapstructure:"min_price_columns"`
	StructuralWeight           float64 `yaml:"structural_weight" mapstructure:"structural_weight"`
	ContentValidationThreshold float64 `yaml:"content_validation_threshold" mapstructure:"content_validation_threshold"`
	SampleRows                 int     `yaml:"sample_rows" mapstructure:"sample_rows"`
}

// MatchConfig configures hospital name matching.
type MatchConfig struct {
	HospitalMatchThreshold float64 `yaml:"hospital_match_threshold" mapstructure:"hospital_match_threshold"`
	LLMBand                float64 `yaml:"llm_band" mapstructure:"llm_band"`
	RulesPath              string  `yaml:"rules_path" mapstructure:"rules_path"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Concurrency       int `yaml:"concurrency" mapstructure:"concurrency"`
	ShutdownGraceSecs int `yaml:"shutdown_grace_secs" mapstructure:"shutdown_grace_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PRICEFINDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("tracker.driver", "sqlite")
	v.SetDefault("tracker.database_url", "hospital_prices.db")
	v.SetDefault("tracker.stale_claim_after_mins", 30)
	v.SetDefault("serpapi.base_url", "https://serpapi.com")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("renderfetch.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("search.max_results", 10)
	v.SetDefault("search.timeout_secs", 30)
	v.SetDefault("search.rate_per_sec", 1.0)
	v.SetDefault("search.burst", 1)
	v.SetDefault("search.max_attempts", 3)
	v.SetDefault("analyzer.link_confidence_threshold", 0.6)
	v.SetDefault("analyzer.max_crawl_candidates", 3)
	v.SetDefault("analyzer.early_stop_confidence", 0.9)
	v.SetDefault("crawl.page_timeout_secs", 30)
	v.SetDefault("crawl.max_file_links", 2)
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("download.max_file_size_mb", 100)
	v.SetDefault("download.max_inflight", 4)
	v.SetDefault("download.dir", "downloads")
	v.SetDefault("download.max_attempts", 3)
	v.SetDefault("validate.min_rows", 10)
	v.SetDefault("validate.min_price_columns", 1)
	v.SetDefault("validate.structural_weight", 0.5)
	v.SetDefault("validate.content_validation_threshold", 0.8)
	v.SetDefault("validate.sample_rows", 20)
	v.SetDefault("match.hospital_match_threshold", 0.8)
	v.SetDefault("match.llm_band", 0.15)
	v.SetDefault("match.rules_path", "")
	v.SetDefault("batch.concurrency", 5)
	v.SetDefault("batch.shutdown_grace_secs", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// CheckValid verifies required credentials and threshold ranges.
func (c *Config) CheckValid() error {
	if c.Serpapi.Key == "" {
		return resilience.NewConfigurationError("serpapi.key is required")
	}
	if c.Anthropic.Key == "" {
		return resilience.NewConfigurationError("anthropic.key is required")
	}
	if c.Tracker.Driver != "sqlite" && c.Tracker.Driver != "postgres" {
		return resilience.NewConfigurationError(fmt.Sprintf("unknown tracker driver %q", c.Tracker.Driver))
	}
	for name, val := range map[string]float64{
		"analyzer.link_confidence_threshold":    c.Analyzer.LinkConfidenceThreshold,
		"validate.content_validation_threshold": c.Validate.ContentValidationThreshold,
		"validate.structural_weight":            c.Validate.StructuralWeight,
		"match.hospital_match_threshold":        c.Match.HospitalMatchThreshold,
	} {
		if val < 0 || val > 1 {
			return resilience.NewConfigurationError(fmt.Sprintf("%s must be in [0,1], got %v", name, val))
		}
	}
	if c.Batch.Concurrency < 1 {
		return resilience.NewConfigurationError("batch.concurrency must be at least 1")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
