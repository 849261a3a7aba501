package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the worker configuration
type Config struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Worker      WorkerConfig      `toml:"worker"`
	Logging     LoggingConfig     `toml:"logging"`
	Scraper     ScraperConfig     `toml:"scraper"`
	Catalog     CatalogConfig     `toml:"catalog"`
	Video       VideoConfig       `toml:"video"`
	Claude      ClaudeConfig      `toml:"claude"`
}

// CoordinatorConfig contains connection settings for the coordinator API
type CoordinatorConfig struct {
	URL            string `toml:"url" validate:"required,url"`      // Coordinator base URL
	APIKey         string `toml:"api_key" validate:"required"`      // Worker API key
	RequestTimeout string `toml:"request_timeout"`                  // HTTP request timeout, e.g. "30s"
	MaxRetries     int    `toml:"max_retries" validate:"gte=0"`     // Retry count for transient failures
	RetryBackoff   string `toml:"retry_backoff"`                    // Initial retry backoff, e.g. "250ms"
}

// WorkerConfig contains worker loop behavior
type WorkerConfig struct {
	Name         string             `toml:"name"`          // Optional display name (defaults to hostname)
	PollInterval string             `toml:"poll_interval"` // Sleep between empty polls, e.g. "10s"
	JobTimeout   string             `toml:"job_timeout"`   // Lease freshness window, e.g. "30m"
	ItemsPerTick ItemsPerTickConfig `toml:"items_per_tick"`
}

// ItemsPerTickConfig contains per-stage batch size defaults.
// A job document may carry its own itemsPerTick; these apply when it does not.
type ItemsPerTickConfig struct {
	Crawl               int `toml:"crawl" validate:"gte=1"`
	Discovery           int `toml:"discovery" validate:"gte=1"`
	IngredientDiscovery int `toml:"ingredient_discovery" validate:"gte=1"`
	VideoDiscovery      int `toml:"video_discovery" validate:"gte=1"`
	VideoProcessing     int `toml:"video_processing" validate:"gte=1"`
	Aggregation         int `toml:"aggregation" validate:"gte=1"`
}

// LoggingConfig contains logging behavior
type LoggingConfig struct {
	Level         string   `toml:"level" validate:"oneof=debug info warn error"` // Console log level
	Output        []string `toml:"output"`                                       // "stdout", "file"
	MinEventLevel string   `toml:"min_event_level"`                              // Minimum level published to the coordinator events collection
}

// ScraperConfig contains settings for the reference store scrape driver
type ScraperConfig struct {
	UserAgent      string   `toml:"user_agent"`
	RequestDelay   string   `toml:"request_delay"`   // Minimum delay between requests, e.g. "1s"
	RequestTimeout string   `toml:"request_timeout"` // HTTP request timeout
	MaxBodySize    int      `toml:"max_body_size"`   // Maximum response body size in bytes
	Sources        []string `toml:"sources"`         // Source keys served by the reference driver
}

// CatalogConfig contains the ingredient reference catalog API settings.
// An empty base URL disables the ingredient-discovery stage.
type CatalogConfig struct {
	Name           string `toml:"name"`     // Catalog key matched against job payloads
	BaseURL        string `toml:"base_url"` // Catalog API base URL
	APIKey         string `toml:"api_key"`
	RequestDelay   string `toml:"request_delay"`
	RequestTimeout string `toml:"request_timeout"`
}

// VideoConfig contains the video platform gateway settings.
// An empty API URL disables the video stages.
type VideoConfig struct {
	Platform       string `toml:"platform"` // Platform key matched against job payloads
	APIURL         string `toml:"api_url"`  // Platform gateway base URL
	APIKey         string `toml:"api_key"`
	RequestTimeout string `toml:"request_timeout"`
}

// ClaudeConfig contains Anthropic Claude API configuration for the LLM matcher
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`     // Anthropic API key (or ANTHROPIC_API_KEY)
	Model       string  `toml:"model"`       // Model for match operations
	MaxTokens   int     `toml:"max_tokens"`  // Maximum tokens in response
	Temperature float32 `toml:"temperature"` // Completion temperature
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
func NewDefaultConfig() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			RequestTimeout: "30s",
			MaxRetries:     3,
			RetryBackoff:   "250ms",
		},
		Worker: WorkerConfig{
			PollInterval: "10s",
			JobTimeout:   "30m",
			ItemsPerTick: ItemsPerTickConfig{
				Crawl:               10,
				Discovery:           10,
				IngredientDiscovery: 10,
				VideoDiscovery:      50,
				VideoProcessing:     1,
				Aggregation:         10,
			},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Output:        []string{"stdout", "file"},
			MinEventLevel: "info",
		},
		Scraper: ScraperConfig{
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			RequestDelay:   "1s",
			RequestTimeout: "30s",
			MaxBodySize:    10 * 1024 * 1024, // 10MB
			Sources:        []string{"web"},
		},
		Catalog: CatalogConfig{
			Name:           "inci",
			RequestDelay:   "1s",
			RequestTimeout: "30s",
		},
		Video: VideoConfig{
			Platform:       "youtube",
			RequestTimeout: "60s",
		},
		Claude: ClaudeConfig{
			Model:       "claude-haiku-3-5-20241022",
			MaxTokens:   4096,
			Temperature: 0,
		},
	}
}

// LoadFromFiles loads configuration from files with priority: default -> file1 -> file2 -> ... -> env.
// Later files override earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if url := os.Getenv("COORDINATOR_URL"); url != "" {
		config.Coordinator.URL = url
	}
	if url := os.Getenv("GLEANER_COORDINATOR_URL"); url != "" {
		config.Coordinator.URL = url
	}
	if key := os.Getenv("API_KEY"); key != "" {
		config.Coordinator.APIKey = key
	}
	if key := os.Getenv("GLEANER_API_KEY"); key != "" {
		config.Coordinator.APIKey = key
	}

	if name := os.Getenv("GLEANER_WORKER_NAME"); name != "" {
		config.Worker.Name = name
	}
	if seconds := os.Getenv("POLL_INTERVAL_SECONDS"); seconds != "" {
		if s, err := strconv.Atoi(seconds); err == nil && s > 0 {
			config.Worker.PollInterval = fmt.Sprintf("%ds", s)
		}
	}
	if minutes := os.Getenv("JOB_TIMEOUT_MINUTES"); minutes != "" {
		if m, err := strconv.Atoi(minutes); err == nil && m > 0 {
			config.Worker.JobTimeout = fmt.Sprintf("%dm", m)
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("GLEANER_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
	if minEventLevel := os.Getenv("GLEANER_MIN_EVENT_LEVEL"); minEventLevel != "" {
		config.Logging.MinEventLevel = minEventLevel
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		config.Claude.APIKey = key
	}
}

// Validate checks the configuration for required fields and sane values
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := time.ParseDuration(c.Worker.PollInterval); err != nil {
		return fmt.Errorf("invalid worker.poll_interval %q: %w", c.Worker.PollInterval, err)
	}
	if _, err := time.ParseDuration(c.Worker.JobTimeout); err != nil {
		return fmt.Errorf("invalid worker.job_timeout %q: %w", c.Worker.JobTimeout, err)
	}
	return nil
}

// PollInterval returns the parsed poll interval
func (c *Config) PollInterval() time.Duration {
	return parseDurationOr(c.Worker.PollInterval, 10*time.Second)
}

// JobTimeout returns the parsed lease freshness window
func (c *Config) JobTimeout() time.Duration {
	return parseDurationOr(c.Worker.JobTimeout, 30*time.Minute)
}

// RequestTimeout returns the parsed coordinator request timeout
func (c *CoordinatorConfig) Timeout() time.Duration {
	return parseDurationOr(c.RequestTimeout, 30*time.Second)
}

// Backoff returns the parsed initial retry backoff
func (c *CoordinatorConfig) Backoff() time.Duration {
	return parseDurationOr(c.RetryBackoff, 250*time.Millisecond)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
