// Package config loads engine configuration from ~/.tempo/config.yaml,
// the working directory, and TEMPO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the orchestration engine reads at runtime.
type Config struct {
	// Provider endpoint. The adapter speaks the OpenAI-compatible
	// streaming protocol, so any conforming gateway works.
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	APIKey  string `mapstructure:"api_key" json:"-"`

	// Model selection and limits.
	Model           string `mapstructure:"model" json:"model"`
	ContextWindow   int    `mapstructure:"context_window" json:"context_window"`
	MaxOutputTokens int    `mapstructure:"max_output_tokens" json:"max_output_tokens"`

	// Loop guards.
	MistakeLimit      int `mapstructure:"mistake_limit" json:"mistake_limit"`
	AutoApprovalLimit int `mapstructure:"auto_approval_limit" json:"auto_approval_limit"`

	// Retry behavior for first-chunk failures.
	AutoRetry        bool          `mapstructure:"auto_retry" json:"auto_retry"`
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts" json:"max_retry_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay" json:"retry_max_delay"`

	// Optional pacing between consecutive model requests.
	RateLimitInterval time.Duration `mapstructure:"rate_limit_interval" json:"rate_limit_interval"`

	// Context window management.
	CondenseEnabled   bool    `mapstructure:"condense_enabled" json:"condense_enabled"`
	CondenseThreshold float64 `mapstructure:"condense_threshold" json:"condense_threshold"`

	// PreferredLanguage, when set, appends a steering instruction to
	// every turn so the model answers in the operator's language.
	PreferredLanguage string `mapstructure:"preferred_language" json:"preferred_language"`

	// Persistence root. Each task gets its own directory underneath.
	StateDir string `mapstructure:"state_dir" json:"state_dir"`

	// Metrics endpoint. Empty disables the listener.
	MetricsAddr string `mapstructure:"metrics_addr" json:"metrics_addr"`

	LogLevel string `mapstructure:"log_level" json:"log_level"`
}

// Default returns the built-in configuration used when no file or
// environment overrides are present.
func Default() *Config {
	return &Config{
		BaseURL:           "https://api.openai.com/v1",
		Model:             "gpt-4o",
		ContextWindow:     128000,
		MaxOutputTokens:   8192,
		MistakeLimit:      3,
		AutoApprovalLimit: 20,
		AutoRetry:         true,
		MaxRetryAttempts:  5,
		RetryBaseDelay:    5 * time.Second,
		RetryMaxDelay:     10 * time.Minute,
		RateLimitInterval: 0,
		CondenseEnabled:   true,
		CondenseThreshold: 0.75,
		StateDir:          defaultStateDir(),
		MetricsAddr:       "",
		LogLevel:          "info",
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tempo"
	}
	return filepath.Join(home, ".tempo", "tasks")
}

// Load reads config.yaml from ~/.tempo and the current directory, applies
// TEMPO_* environment overrides, and unmarshals onto the defaults. A
// missing config file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".tempo"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("TEMPO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("base_url", cfg.BaseURL)
	v.SetDefault("api_key", cfg.APIKey)
	v.SetDefault("model", cfg.Model)
	v.SetDefault("context_window", cfg.ContextWindow)
	v.SetDefault("max_output_tokens", cfg.MaxOutputTokens)
	v.SetDefault("mistake_limit", cfg.MistakeLimit)
	v.SetDefault("auto_approval_limit", cfg.AutoApprovalLimit)
	v.SetDefault("auto_retry", cfg.AutoRetry)
	v.SetDefault("max_retry_attempts", cfg.MaxRetryAttempts)
	v.SetDefault("retry_base_delay", cfg.RetryBaseDelay)
	v.SetDefault("retry_max_delay", cfg.RetryMaxDelay)
	v.SetDefault("rate_limit_interval", cfg.RateLimitInterval)
	v.SetDefault("condense_enabled", cfg.CondenseEnabled)
	v.SetDefault("condense_threshold", cfg.CondenseThreshold)
	v.SetDefault("preferred_language", cfg.PreferredLanguage)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("log_level", cfg.LogLevel)
}

// Validate rejects values the engine cannot operate with.
func (c *Config) Validate() error {
	if c.ContextWindow <= 0 {
		return fmt.Errorf("context_window must be positive, got %d", c.ContextWindow)
	}
	if c.MistakeLimit <= 0 {
		return fmt.Errorf("mistake_limit must be positive, got %d", c.MistakeLimit)
	}
	if c.CondenseThreshold <= 0 || c.CondenseThreshold > 1 {
		return fmt.Errorf("condense_threshold must be in (0, 1], got %v", c.CondenseThreshold)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("max_retry_attempts must be at least 1, got %d", c.MaxRetryAttempts)
	}
	return nil
}
