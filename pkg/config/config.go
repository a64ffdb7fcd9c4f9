package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Workspace  WorkspaceConfig  `json:"workspace"`
	Cache      CacheConfig      `json:"cache"`
	Retry      RetryConfig      `json:"retry"`
	Resources  ResourcesConfig  `json:"resources"`
	Resilience ResilienceConfig `json:"resilience"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
	Tracing    TracingConfig    `json:"tracing"`
}

// WorkspaceConfig contains workspace layout configuration
type WorkspaceConfig struct {
	Root         string        `json:"root"`
	LockMaxAge   time.Duration `json:"lock_max_age"`
	KillGrace    time.Duration `json:"kill_grace"`
}

// CacheConfig contains artifact cache configuration
type CacheConfig struct {
	BudgetBytes int64 `json:"budget_bytes"`
	Enabled     bool  `json:"enabled"`
}

// RetryConfig contains retry policy configuration
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	JitterFraction    float64       `json:"jitter_fraction"`
}

// ResourcesConfig contains host resource admission thresholds
type ResourcesConfig struct {
	MinFreeMemoryMB int64         `json:"min_free_memory_mb"`
	MinFreeDiskGB   int64         `json:"min_free_disk_gb"`
	MaxCPUPercent   float64       `json:"max_cpu_percent"`
	PollInterval    time.Duration `json:"poll_interval"`
}

// ResilienceConfig contains engine behavior configuration
type ResilienceConfig struct {
	Level string `json:"level"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	config := &Config{
		Workspace: WorkspaceConfig{
			Root:       getEnvString("FORGEBUILD_WORKSPACE", cwd),
			LockMaxAge: getEnvDuration("FORGEBUILD_LOCK_MAX_AGE", 2*time.Hour),
			KillGrace:  getEnvDuration("FORGEBUILD_KILL_GRACE", 30*time.Second),
		},
		Cache: CacheConfig{
			BudgetBytes: getEnvInt64("FORGEBUILD_CACHE_BUDGET_BYTES", 10<<30),
			Enabled:     getEnvBool("FORGEBUILD_CACHE_ENABLED", true),
		},
		Retry: RetryConfig{
			MaxAttempts:       getEnvInt("FORGEBUILD_RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:         getEnvDuration("FORGEBUILD_RETRY_BASE_DELAY", 1*time.Second),
			MaxDelay:          getEnvDuration("FORGEBUILD_RETRY_MAX_DELAY", 60*time.Second),
			BackoffMultiplier: getEnvFloat("FORGEBUILD_RETRY_BACKOFF_MULTIPLIER", 2.0),
			JitterFraction:    getEnvFloat("FORGEBUILD_RETRY_JITTER_FRACTION", 0.1),
		},
		Resources: ResourcesConfig{
			MinFreeMemoryMB: getEnvInt64("FORGEBUILD_MIN_FREE_MEMORY_MB", 2048),
			MinFreeDiskGB:   getEnvInt64("FORGEBUILD_MIN_FREE_DISK_GB", 5),
			MaxCPUPercent:   getEnvFloat("FORGEBUILD_MAX_CPU_PERCENT", 90.0),
			PollInterval:    getEnvDuration("FORGEBUILD_RESOURCE_POLL_INTERVAL", 60*time.Second),
		},
		Resilience: ResilienceConfig{
			Level: getEnvString("FORGEBUILD_RESILIENCE_LEVEL", "standard"),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("FORGEBUILD_METRICS_ENABLED", true),
			Namespace: getEnvString("FORGEBUILD_METRICS_NAMESPACE", "forgebuild"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("FORGEBUILD_TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("FORGEBUILD_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("FORGEBUILD_TRACING_SAMPLING_RATE", 1.0),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace root is required")
	}

	if c.Cache.BudgetBytes <= 0 {
		return fmt.Errorf("cache budget must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}

	switch c.Resilience.Level {
	case "basic", "standard", "advanced", "aggressive":
	default:
		return fmt.Errorf("unknown resilience level: %s", c.Resilience.Level)
	}

	return nil
}

// DotDir returns the workspace-relative state directory
func (c *Config) DotDir() string {
	return filepath.Join(c.Workspace.Root, ".forgebuild")
}

// CacheDir returns the artifact cache directory
func (c *Config) CacheDir() string {
	return filepath.Join(c.DotDir(), "cache")
}

// HistoryPath returns the performance history file path
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DotDir(), "optimization", "build_performance_history.json")
}

// LockPath returns the workspace lock marker path
func (c *Config) LockPath() string {
	return filepath.Join(c.DotDir(), "isolation", "build_lock")
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
