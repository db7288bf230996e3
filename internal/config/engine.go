package config

import (
	"fmt"
	"time"

	"github.com/storeseo/engine/internal/env"
)

// Config holds all configuration for the engine worker binary.
// All variables use the SEOENGINE_ prefix.
type Config struct {
	// Infrastructure endpoints.
	QueueURL string `env:"SEOENGINE_QUEUE_URL" default:"redis://localhost:6379/0"`
	KVURL    string `env:"SEOENGINE_KV_URL" default:"redis://localhost:6379/1"`
	DBURL    string `env:"SEOENGINE_DB_URL"`

	// Locking and recovery.
	TenantLockTTL        time.Duration `env:"SEOENGINE_TENANT_LOCK_TTL" default:"15m"`
	TenantLockRetryDelay time.Duration `env:"SEOENGINE_TENANT_LOCK_RETRY_DELAY" default:"10s"`
	StuckAfter           time.Duration `env:"SEOENGINE_STUCK_AFTER" default:"10m"`
	LeaseTTL             time.Duration `env:"SEOENGINE_LEASE_TTL" default:"5m"`

	Generator GeneratorConfig
	StoreAPI  StoreAPIConfig
	FreeTier  FreeTierConfig
}

// GeneratorConfig controls the text-completion client.
type GeneratorConfig struct {
	APIKey      string        `env:"SEOENGINE_GENERATOR_API_KEY"`
	Model       string        `env:"SEOENGINE_GENERATOR_MODEL"`
	MaxAttempts int           `env:"SEOENGINE_GENERATOR_MAX_ATTEMPTS" default:"3"`
	Timeout     time.Duration `env:"SEOENGINE_GENERATOR_TIMEOUT" default:"60s"`
	BackoffBase time.Duration `env:"SEOENGINE_GENERATOR_BACKOFF_BASE" default:"1s"`
}

func (c *GeneratorConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("SEOENGINE_GENERATOR_MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	return nil
}

// StoreAPIConfig controls the store-admin API client.
type StoreAPIConfig struct {
	MaxAttempts          int           `env:"SEOENGINE_STOREAPI_MAX_ATTEMPTS" default:"3"`
	Timeout              time.Duration `env:"SEOENGINE_STOREAPI_TIMEOUT" default:"30s"`
	BackoffBase          time.Duration `env:"SEOENGINE_STOREAPI_BACKOFF_BASE" default:"1s"`
	ThrottleMinAvailable int           `env:"SEOENGINE_THROTTLE_MIN_AVAILABLE" default:"100"`
	ThrottleMaxWait      time.Duration `env:"SEOENGINE_THROTTLE_MAX_WAIT" default:"5s"`
}

func (c *StoreAPIConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("SEOENGINE_STOREAPI_MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if c.ThrottleMinAvailable < 0 {
		return fmt.Errorf("SEOENGINE_THROTTLE_MIN_AVAILABLE must be >= 0, got %d", c.ThrottleMinAvailable)
	}
	return nil
}

// FreeTierConfig controls monthly usage reservation for free-plan tenants.
type FreeTierConfig struct {
	MonthlyLimit int    `env:"SEOENGINE_FREE_MONTHLY_LIMIT" default:"10"`
	TimeZone     string `env:"SEOENGINE_FREE_TIMEZONE" default:"Europe/Istanbul"`
}

func (c *FreeTierConfig) Validate() error {
	if c.MonthlyLimit < 0 {
		return fmt.Errorf("SEOENGINE_FREE_MONTHLY_LIMIT must be >= 0, got %d", c.MonthlyLimit)
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid SEOENGINE_FREE_TIMEZONE %q: %w", c.TimeZone, err)
	}
	return nil
}

// Load parses environment variables into a Config struct.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBURL == "" {
		return fmt.Errorf("SEOENGINE_DB_URL is required")
	}
	if c.LeaseTTL <= 0 || c.TenantLockTTL <= 0 {
		return fmt.Errorf("lock TTLs must be positive")
	}
	// Lock TTL must outlive the longest pause between heartbeats, which is
	// bounded by the lease TTL refresh cycle.
	if c.TenantLockTTL <= c.LeaseTTL {
		return fmt.Errorf("SEOENGINE_TENANT_LOCK_TTL (%s) must exceed SEOENGINE_LEASE_TTL (%s)", c.TenantLockTTL, c.LeaseTTL)
	}
	return nil
}
