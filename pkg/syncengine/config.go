package syncengine

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries the engine's tunables. Every field has an environment
// binding so deployments can adjust behavior without a rebuild.
type Config struct {
	// OwnerColumn is the backend column scoping every row to its owner.
	OwnerColumn string `env:"SYNC_OWNER_COLUMN" envDefault:"owner_id"`
	// ConflictColumn is the primary key column upserts resolve on.
	ConflictColumn string `env:"SYNC_CONFLICT_COLUMN" envDefault:"id"`
	// PrimaryEntityType names the entity whose tombstones never expire.
	PrimaryEntityType string `env:"SYNC_PRIMARY_ENTITY_TYPE" envDefault:"task"`
	// PrimaryTable is the backend table holding the primary entity. Feed
	// deletions on this table are tombstoned under PrimaryEntityType so they
	// stay permanent and match create-time checks.
	PrimaryTable string `env:"SYNC_PRIMARY_TABLE" envDefault:"tasks"`

	MaxRetries     int           `env:"SYNC_MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"SYNC_RETRY_BASE_DELAY" envDefault:"500ms"`

	// StaleTime is how long a cached read stays fresh; CacheTime is how long
	// a stale value may still be served while revalidating.
	StaleTime time.Duration `env:"SYNC_CACHE_STALE_TIME" envDefault:"30s"`
	CacheTime time.Duration `env:"SYNC_CACHE_TIME" envDefault:"5m"`

	// RecoveryCooldown suppresses post-reconnect recovery while the user has
	// interacted within this window.
	RecoveryCooldown time.Duration `env:"SYNC_RECOVERY_COOLDOWN" envDefault:"60s"`

	ReconnectBaseDelay   time.Duration `env:"SYNC_RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMultiplier  float64       `env:"SYNC_RECONNECT_MULTIPLIER" envDefault:"1.5"`
	ReconnectJitterMax   time.Duration `env:"SYNC_RECONNECT_JITTER_MAX" envDefault:"500ms"`
	ReconnectMaxAttempts int           `env:"SYNC_RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
}

// LoadConfigFromEnv parses the configuration from the process environment.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse sync engine config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.OwnerColumn == "" {
		return fmt.Errorf("owner column is required")
	}
	if c.ConflictColumn == "" {
		return fmt.Errorf("conflict column is required")
	}
	if c.StaleTime > c.CacheTime {
		return fmt.Errorf("stale time %s must not exceed cache time %s", c.StaleTime, c.CacheTime)
	}
	return nil
}
