// Package config loads runtime configuration from the environment and the
// optional YAML policy file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds settings for both the reference server and device replicas.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// DatabaseURL selects the Postgres-backed server store. Empty means
	// in-memory stores.
	DatabaseURL  string
	RateLimitRPM int

	// Replica settings
	ReplicaID     string
	ReplicaDBPath string
	RemoteURL     string
	SyncInterval  time.Duration
	SyncBatchSize int
	SweepInterval time.Duration
	StreamEnabled bool

	// Observability
	OTLPEndpoint string

	// PolicyFile points at a YAML file overriding escrow tiers and order
	// rate limits.
	PolicyFile string
	Policy     *Policy
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultRemoteURL     = "http://localhost:8080"
	DefaultReplicaDBPath = "escrowsync.db"
	DefaultReplicaID     = "rep_local"
	DefaultSyncInterval  = 10 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultBatchSize     = 100
	DefaultRateLimitRPM  = 600
	MaxBatchSize         = 1000
)

// Load reads configuration from environment variables, loading .env first
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           getEnv("ENV", DefaultEnv),
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:     getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RateLimitRPM:  int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		ReplicaID:     getEnv("REPLICA_ID", DefaultReplicaID),
		ReplicaDBPath: getEnv("REPLICA_DB_PATH", DefaultReplicaDBPath),
		RemoteURL:     getEnv("REMOTE_URL", DefaultRemoteURL),
		SyncInterval:  getEnvDuration("SYNC_INTERVAL", DefaultSyncInterval),
		SyncBatchSize: int(getEnvInt64("SYNC_BATCH_SIZE", DefaultBatchSize)),
		SweepInterval: getEnvDuration("ESCROW_SWEEP_INTERVAL", DefaultSweepInterval),
		StreamEnabled: getEnvBool("SYNC_STREAM", true),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PolicyFile:    os.Getenv("POLICY_FILE"),
	}

	policy := DefaultPolicy()
	if cfg.PolicyFile != "" {
		var err error
		if policy, err = LoadPolicy(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}
	cfg.Policy = policy

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the loaded values are usable.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.RemoteURL != "" {
		u, err := url.Parse(c.RemoteURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("REMOTE_URL must be an http(s) URL, got %q", c.RemoteURL)
		}
	}
	if c.SyncBatchSize <= 0 || c.SyncBatchSize > MaxBatchSize {
		return fmt.Errorf("SYNC_BATCH_SIZE must be between 1 and %d", MaxBatchSize)
	}
	if c.SyncInterval < time.Second {
		return fmt.Errorf("SYNC_INTERVAL must be at least 1s")
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("ESCROW_SWEEP_INTERVAL must be at least 1s")
	}
	if c.ReplicaID == "" {
		return fmt.Errorf("REPLICA_ID is required")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
