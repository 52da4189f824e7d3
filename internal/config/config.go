// Package config loads engine configuration from the environment, with
// optional .env support for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the orchestration engine.
type Config struct {
	// HTTP
	Port string

	// Analyzer / sampler
	SamplingThreshold int
	SampleSize        int

	// Execution cache
	CacheTTL time.Duration

	// Coordinator
	HeartbeatInterval  time.Duration
	HeartbeatStaleness time.Duration
	DefaultCapacity    int

	// Stores
	DatabaseURL string
	RedisURL    string

	// Snapshots
	SnapshotDir      string
	SnapshotS3Bucket string
	SnapshotS3Region string

	// External process control
	ExecTimeout time.Duration
	KillGrace   time.Duration
}

// Load reads configuration from the environment. A missing .env file is
// not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		SamplingThreshold:  getEnvInt("SAMPLING_THRESHOLD", 1000),
		SampleSize:         getEnvInt("SAMPLE_SIZE", 100),
		CacheTTL:           getEnvDuration("CACHE_TTL_SECONDS", 3600) * time.Second,
		HeartbeatInterval:  getEnvDuration("HEARTBEAT_INTERVAL_SECONDS", 30) * time.Second,
		HeartbeatStaleness: getEnvDuration("HEARTBEAT_STALENESS_SECONDS", 120) * time.Second,
		DefaultCapacity:    getEnvInt("WORKER_DEFAULT_CAPACITY", 4),
		DatabaseURL:        getEnv("DATABASE_URL", "buildfix.db"),
		RedisURL:           os.Getenv("REDIS_URL"),
		SnapshotDir:        getEnv("SNAPSHOT_DIR", "/tmp/buildfix-snapshots"),
		SnapshotS3Bucket:   os.Getenv("SNAPSHOT_S3_BUCKET"),
		SnapshotS3Region:   getEnv("SNAPSHOT_S3_REGION", "us-east-1"),
		ExecTimeout:        getEnvDuration("EXEC_TIMEOUT_SECONDS", 600) * time.Second,
		KillGrace:          getEnvDuration("KILL_GRACE_SECONDS", 2) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SamplingThreshold <= 0 {
		return fmt.Errorf("SAMPLING_THRESHOLD must be positive, got %d", c.SamplingThreshold)
	}
	if c.SampleSize <= 0 {
		return fmt.Errorf("SAMPLE_SIZE must be positive, got %d", c.SampleSize)
	}
	if c.HeartbeatStaleness < c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_STALENESS_SECONDS (%s) must not be shorter than HEARTBEAT_INTERVAL_SECONDS (%s)",
			c.HeartbeatStaleness, c.HeartbeatInterval)
	}
	if c.DefaultCapacity <= 0 {
		return fmt.Errorf("WORKER_DEFAULT_CAPACITY must be positive, got %d", c.DefaultCapacity)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackSeconds))
}
