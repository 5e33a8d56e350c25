package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServiceName    string
	HTTPListenAddr string
	// DatabaseURL is the postgres connection string for approvals, release
	// history, audit events and API keys. Empty runs with in-memory stores.
	DatabaseURL string
	// RedisAddr selects the cluster-wide lock backing. Empty runs with the
	// process-local lock.
	RedisAddr     string
	RedisPassword string
	LogLevel      string
	// PipelineFile points at the YAML pipeline definition. Empty uses the
	// built-in default chain.
	PipelineFile string

	MaxConcurrentPipelines int
	LockTimeout            time.Duration
	LockTTL                time.Duration
	ApprovalTimeout        time.Duration
	MonitorInterval        time.Duration
	// MonitorWindow is how long after a stage succeeds the health monitor
	// keeps watching it for delayed symptoms.
	MonitorWindow time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:            getEnv("SERVICE_NAME", "deploy-api"),
		HTTPListenAddr:         getEnv("HTTP_LISTEN_ADDR", ":8090"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisAddr:              getEnv("REDIS_ADDR", ""),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		PipelineFile:           getEnv("PIPELINE_FILE", ""),
		MaxConcurrentPipelines: getEnvInt("PIPELINE_MAX_CONCURRENT", 8),
		LockTimeout:            getEnvDuration("PIPELINE_LOCK_TIMEOUT", 10*time.Second),
		LockTTL:                getEnvDuration("PIPELINE_LOCK_TTL", 30*time.Minute),
		ApprovalTimeout:        getEnvDuration("PIPELINE_APPROVAL_TIMEOUT", 24*time.Hour),
		MonitorInterval:        getEnvDuration("PIPELINE_MONITOR_INTERVAL", 30*time.Second),
		MonitorWindow:          getEnvDuration("PIPELINE_MONITOR_WINDOW", 15*time.Minute),
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTPListenAddr == "" {
		return fmt.Errorf("HTTP_LISTEN_ADDR is required")
	}
	if c.MaxConcurrentPipelines < 1 {
		return fmt.Errorf("PIPELINE_MAX_CONCURRENT must be at least 1")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("PIPELINE_LOCK_TIMEOUT must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("PIPELINE_LOCK_TTL must be positive")
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("PIPELINE_APPROVAL_TIMEOUT must be positive")
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
