package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RecoveryPolicy selects what bootstrap does with a non-terminal task whose
// trigger instant is already in the past.
type RecoveryPolicy string

const (
	// RecoveryReschedule re-enters the task as scheduled so the next scan
	// re-triggers it. Favors "eventually runs" over "silently lost"; a late
	// or duplicate trigger after a long outage is accepted.
	RecoveryReschedule RecoveryPolicy = "reschedule"
	// RecoveryFail marks the task failed with an explanatory log entry.
	RecoveryFail RecoveryPolicy = "fail"
)

// Config contains all runtime settings for the booking coordination service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	DataDir            string
	DatabaseURL        string
	RedisAddr          string
	CredentialsFile    string
	Timezone           string
	ScanInterval       time.Duration
	MaxQuantityPerSlot int
	OutboundQueueSize  int
	RecoveryPolicy     RecoveryPolicy
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "bookerd"),
		AllowAnyOrigin:     false,
		DataDir:            envOrDefault("APP_DATA_DIR", "."),
		DatabaseURL:        trimSpaceEnv("DATABASE_URL"),
		RedisAddr:          trimSpaceEnv("REDIS_ADDR"),
		CredentialsFile:    trimSpaceEnv("APP_CREDENTIALS_FILE"),
		Timezone:           envOrDefault("APP_TIMEZONE", "UTC"),
		ScanInterval:       2 * time.Second,
		MaxQuantityPerSlot: 50,
		OutboundQueueSize:  256,
		RecoveryPolicy:     RecoveryReschedule,
		ShutdownTimeout:    15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ScanInterval, err = durationFromEnv("APP_SCAN_INTERVAL", cfg.ScanInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxQuantityPerSlot, err = intFromEnv("APP_MAX_QUANTITY_PER_SLOT", cfg.MaxQuantityPerSlot)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboundQueueSize, err = intFromEnv("APP_OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	if policy := strings.ToLower(trimSpaceEnv("APP_RECOVERY_POLICY")); policy != "" {
		switch RecoveryPolicy(policy) {
		case RecoveryReschedule, RecoveryFail:
			cfg.RecoveryPolicy = RecoveryPolicy(policy)
		default:
			return Config{}, fmt.Errorf("invalid APP_RECOVERY_POLICY: %q (expected reschedule|fail)", policy)
		}
	}

	if cfg.ScanInterval < 100*time.Millisecond {
		return Config{}, fmt.Errorf("APP_SCAN_INTERVAL must be at least 100ms")
	}
	if cfg.MaxQuantityPerSlot <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_QUANTITY_PER_SLOT must be positive")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("APP_OUTBOUND_QUEUE_SIZE must be positive")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return Config{}, fmt.Errorf("invalid APP_TIMEZONE %q: %w", cfg.Timezone, err)
	}

	return cfg, nil
}

// Location resolves the configured timezone. Load already validated it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimSpaceEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimSpaceEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
