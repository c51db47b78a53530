// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the ledger database (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	Variance   VarianceConfig
	Cases      CaseConfig
	Handoff    HandoffConfig
	Downstream DownstreamConfig
}

// VarianceConfig tunes the holdings variance reconciler
type VarianceConfig struct {
	Threshold        decimal.Decimal // |variance| at or below this is noise
	RoundingFloor    decimal.Decimal // |variance| below this is a rounding difference
	ExternalLookback time.Duration   // window searched for matching external orders
}

// CaseConfig tunes manual attribution case priority and expiry
type CaseConfig struct {
	HighValueThreshold decimal.Decimal
	LowValueThreshold  decimal.Decimal
	HighPositionCount  int
	ExpireAfter        time.Duration
	ExpirySchedule     string
	ApplyClaimTimeout  time.Duration // an apply claim older than this is treated as crashed
}

// HandoffConfig tunes the handoff state machine
type HandoffConfig struct {
	StalenessWindow time.Duration
}

// DownstreamConfig points at sibling services consumed over HTTP
type DownstreamConfig struct {
	DirectoryURL      string
	ScriptServiceURL  string
	DirectoryCacheTTL time.Duration // 0 disables the directory cache
	Timeout           time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("RECON_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("RECON_PORT", 8002),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Variance: VarianceConfig{
			Threshold:        getEnvAsDecimal("VARIANCE_THRESHOLD", decimal.RequireFromString("0.01")),
			RoundingFloor:    getEnvAsDecimal("VARIANCE_ROUNDING_FLOOR", decimal.NewFromInt(1)),
			ExternalLookback: getEnvAsDuration("EXTERNAL_ORDER_LOOKBACK", 24*time.Hour),
		},
		Cases: CaseConfig{
			HighValueThreshold: getEnvAsDecimal("CASE_HIGH_VALUE_THRESHOLD", decimal.NewFromInt(100000)),
			LowValueThreshold:  getEnvAsDecimal("CASE_LOW_VALUE_THRESHOLD", decimal.NewFromInt(1000)),
			HighPositionCount:  getEnvAsInt("CASE_HIGH_POSITION_COUNT", 5),
			ExpireAfter:        getEnvAsDuration("CASE_EXPIRY_AFTER", 72*time.Hour),
			ExpirySchedule:     getEnv("CASE_EXPIRY_SCHEDULE", "@every 15m"),
			ApplyClaimTimeout:  getEnvAsDuration("CASE_APPLY_CLAIM_TIMEOUT", 10*time.Minute),
		},
		Handoff: HandoffConfig{
			StalenessWindow: getEnvAsDuration("HANDOFF_STALENESS_WINDOW", 5*time.Minute),
		},
		Downstream: DownstreamConfig{
			DirectoryURL:      getEnv("DIRECTORY_SERVICE_URL", "http://localhost:9100"),
			ScriptServiceURL:  getEnv("SCRIPT_SERVICE_URL", "http://localhost:9200"),
			DirectoryCacheTTL: getEnvAsDuration("DIRECTORY_CACHE_TTL", 10*time.Minute),
			Timeout:           getEnvAsDuration("DOWNSTREAM_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DatabasePath returns the path of the reconciliation ledger database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "reconciliation.db")
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Variance.Threshold.IsNegative() {
		return fmt.Errorf("VARIANCE_THRESHOLD must not be negative")
	}
	if c.Variance.RoundingFloor.LessThan(c.Variance.Threshold) {
		return fmt.Errorf("VARIANCE_ROUNDING_FLOOR (%s) must be >= VARIANCE_THRESHOLD (%s)",
			c.Variance.RoundingFloor, c.Variance.Threshold)
	}
	if c.Cases.LowValueThreshold.GreaterThan(c.Cases.HighValueThreshold) {
		return fmt.Errorf("CASE_LOW_VALUE_THRESHOLD must not exceed CASE_HIGH_VALUE_THRESHOLD")
	}
	if c.Cases.ApplyClaimTimeout <= 0 {
		return fmt.Errorf("CASE_APPLY_CLAIM_TIMEOUT must be positive")
	}
	if c.Handoff.StalenessWindow <= 0 {
		return fmt.Errorf("HANDOFF_STALENESS_WINDOW must be positive")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
