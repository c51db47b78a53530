package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RECON_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8002, cfg.Port)
	assert.True(t, cfg.Variance.Threshold.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, cfg.Variance.RoundingFloor.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 24*time.Hour, cfg.Variance.ExternalLookback)
	assert.Equal(t, 5*time.Minute, cfg.Handoff.StalenessWindow)
	assert.Equal(t, 5, cfg.Cases.HighPositionCount)
	assert.Equal(t, 10*time.Minute, cfg.Cases.ApplyClaimTimeout)
	assert.Contains(t, cfg.DatabasePath(), "reconciliation.db")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RECON_DATA_DIR", t.TempDir())
	t.Setenv("RECON_PORT", "9999")
	t.Setenv("VARIANCE_THRESHOLD", "0.5")
	t.Setenv("HANDOFF_STALENESS_WINDOW", "90s")
	t.Setenv("DIRECTORY_CACHE_TTL", "0s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.True(t, cfg.Variance.Threshold.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 90*time.Second, cfg.Handoff.StalenessWindow)
	assert.Equal(t, time.Duration(0), cfg.Downstream.DirectoryCacheTTL)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("RECON_DATA_DIR", t.TempDir())
	t.Setenv("RECON_PORT", "not-a-port")
	t.Setenv("VARIANCE_THRESHOLD", "abc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8002, cfg.Port)
	assert.True(t, cfg.Variance.Threshold.Equal(decimal.RequireFromString("0.01")))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port: 8002,
			Variance: VarianceConfig{
				Threshold:     decimal.RequireFromString("0.01"),
				RoundingFloor: decimal.NewFromInt(1),
			},
			Cases: CaseConfig{
				HighValueThreshold: decimal.NewFromInt(100000),
				LowValueThreshold:  decimal.NewFromInt(1000),
				ApplyClaimTimeout:  10 * time.Minute,
			},
			Handoff: HandoffConfig{StalenessWindow: time.Minute},
		}
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.Variance.RoundingFloor = decimal.RequireFromString("0.001")
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Handoff.StalenessWindow = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Cases.ApplyClaimTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Cases.LowValueThreshold = decimal.NewFromInt(200000)
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())
}
