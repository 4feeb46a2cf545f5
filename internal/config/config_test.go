package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret)
}

func TestLoadLedgerThresholds(t *testing.T) {
	t.Setenv("LOW_STOCK_THRESHOLD_LITERS", "750.5")
	t.Setenv("SHIFT_DISCREPANCY_LITERS", "not-a-number")
	t.Setenv("TIMEZONE", "Asia/Makassar")

	cfg := Load()
	assert.Equal(t, "750.5", cfg.LowStockThreshold.String())
	assert.Equal(t, "1", cfg.ShiftDiscrepancyLimit.String())
	assert.Equal(t, "Asia/Makassar", cfg.Location.String())
}

func TestLoadFallsBackOnBadNumbers(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "0")
	t.Setenv("EVENT_BUFFER", "-3")
	t.Setenv("RUN_MIGRATIONS", "maybe")

	cfg := Load()
	assert.Equal(t, 480, cfg.AccessTokenTTLMinutes)
	assert.Equal(t, 256, cfg.EventBuffer)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, ":8080", Config{Port: "8080"}.Address())
}
