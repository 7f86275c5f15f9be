package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "GST_PERCENT", "RESERVATION_TTL", "IDEMPOTENCY_BACKEND", "ALLOWED_ORIGINS", "SETTLE_MAX_ATTEMPTS"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	// Empty values fall back where a parser is involved.
	assert.Equal(t, "", cfg.Port)
	assert.True(t, cfg.GSTPercent.Equal(decimal.NewFromInt(18)))
	assert.Equal(t, 2*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, 3, cfg.SettleMaxAttempts)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("GST_PERCENT", "5")
	t.Setenv("FREEZE_FEE", "25.50")
	t.Setenv("RESERVATION_TTL", "90s")
	t.Setenv("SETTLE_MAX_ATTEMPTS", "7")
	t.Setenv("ALLOWED_ORIGINS", "https://portal.example.com, https://staff.example.com,")
	t.Setenv("IDEMPOTENCY_BACKEND", "redis")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.GSTPercent.Equal(decimal.NewFromInt(5)))
	assert.True(t, cfg.FreezeFee.Equal(decimal.RequireFromString("25.5")))
	assert.Equal(t, 90*time.Second, cfg.ReservationTTL)
	assert.Equal(t, 7, cfg.SettleMaxAttempts)
	assert.Equal(t, []string{"https://portal.example.com", "https://staff.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "redis", cfg.IdempotencyBackend)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("GST_PERCENT", "-3")
	t.Setenv("FREEZE_FEE", "lots")
	t.Setenv("SWEEP_INTERVAL", "0s")
	t.Setenv("SETTLE_MAX_ATTEMPTS", "-1")

	cfg := Load()

	assert.True(t, cfg.GSTPercent.Equal(decimal.NewFromInt(18)))
	assert.True(t, cfg.FreezeFee.IsZero())
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 3, cfg.SettleMaxAttempts)
}
