package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Storage
	DatabasePath string
	CatalogPath  string

	// CORS
	AllowedOrigins []string

	// Pricing
	GSTPercent        decimal.Decimal
	FreezeFee         decimal.Decimal
	PointsEarnPercent decimal.Decimal

	// Settlement
	ReservationTTL    time.Duration
	SettleTimeout     time.Duration
	SettleMaxAttempts int
	SweepInterval     time.Duration

	// Idempotency
	IdempotencyBackend  string // memory, bolt, redis
	IdempotencyTTL      time.Duration
	IdempotencyBoltPath string
	RedisURL            string

	// Logging
	LogLevel string
}

func Load() *Config {
	// Load .env file in development
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	return &Config{
		Port: getEnv("PORT", "8080"),
		Env:  getEnv("ENV", "development"),

		DatabasePath: getEnv("DATABASE_PATH", "./data/settlement.db"),
		CatalogPath:  getEnv("CATALOG_PATH", ""),

		AllowedOrigins: parseStringSlice(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),

		GSTPercent:        parseDecimal(getEnv("GST_PERCENT", "18"), decimal.NewFromInt(18)),
		FreezeFee:         parseDecimal(getEnv("FREEZE_FEE", "0"), decimal.Zero),
		PointsEarnPercent: parseDecimal(getEnv("POINTS_EARN_PERCENT", "0"), decimal.Zero),

		ReservationTTL:    parseDuration(getEnv("RESERVATION_TTL", "2m"), 2*time.Minute),
		SettleTimeout:     parseDuration(getEnv("SETTLE_TIMEOUT", "10s"), 10*time.Second),
		SettleMaxAttempts: parseInt(getEnv("SETTLE_MAX_ATTEMPTS", "3"), 3),
		SweepInterval:     parseDuration(getEnv("SWEEP_INTERVAL", "30s"), 30*time.Second),

		IdempotencyBackend:  getEnv("IDEMPOTENCY_BACKEND", "memory"),
		IdempotencyTTL:      parseDuration(getEnv("IDEMPOTENCY_TTL", "24h"), 24*time.Hour),
		IdempotencyBoltPath: getEnv("IDEMPOTENCY_BOLT_PATH", "./data/idempotency.db"),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func parseInt(s string, defaultValue int) int {
	value, err := strconv.Atoi(s)
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

func parseDecimal(s string, defaultValue decimal.Decimal) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || value.IsNegative() {
		return defaultValue
	}
	return value
}

func parseStringSlice(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
