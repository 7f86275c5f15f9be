// Package logger configures zerolog and carries request-scoped loggers
// through context.Context.
package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config represents logger configuration
type Config struct {
	Level       string // debug, info, warn, error
	Environment string // development, production, test
}

// Init initializes the global logger.
func Init(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	switch cfg.Environment {
	case "development", "dev":
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().Caller().Logger()
	case "test":
		log.Logger = zerolog.Nop()
	default:
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

type contextKey string

const ContextKey contextKey = "logger"

// FromContext returns the logger from context or the global logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(ContextKey).(*zerolog.Logger); ok && l != nil {
		return l
	}
	return &log.Logger
}

// WithContext returns a context with the logger attached.
func WithContext(ctx context.Context, l *zerolog.Logger) context.Context {
	return context.WithValue(ctx, ContextKey, l)
}

// With returns ctx carrying a child of its logger with one extra field.
func With(ctx context.Context, key, value string) context.Context {
	l := FromContext(ctx).With().Str(key, value).Logger()
	return WithContext(ctx, &l)
}

// LogError logs an error with key/value pairs.
func LogError(ctx context.Context, err error, msg string, fields ...any) {
	event := FromContext(ctx).Error().Err(err)
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok {
			event = event.Interface(k, fields[i+1])
		}
	}
	event.Msg(msg)
}
