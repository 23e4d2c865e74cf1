package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type loggerContextKey struct {
	name string
}

var loggerCtxKey = &loggerContextKey{"logger"}

func NewLogger(ctx context.Context, serviceName, serviceVersion string) (context.Context, zerolog.Logger) {
	return NewLoggerWithWriter(ctx, os.Stdout, serviceName, serviceVersion)
}

func NewLoggerWithWriter(ctx context.Context, w io.Writer, serviceName, serviceVersion string) (context.Context, zerolog.Logger) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).With().Timestamp().
		Str("service", strings.ToLower(serviceName)).
		Str("version", serviceVersion).
		Logger()

	if lvl, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL"))); err == nil && lvl != zerolog.NoLevel {
		logger = logger.Level(lvl)
	}

	ctx = NewContextWithLogger(ctx, logger)
	return ctx, logger
}

func NewContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	ctx = context.WithValue(ctx, loggerCtxKey, logger)
	return ctx
}

func GetLoggerFromContext(ctx context.Context) zerolog.Logger {
	logger, ok := ctx.Value(loggerCtxKey).(zerolog.Logger)

	if !ok {
		return log.Logger
	}

	return logger
}

// WithTenant returns a context whose logger carries the tenant field, along with that logger.
func WithTenant(ctx context.Context, tenantID string) (context.Context, zerolog.Logger) {
	logger := GetLoggerFromContext(ctx).With().Str("tenant", tenantID).Logger()
	return NewContextWithLogger(ctx, logger), logger
}

func WithDevice(ctx context.Context, deviceID string) (context.Context, zerolog.Logger) {
	logger := GetLoggerFromContext(ctx).With().Str("device_id", deviceID).Logger()
	return NewContextWithLogger(ctx, logger), logger
}
