package observability

import (
	"context"
	"maps"
	"os"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/joaosutil/pede-ai2/internal/platform/requestctx"
)

// EventLogger is the logging contract shared by services and the payment gateway.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// cloudSeverity maps zap levels onto Cloud Logging severity names.
var cloudSeverity = map[zapcore.Level]string{
	zapcore.DebugLevel:  "DEBUG",
	zapcore.InfoLevel:   "INFO",
	zapcore.WarnLevel:   "WARNING",
	zapcore.ErrorLevel:  "ERROR",
	zapcore.DPanicLevel: "CRITICAL",
	zapcore.PanicLevel:  "ALERT",
	zapcore.FatalLevel:  "EMERGENCY",
}

func encodeSeverity(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if name, ok := cloudSeverity[level]; ok {
		enc.AppendString(name)
		return
	}
	enc.AppendString("DEFAULT")
}

// NewLogger builds the JSON logger for Cloud Run. LOG_LEVEL selects the minimum level and
// defaults to info when unset or unparsable.
func NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Sampling = nil
	cfg.OutputPaths = []string{"stdout"}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncoderConfig.EncodeLevel = encodeSeverity
	return cfg.Build()
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// NewEventLogger bridges dotted domain events onto zap. The request-scoped logger wins over
// fallback so events carry request_id and trace fields. Events ending in ".failed" or ".error"
// log at error level, ".ignored" and ".skipped" at warn, everything else at info.
func NewEventLogger(fallback *zap.Logger) EventLogger {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger, ok := requestctx.LoggerFrom(ctx)
		if !ok {
			logger = fallback
		}

		zf := []zap.Field{zap.String("event", event)}
		for _, key := range slices.Sorted(maps.Keys(fields)) {
			switch value := fields[key].(type) {
			case error:
				zf = append(zf, zap.NamedError(key, value))
			default:
				zf = append(zf, zap.Any(key, value))
			}
		}

		switch {
		case strings.HasSuffix(event, ".failed"), strings.HasSuffix(event, ".error"):
			logger.Error(event, zf...)
		case strings.HasSuffix(event, ".ignored"), strings.HasSuffix(event, ".skipped"):
			logger.Warn(event, zf...)
		default:
			logger.Info(event, zf...)
		}
	}
}
