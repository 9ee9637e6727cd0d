package log

import (
	"log/slog"

	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
)

// NewSlog bridges slog records, such as the embedded broker's, into zap.
func NewSlog(cfg Config, zapLogger *zap.Logger) *slog.Logger {
	handler := slogzap.Option{Level: ParseSlogLevel(cfg.Level), Logger: zapLogger}.NewZapHandler()
	return slog.New(handler)
}

func ParseSlogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
