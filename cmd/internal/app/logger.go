package app

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger builds the process logger: JSON or text on stderr, plus a JSON
// copy in cfg.File when set. The returned func closes the file.
func NewLogger(cfg LogConfig) (*slog.Logger, func() error) {
	lvl := parseLogLevel(cfg.Level)
	primary := newHandler(os.Stderr, cfg.Format, lvl)

	if cfg.File == "" {
		log := slog.New(primary)
		slog.SetDefault(log)
		return log, func() error { return nil }
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log := slog.New(primary)
		log.Error("log.file.open.fail", "file", cfg.File, "err", err)
		slog.SetDefault(log)
		return log, func() error { return nil }
	}

	log := slog.New(slogmulti.Fanout(primary, newHandler(f, "json", lvl)))
	slog.SetDefault(log)
	return log, f.Close
}

// NewLoggerWithWriters fans out to two writers (tests, embedding).
func NewLoggerWithWriters(stderr, file io.Writer, level string) *slog.Logger {
	lvl := parseLogLevel(level)
	return slog.New(slogmulti.Fanout(
		newHandler(stderr, "text", lvl),
		newHandler(file, "json", lvl),
	))
}

func newHandler(w io.Writer, format string, lvl slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl == slog.LevelDebug}
	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
