// Package telemetry builds the daemon's structured logger.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/starry/internal/shared"
)

// LogFileName is the JSONL sink inside <home>/logs.
const LogFileName = "system.jsonl"

// Sink is the daemon logger plus the handles needed to retune and close it.
type Sink struct {
	Logger *slog.Logger
	level  *slog.LevelVar
	file   *os.File
}

// NewSink opens <home>/logs/system.jsonl and returns a logger that writes
// JSON records there and, unless quiet, to stderr as well.
func NewSink(homeDir, level string, quiet bool) (*Sink, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stderr, file)
	}
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))
	return &Sink{
		Logger: slog.New(NewHandler(w, lv)).With("component", "starry"),
		level:  lv,
		file:   file,
	}, nil
}

// SetLevel changes the minimum level of every logger derived from the sink.
// It reports whether the level actually changed.
func (s *Sink) SetLevel(level string) bool {
	next := ParseLevel(level)
	if s.level.Level() == next {
		return false
	}
	s.level.Set(next)
	return true
}

// Close closes the log file.
func (s *Sink) Close() error {
	return s.file.Close()
}

// NewHandler returns the JSON handler used by NewSink, with credential
// redaction applied to keys and string values.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	})
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	if lower := strings.ToLower(v); strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return slog.String(a.Key, "[REDACTED]")
	}
	if redacted := shared.Redact(v); redacted != v {
		return slog.String(a.Key, redacted)
	}
	return a
}

// ParseLevel maps a config.yaml log_level to a slog level. Unknown values
// mean info.
func ParseLevel(level string) slog.Level {
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
