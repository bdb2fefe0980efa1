package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"
)

// Logger writes one JSON object per line: timestamp, level, message and the
// caller's fields.
type Logger struct {
	base *slog.Logger
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout)
}

func NewLoggerTo(w io.Writer) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
			case slog.LevelKey:
				return slog.String("level", strings.ToLower(a.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: a.Value}
			}
			return a
		},
	})
	return &Logger{base: slog.New(handler)}
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.write(slog.LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.write(slog.LevelWarn, message, fields)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.write(slog.LevelError, message, fields)
}

func (l *Logger) write(level slog.Level, message string, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}

	l.base.LogAttrs(context.Background(), level, message, attrs...)
}
