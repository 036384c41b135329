package otel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// ParseLevel maps LOG_LEVEL values (debug, info, warn, error) to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NewLogger returns the process logger: JSON lines on w, and when provider is non-nil every record is also
// bridged to the OTel LoggerProvider so it leaves with the traces.
func NewLogger(w io.Writer, level slog.Level, serviceName string, provider *sdklog.LoggerProvider) *slog.Logger {
	local := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	if provider == nil {
		return slog.New(local)
	}
	bridge := otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider))
	return slog.New(fanout{level: level, handlers: []slog.Handler{local, bridge}})
}

// fanout sends each record to every handler at or above level.
type fanout struct {
	level    slog.Leveler
	handlers []slog.Handler
}

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= f.level.Level()
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return fanout{level: f.level, handlers: next}
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return fanout{level: f.level, handlers: next}
}
