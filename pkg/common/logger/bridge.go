package logger

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	otellog "go.opentelemetry.io/otel/log"
)

// WithOTel returns a logger that also emits every record it writes to the
// OpenTelemetry logs pipeline of provider, under the instrumentation scope
// name. The level filter of log still applies to the bridged records.
func (log *Logger) WithOTel(name string, provider otellog.LoggerProvider) *Logger {
	if log.discard {
		return log
	}

	bridge := otelslog.NewHandler(name, otelslog.WithLoggerProvider(provider))
	return &Logger{
		handler: &teeHandler{
			primary:   log.handler,
			secondary: bridge.WithAttrs(log.attrs),
		},
		traceIDFn: log.traceIDFn,
		attrs:     log.attrs,
	}
}

// teeHandler writes to primary and secondary; primary decides which levels
// are enabled.
type teeHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{primary: h.primary.WithAttrs(attrs), secondary: h.secondary.WithAttrs(attrs)}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{primary: h.primary.WithGroup(name), secondary: h.secondary.WithGroup(name)}
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	return errors.Join(
		h.primary.Handle(ctx, r.Clone()),
		h.secondary.Handle(ctx, r),
	)
}
