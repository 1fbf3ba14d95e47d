package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	processorKey
	processKey
)

// WithRunID returns a context carrying the workflow run id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithProcessor returns a context carrying the processor (workflow step) name.
func WithProcessor(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, processorKey, name)
}

// WithProcess returns a context carrying an owning process path.
func WithProcess(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, processKey, path)
}

// RunID extracts the run id from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Processor extracts the processor name from the context, or "" if absent.
func Processor(ctx context.Context) string {
	v, _ := ctx.Value(processorKey).(string)
	return v
}

// Process extracts the owning process path from the context, or "" if absent.
func Process(ctx context.Context) string {
	v, _ := ctx.Value(processKey).(string)
	return v
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := RunID(ctx); v != "" {
		attrs = append(attrs, slog.String("run_id", v))
	}
	if v := Processor(ctx); v != "" {
		attrs = append(attrs, slog.String("processor", v))
	}
	if v := Process(ctx); v != "" {
		attrs = append(attrs, slog.String("process", v))
	}
	return attrs
}

// LogWith returns a logger enriched with the correlation ids found on ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects the correlation ids
// from the record's context. Use with logger.DebugContext(ctx, ...).
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with correlation id injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
