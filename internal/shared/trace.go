package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTraceID attaches a trace_id to the context. cmd/observer's
// watchConfigReloads is the canonical caller: it mints one trace_id per
// config.yaml change and threads it through context so the "reload
// triggered"/"reload failed or applied" log lines and the resulting
// config.reload_failed/config.reloaded Ingest event all carry the same
// value, letting an operator grep one trace_id across both surfaces for a
// single reload.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent, matching
// the placeholder telemetry.NewLogger's base logger attaches before any
// request- or reload-scoped trace_id is known.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}
