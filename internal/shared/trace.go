// Package shared holds the small cross-cutting helpers every other
// package may import without creating a dependency cycle: per-event
// trace-id plumbing and secret redaction for log/audit output.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTraceID attaches a trace id to ctx. The webhook intake handler
// stamps one per inbound request; everything downstream (dialog
// pipeline, audit records, log lines) reads it back with TraceID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID returns the trace id carried by ctx, or "-" when none was set
// (CLI entry points and tests).
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID mints a fresh trace id.
func NewTraceID() string {
	return uuid.NewString()
}
