package context

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"sequencer/internal/core/id"
)

// TraceContext correlates the log lines and audit events of one command run or
// one worker pass.
type TraceContext struct {
	TraceID   string
	RequestID string
}

type traceContextKey struct{}

// WithTrace adds TraceContext to context.
func WithTrace(ctx context.Context, t *TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, t)
}

// GetTrace returns TraceContext from context.
func GetTrace(ctx context.Context) *TraceContext {
	if v, ok := ctx.Value(traceContextKey{}).(*TraceContext); ok {
		return v
	}
	return nil
}

// EnsureTrace returns ctx with a TraceContext, creating one when absent. The
// trace ID is taken from the active OpenTelemetry span when there is one.
func EnsureTrace(ctx context.Context) context.Context {
	if GetTrace(ctx) != nil {
		return ctx
	}
	t := &TraceContext{RequestID: id.NewString()}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		t.TraceID = sc.TraceID().String()
	} else {
		t.TraceID = id.NewString()
	}
	return WithTrace(ctx, t)
}
