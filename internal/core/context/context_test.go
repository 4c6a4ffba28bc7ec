package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestGetActorID(t *testing.T) {
	assert.Equal(t, SystemActor, GetActorID(context.Background()))

	ctx := WithActor(context.Background(), &Actor{ID: "alice", Source: "cli"})
	assert.Equal(t, "alice", GetActorID(ctx))

	ctx = WithActor(context.Background(), &Actor{Source: "worker"})
	assert.Equal(t, SystemActor, GetActorID(ctx))
}

func TestEnsureTrace(t *testing.T) {
	ctx := EnsureTrace(context.Background())
	first := GetTrace(ctx)
	if assert.NotNil(t, first) {
		assert.NotEmpty(t, first.TraceID)
		assert.NotEmpty(t, first.RequestID)
	}

	assert.Same(t, first, GetTrace(EnsureTrace(ctx)), "existing trace is kept")
}

func TestEnsureTrace_FollowsSpan(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:  trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	got := GetTrace(EnsureTrace(ctx))
	assert.Equal(t, sc.TraceID().String(), got.TraceID)
}
