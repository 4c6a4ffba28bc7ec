package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "sequencer/internal/core/context"
	"sequencer/internal/domain/sequence"
	"sequencer/pkg/logger"
)

var key = sequence.NewKey("invoice", "kyiv")

func TestNewEventStampsActor(t *testing.T) {
	ctx := appctx.WithActor(context.Background(), &appctx.Actor{ID: "alice", Source: "cli"})
	e := NewEvent(ctx, EventNumberGenerated, key, map[string]any{"number": "INV-00001"})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "alice", e.Actor)
	assert.Equal(t, OutcomeSuccess, e.Outcome)
	assert.False(t, e.At.IsZero())

	e = NewEvent(context.Background(), EventNumberGenerated, key, nil)
	assert.Equal(t, appctx.SystemActor, e.Actor)

	failed := e.Failed(errors.New("boom"))
	assert.Equal(t, OutcomeFailure, failed.Outcome)
	assert.Equal(t, "boom", failed.Payload["error"])
}

func TestCompliance(t *testing.T) {
	assert.True(t, Compliance(EventCounterOverridden))
	assert.True(t, Compliance(EventLockStatusChanged))
	assert.False(t, Compliance(EventNumberGenerated))
}

func TestMultiSinkDeliversToAll(t *testing.T) {
	ctx := context.Background()
	failing := NewMemorySink()
	failing.RecordFunc = func(context.Context, Event) error { return errors.New("down") }
	ok := NewMemorySink()

	err := MultiSink{failing, ok}.Record(ctx, NewEvent(ctx, EventGapRecorded, key, nil))
	require.Error(t, err)
	assert.Len(t, ok.Events(), 1)
}

func TestMultiSinkBatch(t *testing.T) {
	ctx := context.Background()
	batched := NewMemorySink()
	var single []Event
	perEvent := sinkFunc(func(_ context.Context, e Event) error {
		single = append(single, e)
		return nil
	})
	events := []Event{
		NewEvent(ctx, EventGapRecorded, key, nil),
		NewEvent(ctx, EventGapReclaimed, key, nil),
	}

	require.NoError(t, MultiSink{batched, perEvent}.RecordBatch(ctx, events))
	assert.Len(t, batched.Events(), 2)
	assert.Len(t, single, 2)
}

type sinkFunc func(context.Context, Event) error

func (f sinkFunc) Record(ctx context.Context, e Event) error { return f(ctx, e) }

func TestEmitContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	var calls int
	sink := NewMemorySink()
	sink.RecordFunc = func(context.Context, Event) error {
		calls++
		if calls == 1 {
			return errors.New("first fails")
		}
		return nil
	}

	err := Emit(ctx, sink,
		NewEvent(ctx, EventGapReclaimed, key, nil),
		NewEvent(ctx, EventNumberGenerated, key, nil),
	)
	require.Error(t, err)
	assert.Len(t, sink.Events(), 1)
	assert.Equal(t, EventNumberGenerated, sink.Events()[0].Type)
}

func TestAsyncSinkFlushesOnClose(t *testing.T) {
	ctx := context.Background()
	next := NewMemorySink()
	s := NewAsyncSink(next, AsyncConfig{BufferSize: 16, BatchSize: 4, FlushInterval: time.Hour}, logger.Nop())

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Record(ctx, NewEvent(ctx, EventNumberGenerated, key, map[string]any{"i": i})))
	}
	require.NoError(t, s.Close(ctx))

	assert.Len(t, next.Events(), 10)

	// After close, records go straight through.
	require.NoError(t, s.Record(ctx, NewEvent(ctx, EventNumberGenerated, key, nil)))
	assert.Len(t, next.Events(), 11)
}

func TestAsyncSinkComplianceIsSynchronous(t *testing.T) {
	ctx := context.Background()
	next := NewMemorySink()
	s := NewAsyncSink(next, AsyncConfig{FlushInterval: time.Hour}, logger.Nop())
	defer s.Close(ctx)

	require.NoError(t, s.Record(ctx, NewEvent(ctx, EventCounterOverridden, key, nil)))
	assert.Len(t, next.ByType(EventCounterOverridden), 1, "compliance event must be written before Record returns")

	next.RecordFunc = func(context.Context, Event) error { return errors.New("audit store down") }
	assert.Error(t, s.Record(ctx, NewEvent(ctx, EventLockStatusChanged, key, nil)))
}

func TestAsyncSinkFullBufferFallsBackToSync(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var blocked atomic.Bool

	next := NewMemorySink()
	next.RecordFunc = func(_ context.Context, e Event) error {
		if e.Payload["block"] == true && blocked.CompareAndSwap(false, true) {
			<-release
		}
		return nil
	}

	s := NewAsyncSink(next, AsyncConfig{BufferSize: 1, BatchSize: 1, FlushInterval: time.Hour}, logger.Nop())

	require.NoError(t, s.Record(ctx, NewEvent(ctx, EventNumberGenerated, key, map[string]any{"block": true})))
	require.Eventually(t, blocked.Load, time.Second, time.Millisecond)

	// Writer is stuck: one event fills the buffer, the next one is written inline.
	require.NoError(t, s.Record(ctx, NewEvent(ctx, EventNumberGenerated, key, nil)))
	require.NoError(t, s.Record(ctx, NewEvent(ctx, EventGapRecorded, key, nil)))
	assert.Len(t, next.ByType(EventGapRecorded), 1)

	close(release)
	require.NoError(t, s.Close(ctx))
	assert.Len(t, next.Events(), 3)
}
