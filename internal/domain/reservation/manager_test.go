package reservation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/audit"
	"sequencer/internal/domain/gap"
	"sequencer/internal/domain/reservation"
	"sequencer/internal/domain/sequence"
	"sequencer/internal/infrastructure/storage/memory"
	"sequencer/pkg/logger"
)

var key = sequence.NewKey("invoice", "")

// MockIssuer is a hand mock of reservation.Issuer.
type MockIssuer struct {
	IssueBatchFunc func(ctx context.Context, key sequence.Key, count int, ref time.Time, vars map[string]string) ([]string, []audit.Event, error)
}

func (m *MockIssuer) IssueBatch(ctx context.Context, key sequence.Key, count int, ref time.Time, vars map[string]string) ([]string, []audit.Event, error) {
	return m.IssueBatchFunc(ctx, key, count, ref, vars)
}

// counterIssuer issues "N-<value>" straight from the counter store.
func counterIssuer(store *memory.Store) *MockIssuer {
	return &MockIssuer{
		IssueBatchFunc: func(ctx context.Context, key sequence.Key, count int, _ time.Time, _ map[string]string) ([]string, []audit.Event, error) {
			if _, err := store.Counters().GetForUpdate(ctx, key); err != nil {
				return nil, nil, err
			}
			out := make([]string, 0, count)
			for i := 0; i < count; i++ {
				v, err := store.Counters().Increment(ctx, key, 1)
				if err != nil {
					return nil, nil, err
				}
				out = append(out, fmt.Sprintf("N-%d", v))
			}
			return out, nil, nil
		},
	}
}

type fixture struct {
	store *memory.Store
	mgr   *reservation.Manager
	sink  *audit.MemorySink
	gaps  *gap.Tracker
	now   time.Time
}

func newFixture(t *testing.T, policy sequence.GapPolicy) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Sequences().Create(ctx, &sequence.Sequence{
		Key: key, Pattern: "N-{COUNTER}", GapPolicy: policy, StepSize: 1, Active: true,
	}))
	require.NoError(t, store.Counters().Init(ctx, key, 0))

	f := &fixture{
		store: store,
		sink:  audit.NewMemorySink(),
		gaps:  gap.NewTracker(store.Gaps()),
		now:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.mgr = reservation.NewManager(store, f.gaps, counterIssuer(store), f.sink, logger.Nop(), reservation.Config{SweepBatch: 2})
	f.mgr.SetClock(func() time.Time { return f.now })
	return f
}

func TestReserveHoldsNumbers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sequence.GapFill)

	res, err := f.mgr.Reserve(ctx, key, 3, time.Minute, f.now, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"N-1", "N-2", "N-3"}, res.Numbers)
	assert.Equal(t, sequence.ReservationActive, res.Status)
	assert.Equal(t, f.now.Add(time.Minute), res.ExpiresAt)

	reserved, err := f.mgr.IsReserved(ctx, key, "N-2")
	require.NoError(t, err)
	assert.True(t, reserved)

	active, err := f.mgr.Active(ctx, key)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	assert.Len(t, f.sink.ByType(audit.EventReservationCreated), 1)
}

func TestReserveValidatesAndRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sequence.GapFill)

	_, err := f.mgr.Reserve(ctx, key, 0, time.Minute, f.now, nil)
	assert.True(t, apperror.Is(err, apperror.CodeValidation))
	_, err = f.mgr.Reserve(ctx, key, 1, 0, f.now, nil)
	assert.True(t, apperror.Is(err, apperror.CodeValidation))

	issuer := counterIssuer(f.store)
	inner := issuer.IssueBatchFunc
	issuer.IssueBatchFunc = func(ctx context.Context, key sequence.Key, count int, ref time.Time, vars map[string]string) ([]string, []audit.Event, error) {
		if _, _, err := inner(ctx, key, count, ref, vars); err != nil {
			return nil, nil, err
		}
		return nil, nil, errors.New("render failed")
	}
	mgr := reservation.NewManager(f.store, f.gaps, issuer, f.sink, logger.Nop(), reservation.Config{})

	_, err = mgr.Reserve(ctx, key, 5, time.Minute, f.now, nil)
	require.Error(t, err)

	c, _ := f.store.Counters().Get(ctx, key)
	assert.Equal(t, int64(0), c.CurrentValue, "all or nothing")
}

func TestReleaseByPolicy(t *testing.T) {
	tests := []struct {
		policy sequence.GapPolicy
		gaps   int
	}{
		{sequence.GapFill, 2},
		{sequence.GapReportOnly, 2},
		{sequence.GapAllow, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, tt.policy)

			res, err := f.mgr.Reserve(ctx, key, 3, time.Minute, f.now, nil)
			require.NoError(t, err)

			require.NoError(t, f.mgr.Release(ctx, key, []string{"N-3", "N-1"}))

			report, _ := f.gaps.Report(ctx, key)
			assert.Len(t, report, tt.gaps)
			if tt.gaps > 0 {
				assert.Equal(t, "N-3", report[0].Number, "gaps follow release order")
			}

			got, err := f.mgr.Get(ctx, res.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"N-2"}, got.Held)
			assert.Equal(t, sequence.ReservationActive, got.Status)

			c, _ := f.store.Counters().Get(ctx, key)
			assert.Equal(t, int64(3), c.CurrentValue, "counter never moves back")
		})
	}
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sequence.GapFill)

	res, err := f.mgr.Reserve(ctx, key, 2, time.Minute, f.now, nil)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Finalize(ctx, key, []string{"N-1", "N-2"}))
	got, _ := f.mgr.Get(ctx, res.ID)
	assert.Equal(t, sequence.ReservationFinalized, got.Status)

	err = f.mgr.Release(ctx, key, []string{"N-1"})
	assert.True(t, apperror.IsNotFound(err), "finalized numbers are no longer held")

	report, _ := f.gaps.Report(ctx, key)
	assert.Empty(t, report)
	assert.Len(t, f.sink.ByType(audit.EventReservationFinalized), 1)
}

func TestReleaseUnknownNumberChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sequence.GapFill)

	res, err := f.mgr.Reserve(ctx, key, 2, time.Minute, f.now, nil)
	require.NoError(t, err)

	err = f.mgr.Release(ctx, key, []string{"N-1", "N-99"})
	assert.True(t, apperror.IsNotFound(err))

	got, _ := f.mgr.Get(ctx, res.ID)
	assert.Equal(t, []string{"N-1", "N-2"}, got.Held)
	report, _ := f.gaps.Report(ctx, key)
	assert.Empty(t, report)
}

func TestReleaseExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sequence.GapFill)

	for i := 0; i < 3; i++ {
		_, err := f.mgr.Reserve(ctx, key, 2, time.Minute, f.now, nil)
		require.NoError(t, err)
	}
	long, err := f.mgr.Reserve(ctx, key, 1, time.Hour, f.now, nil)
	require.NoError(t, err)

	// Not yet expired: still held.
	n, err := f.mgr.ReleaseExpired(ctx, f.now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.mgr.ReleaseExpired(ctx, f.now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, n, "processed across several sweep pages")

	n, err = f.mgr.ReleaseExpired(ctx, f.now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "idempotent")

	unfilled, _ := f.gaps.CountUnfilled(ctx, key)
	assert.Equal(t, 6, unfilled)
	assert.Len(t, f.sink.ByType(audit.EventReservationExpired), 3)

	active, _ := f.mgr.Active(ctx, key)
	require.Len(t, active, 1)
	assert.Equal(t, long.ID, active[0].ID)
}

func TestSweepExpired_CallsHookBetweenPages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sequence.GapFill)

	for i := 0; i < 5; i++ {
		_, err := f.mgr.Reserve(ctx, key, 1, time.Minute, f.now, nil)
		require.NoError(t, err)
	}

	var seen []int
	n, err := f.mgr.SweepExpired(ctx, f.now.Add(time.Hour), func(_ context.Context, released int) error {
		seen = append(seen, released)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []int{2, 4}, seen, "not called after the final short page")
}

func TestSweepExpired_HookErrorStopsSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sequence.GapFill)

	for i := 0; i < 5; i++ {
		_, err := f.mgr.Reserve(ctx, key, 1, time.Minute, f.now, nil)
		require.NoError(t, err)
	}

	lost := errors.New("lease lost")
	n, err := f.mgr.SweepExpired(ctx, f.now.Add(time.Hour), func(context.Context, int) error { return lost })
	require.ErrorIs(t, err, lost)
	assert.Equal(t, 2, n)

	active, _ := f.mgr.Active(ctx, key)
	assert.Len(t, active, 3)
}

func TestReleaseExpiredConcurrentSweepers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sequence.GapFill)

	for i := 0; i < 10; i++ {
		_, err := f.mgr.Reserve(ctx, key, 1, time.Minute, f.now, nil)
		require.NoError(t, err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.mgr.ReleaseExpired(ctx, f.now.Add(time.Hour))
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Every reservation is expired exactly once.
	_, _ = f.mgr.ReleaseExpired(ctx, f.now.Add(time.Hour))
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, total, 10)
	assert.Len(t, f.sink.ByType(audit.EventReservationExpired), 10)

	unfilled, _ := f.gaps.CountUnfilled(ctx, key)
	assert.Equal(t, 10, unfilled, "no number released twice")
}
