package counter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/counter"
	"sequencer/internal/domain/sequence"
	"sequencer/internal/infrastructure/storage/memory"
)

var key = sequence.NewKey("invoice", "")

func at(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func TestNeedsReset(t *testing.T) {
	tests := []struct {
		name    string
		period  sequence.ResetPeriod
		limit   int64
		counter sequence.Counter
		asOf    time.Time
		want    bool
		reason  counter.ResetReason
	}{
		{
			name:    "never",
			period:  sequence.ResetNever,
			counter: sequence.Counter{LastResetAt: ptr(at(2020, 1, 1, 0))},
			asOf:    at(2025, 1, 1, 0),
		},
		{
			name:    "daily same day",
			period:  sequence.ResetDaily,
			counter: sequence.Counter{LastResetAt: ptr(at(2025, 3, 10, 1))},
			asOf:    at(2025, 3, 10, 23),
		},
		{
			name:    "daily next day",
			period:  sequence.ResetDaily,
			counter: sequence.Counter{LastResetAt: ptr(at(2025, 3, 10, 23))},
			asOf:    at(2025, 3, 11, 0),
			want:    true,
			reason:  counter.ResetPeriod,
		},
		{
			name:    "monthly same month",
			period:  sequence.ResetMonthly,
			counter: sequence.Counter{LastResetAt: ptr(at(2025, 3, 1, 0))},
			asOf:    at(2025, 3, 31, 0),
		},
		{
			name:    "monthly next month",
			period:  sequence.ResetMonthly,
			counter: sequence.Counter{LastResetAt: ptr(at(2025, 3, 31, 0))},
			asOf:    at(2025, 4, 1, 0),
			want:    true,
			reason:  counter.ResetPeriod,
		},
		{
			name:    "yearly falls back to last generation",
			period:  sequence.ResetYearly,
			counter: sequence.Counter{LastGeneratedAt: ptr(at(2024, 12, 31, 0))},
			asOf:    at(2025, 1, 1, 0),
			want:    true,
			reason:  counter.ResetPeriod,
		},
		{
			name:   "fresh counter",
			period: sequence.ResetDaily,
			asOf:   at(2025, 1, 1, 0),
		},
		{
			name:    "limit reached",
			period:  sequence.ResetNever,
			limit:   3,
			counter: sequence.Counter{GenerationCount: 3},
			asOf:    at(2025, 1, 1, 0),
			want:    true,
			reason:  counter.ResetLimit,
		},
		{
			name:    "limit not reached",
			period:  sequence.ResetNever,
			limit:   3,
			counter: sequence.Counter{GenerationCount: 2},
			asOf:    at(2025, 1, 1, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := &sequence.Sequence{Key: key, ResetPeriod: tt.period, ResetLimit: tt.limit}
			got, reason := counter.NeedsReset(seq, &tt.counter, tt.asOf)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestNeedsReset_UsesReferenceLocation(t *testing.T) {
	kyiv := time.FixedZone("EET", 2*60*60)
	seq := &sequence.Sequence{Key: key, ResetPeriod: sequence.ResetDaily}

	// 23:00 UTC on the 10th is already the 11th in Kyiv.
	c := &sequence.Counter{LastResetAt: ptr(at(2025, 3, 10, 12))}
	got, _ := counter.NeedsReset(seq, c, at(2025, 3, 10, 23).In(kyiv))
	assert.True(t, got)
}

func newService(t *testing.T) (*counter.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.Counters().Init(context.Background(), key, 10))
	return counter.NewService(store.Counters()), store
}

func TestSetOverride(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	run := func(value int64, force bool) (int64, error) {
		var prev int64
		err := store.RunInTransaction(ctx, func(ctx context.Context) error {
			var err error
			prev, err = svc.SetOverride(ctx, key, value, force)
			return err
		})
		return prev, err
	}

	_, err := run(5, false)
	assert.True(t, apperror.Is(err, apperror.CodeInvalidCounterValue), "regression needs force")

	_, err = run(-1, true)
	assert.True(t, apperror.Is(err, apperror.CodeInvalidCounterValue), "negative is never allowed")

	prev, err := run(20, false)
	require.NoError(t, err)
	assert.Equal(t, int64(10), prev)

	prev, err = run(3, true)
	require.NoError(t, err)
	assert.Equal(t, int64(20), prev)

	c, _ := svc.Get(ctx, key)
	assert.Equal(t, int64(3), c.CurrentValue)
}

func TestIncrementAndReset(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	ref := at(2025, 5, 1, 0)

	err := store.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := svc.GetWithLock(ctx, key); err != nil {
			return err
		}
		v, err := svc.Increment(ctx, key, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(15), v)

		_, err = svc.Increment(ctx, key, 0)
		assert.True(t, apperror.Is(err, apperror.CodeValidation))

		require.NoError(t, svc.RecordGeneration(ctx, key, ref, ref.Add(time.Hour)))
		return nil
	})
	require.NoError(t, err)

	n, err := svc.GetGenerationCount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.RunInTransaction(ctx, func(ctx context.Context) error {
		return svc.Reset(ctx, key, 0, ref)
	}))

	c, _ := svc.Get(ctx, key)
	assert.Equal(t, int64(0), c.CurrentValue)
	assert.Equal(t, int64(0), c.GenerationCount)
	assert.Equal(t, ref, *c.LastResetAt)
}
