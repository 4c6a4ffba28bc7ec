package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

var key = sequence.NewKey("invoice", "kyiv")

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Sequences().Create(ctx, &sequence.Sequence{Key: key, Pattern: "INV-{COUNTER:3}", Active: true}))
	require.NoError(t, s.Counters().Init(ctx, key, 0))
	return s
}

func TestRunInTransaction_RollsBackEveryRepository(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()
	boom := errors.New("boom")

	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		_, err := s.Counters().GetForUpdate(ctx, key)
		require.NoError(t, err)

		_, err = s.Counters().Increment(ctx, key, 5)
		require.NoError(t, err)
		require.NoError(t, s.Counters().RecordGeneration(ctx, key, now, now))
		require.NoError(t, s.Gaps().Add(ctx, &sequence.Gap{Key: key, Number: "INV-001"}))
		require.NoError(t, s.Versions().Add(ctx, &sequence.PatternVersion{Key: key, Pattern: "X-{COUNTER}", EffectiveFrom: now}))
		require.NoError(t, s.Reservations().Create(ctx, &sequence.Reservation{ID: "r1", Key: key, Status: sequence.ReservationActive}))

		seq, err := s.Sequences().Get(ctx, key)
		require.NoError(t, err)
		seq.Locked = true
		require.NoError(t, s.Sequences().Update(ctx, seq))
		return boom
	})
	require.ErrorIs(t, err, boom)

	c, err := s.Counters().Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.CurrentValue)
	assert.Equal(t, int64(0), c.GenerationCount)
	assert.Nil(t, c.LastGeneratedAt)

	gaps, _ := s.Gaps().List(ctx, key)
	assert.Empty(t, gaps)
	versions, _ := s.Versions().List(ctx, key)
	assert.Empty(t, versions)
	_, err = s.Reservations().Get(ctx, "r1")
	assert.True(t, apperror.IsNotFound(err))

	seq, _ := s.Sequences().Get(ctx, key)
	assert.False(t, seq.Locked)

	// The counter lock was released.
	assert.Equal(t, 0, s.locks.Len())
}

func TestRunInTransaction_CommitKeepsChanges(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.Counters().GetForUpdate(ctx, key); err != nil {
			return err
		}
		_, err := s.Counters().Increment(ctx, key, 1)
		return err
	})
	require.NoError(t, err)

	c, _ := s.Counters().Get(ctx, key)
	assert.Equal(t, int64(1), c.CurrentValue)
}

func TestRunInTransaction_RollsBackOnPanic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = s.RunInTransaction(ctx, func(ctx context.Context) error {
			_, _ = s.Counters().GetForUpdate(ctx, key)
			_, _ = s.Counters().Increment(ctx, key, 1)
			panic("boom")
		})
	})

	c, _ := s.Counters().Get(ctx, key)
	assert.Equal(t, int64(0), c.CurrentValue)
	assert.Equal(t, 0, s.locks.Len())
}

func TestGetForUpdate_RequiresTransaction(t *testing.T) {
	s := newStore(t)
	_, err := s.Counters().GetForUpdate(context.Background(), key)
	assert.Error(t, err)
}

func TestGetForUpdate_SerializesIncrements(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RunInTransaction(ctx, func(ctx context.Context) error {
				c, err := s.Counters().GetForUpdate(ctx, key)
				if err != nil {
					return err
				}
				// read-modify-write only stays correct under the lock
				return s.Counters().SetValue(ctx, key, c.CurrentValue+1)
			})
		}()
	}
	wg.Wait()

	c, _ := s.Counters().Get(ctx, key)
	assert.Equal(t, int64(50), c.CurrentValue)
}

func TestGapOrderAndFill(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, n := range []string{"INV-003", "INV-001"} {
		require.NoError(t, s.Gaps().Add(ctx, &sequence.Gap{Key: key, Number: n}))
	}

	g, err := s.Gaps().NextUnfilled(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "INV-003", g.Number)

	require.NoError(t, s.Gaps().MarkFilled(ctx, g.ID, time.Now()))
	g, _ = s.Gaps().NextUnfilled(ctx, key)
	assert.Equal(t, "INV-001", g.Number)

	found, _ := s.Gaps().FindUnfilled(ctx, key, "INV-003")
	assert.Nil(t, found)

	n, _ := s.Gaps().CountUnfilled(ctx, key)
	assert.Equal(t, 1, n)

	cleared, err := s.Gaps().Clear(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)
}

func TestVersionsSortedByEffectiveFrom(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	jan := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Versions().Add(ctx, &sequence.PatternVersion{Key: key, Pattern: "B-{COUNTER}", EffectiveFrom: jun}))
	require.NoError(t, s.Versions().Add(ctx, &sequence.PatternVersion{Key: key, Pattern: "A-{COUNTER}", EffectiveFrom: jan, EffectiveUntil: &jun}))

	list, err := s.Versions().List(ctx, key)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A-{COUNTER}", list[0].Pattern)

	require.NoError(t, s.Versions().SetUntil(ctx, list[1].ID, &jun))
	list, _ = s.Versions().List(ctx, key)
	assert.Equal(t, jun, *list[1].EffectiveUntil)
}

func TestReservationLockActive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	require.NoError(t, s.Reservations().Create(ctx, &sequence.Reservation{ID: "r1", Key: key, Status: sequence.ReservationActive, ExpiresAt: past}))
	require.NoError(t, s.Reservations().Create(ctx, &sequence.Reservation{ID: "r2", Key: key, Status: sequence.ReservationReleased, ExpiresAt: past}))

	ids, err := s.Reservations().ListExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.RunInTransaction(ctx, func(ctx context.Context) error {
			res, err := s.Reservations().LockActive(ctx, "r1")
			require.NoError(t, err)
			require.NotNil(t, res)
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	err = s.RunInTransaction(ctx, func(ctx context.Context) error {
		res, err := s.Reservations().LockActive(ctx, "r1")
		assert.Nil(t, res, "locked by the other transaction")
		assert.NoError(t, err)

		res, err = s.Reservations().LockActive(ctx, "r2")
		assert.Nil(t, res, "not active")
		return err
	})
	require.NoError(t, err)
	close(done)
}
