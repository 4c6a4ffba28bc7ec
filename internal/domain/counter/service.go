// Package counter implements the counter store operations of the engine on top of a
// sequence.CounterStore backend.
package counter

import (
	"context"
	"time"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

// ResetReason says why a counter must be reset.
type ResetReason string

const (
	ResetNone   ResetReason = ""
	ResetPeriod ResetReason = "period"
	ResetLimit  ResetReason = "limit"
)

// Service wraps a CounterStore with the engine's counter rules.
type Service struct {
	store sequence.CounterStore
}

// NewService creates a counter Service.
func NewService(store sequence.CounterStore) *Service {
	return &Service{store: store}
}

// Get returns an unlocked snapshot of the counter.
func (s *Service) Get(ctx context.Context, key sequence.Key) (*sequence.Counter, error) {
	return s.store.Get(ctx, key)
}

// GetWithLock takes the exclusive per-sequence lock and returns the counter.
// The lock is held until the transaction in ctx ends.
func (s *Service) GetWithLock(ctx context.Context, key sequence.Key) (*sequence.Counter, error) {
	return s.store.GetForUpdate(ctx, key)
}

// Increment adds step to the counter and returns the new value.
func (s *Service) Increment(ctx context.Context, key sequence.Key, step int64) (int64, error) {
	if step < 1 {
		return 0, apperror.NewValidation("step size must be at least 1").WithDetail("step_size", step)
	}
	return s.store.Increment(ctx, key, step)
}

// Reset puts the counter back to initial and zeroes the generation count.
// at becomes the counter's LastResetAt and anchors the next period check.
func (s *Service) Reset(ctx context.Context, key sequence.Key, initial int64, at time.Time) error {
	return s.store.Reset(ctx, key, initial, at)
}

// RecordGeneration counts one generation made at issuedAt for the reference date at.
func (s *Service) RecordGeneration(ctx context.Context, key sequence.Key, at, issuedAt time.Time) error {
	return s.store.RecordGeneration(ctx, key, at, issuedAt)
}

// GetGenerationCount returns the number of generations since the last reset.
func (s *Service) GetGenerationCount(ctx context.Context, key sequence.Key) (int64, error) {
	c, err := s.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	return c.GenerationCount, nil
}

// SetOverride sets the counter to value under the sequence lock and returns the
// previous value. Negative values are always rejected; values below the current
// one are rejected unless force is set.
func (s *Service) SetOverride(ctx context.Context, key sequence.Key, value int64, force bool) (int64, error) {
	c, err := s.store.GetForUpdate(ctx, key)
	if err != nil {
		return 0, err
	}
	if value < 0 || (value < c.CurrentValue && !force) {
		return c.CurrentValue, apperror.NewInvalidCounterValue(key.String(), c.CurrentValue, value).
			WithDetail("forced", force)
	}
	if err := s.store.SetValue(ctx, key, value); err != nil {
		return c.CurrentValue, err
	}
	return c.CurrentValue, nil
}

// NeedsReset reports whether the counter must be reset before generating for asOf.
//
// The period check compares calendar fields in asOf's location against LastResetAt,
// or LastGeneratedAt for a counter that has never been reset. A counter with neither
// has nothing to reset. The count check fires when ResetLimit > 0 and the generation
// count reached it.
func NeedsReset(seq *sequence.Sequence, c *sequence.Counter, asOf time.Time) (bool, ResetReason) {
	if periodElapsed(seq.ResetPeriod, anchor(c), asOf) {
		return true, ResetPeriod
	}
	if seq.ResetLimit > 0 && c.GenerationCount >= seq.ResetLimit {
		return true, ResetLimit
	}
	return false, ResetNone
}

func anchor(c *sequence.Counter) *time.Time {
	if c.LastResetAt != nil {
		return c.LastResetAt
	}
	return c.LastGeneratedAt
}

func periodElapsed(period sequence.ResetPeriod, last *time.Time, asOf time.Time) bool {
	if last == nil {
		return false
	}
	prev := last.In(asOf.Location())

	switch period {
	case sequence.ResetDaily:
		y1, m1, d1 := prev.Date()
		y2, m2, d2 := asOf.Date()
		return y1 != y2 || m1 != m2 || d1 != d2
	case sequence.ResetMonthly:
		return prev.Year() != asOf.Year() || prev.Month() != asOf.Month()
	case sequence.ResetYearly:
		return prev.Year() != asOf.Year()
	default:
		return false
	}
}
