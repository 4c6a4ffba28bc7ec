package memory

import (
	"context"
	"time"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

type counterRepo Store

// counterLockName is the keyed-mutex name of a sequence's counter lock.
func counterLockName(key sequence.Key) string {
	return "counter:" + key.String()
}

func (r *counterRepo) Init(ctx context.Context, key sequence.Key, value int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.counters[key]; ok {
		return apperror.NewConflict("counter already exists").WithDetail("sequence", key.String())
	}
	r.counters[key] = sequence.Counter{Key: key, CurrentValue: value}

	(*Store)(r).onRollback(ctx, func() { delete(r.counters, key) })
	return nil
}

func (r *counterRepo) Get(_ context.Context, key sequence.Key) (*sequence.Counter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.counters[key]
	if !ok {
		return nil, apperror.NewSequenceNotFound(key.String())
	}
	return &c, nil
}

func (r *counterRepo) GetForUpdate(ctx context.Context, key sequence.Key) (*sequence.Counter, error) {
	if err := (*Store)(r).lockKey(ctx, counterLockName(key)); err != nil {
		return nil, err
	}
	return r.Get(ctx, key)
}

func (r *counterRepo) Increment(ctx context.Context, key sequence.Key, delta int64) (int64, error) {
	var value int64
	err := r.mutate(ctx, key, func(c *sequence.Counter) {
		c.CurrentValue += delta
		value = c.CurrentValue
	})
	return value, err
}

func (r *counterRepo) Reset(ctx context.Context, key sequence.Key, value int64, at time.Time) error {
	return r.mutate(ctx, key, func(c *sequence.Counter) {
		c.CurrentValue = value
		c.GenerationCount = 0
		c.LastResetAt = &at
	})
}

func (r *counterRepo) SetValue(ctx context.Context, key sequence.Key, value int64) error {
	return r.mutate(ctx, key, func(c *sequence.Counter) {
		c.CurrentValue = value
	})
}

func (r *counterRepo) RecordGeneration(ctx context.Context, key sequence.Key, at, issuedAt time.Time) error {
	return r.mutate(ctx, key, func(c *sequence.Counter) {
		c.GenerationCount++
		c.LastGeneratedAt = &at
		c.LastIssuedAt = &issuedAt
	})
}

func (r *counterRepo) mutate(ctx context.Context, key sequence.Key, fn func(c *sequence.Counter)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.counters[key]
	if !ok {
		return apperror.NewSequenceNotFound(key.String())
	}
	next := prev
	fn(&next)
	r.counters[key] = next

	(*Store)(r).onRollback(ctx, func() { r.counters[key] = prev })
	return nil
}
