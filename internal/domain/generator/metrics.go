package generator

import (
	"context"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/pattern"
	"sequencer/internal/domain/sequence"
)

// Metrics returns the operational snapshot of key. Concurrent calls for the same
// key share one load, which runs detached from the first caller's cancellation.
func (e *Engine) Metrics(ctx context.Context, key sequence.Key) (*sequence.Metrics, error) {
	shared := context.WithoutCancel(ctx)
	v, err, _ := e.metrics.Do(key.String(), func() (any, error) {
		return e.loadMetrics(shared, key)
	})
	if err != nil {
		return nil, err
	}
	m := *v.(*sequence.Metrics)
	return &m, nil
}

func (e *Engine) loadMetrics(ctx context.Context, key sequence.Key) (*sequence.Metrics, error) {
	if _, err := e.store.Sequences().Get(ctx, key); err != nil {
		return nil, err
	}
	c, err := e.counters.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	m := &sequence.Metrics{
		Key:             key,
		CurrentValue:    c.CurrentValue,
		GenerationCount: c.GenerationCount,
		LastGeneratedAt: c.LastGeneratedAt,
		LastIssuedAt:    c.LastIssuedAt,
		LastResetAt:     c.LastResetAt,
	}

	active, err := e.versions.ActivePattern(ctx, key, e.now())
	switch {
	case err == nil:
		tmpl, err := pattern.Parse(active.Pattern)
		if err != nil {
			return nil, err
		}
		m.ActivePattern = active.Pattern
		m.Capacity = tmpl.Capacity()
		m.UtilizationPercent = sequence.Utilization(c.CurrentValue, m.Capacity)
	case apperror.Is(err, apperror.CodeNoActivePattern):
		// no pattern in effect today: report counters only
	default:
		return nil, err
	}

	if m.GapCount, err = e.gaps.CountUnfilled(ctx, key); err != nil {
		return nil, err
	}
	reservations, err := e.reservations.Active(ctx, key)
	if err != nil {
		return nil, err
	}
	m.ActiveReservations = len(reservations)
	return m, nil
}
