// Package version manages the effective-dated pattern history of each sequence.
package version

import (
	"context"
	"time"

	"sequencer/internal/core/apperror"
	"sequencer/internal/core/tx"
	"sequencer/internal/domain/pattern"
	"sequencer/internal/domain/sequence"
)

const dateLayout = time.RFC3339

// Registry resolves and creates pattern versions.
//
// Version changes serialize on the same per-sequence lock as generation, so a
// conflict check never races with a concurrent create or an overflow switch.
type Registry struct {
	txm      tx.Manager
	versions sequence.VersionStore
	counters sequence.CounterStore
	now      func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(txm tx.Manager, versions sequence.VersionStore, counters sequence.CounterStore) *Registry {
	return &Registry{txm: txm, versions: versions, counters: counters, now: time.Now}
}

// ActivePattern returns the version whose interval contains date.
func (r *Registry) ActivePattern(ctx context.Context, key sequence.Key, date time.Time) (*sequence.PatternVersion, error) {
	list, err := r.versions.List(ctx, key)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Contains(date) {
			return &list[i], nil
		}
	}
	return nil, apperror.NewNoActivePattern(key.String(), date.Format(dateLayout))
}

// All returns every version of key ordered by EffectiveFrom.
func (r *Registry) All(ctx context.Context, key sequence.Key) ([]sequence.PatternVersion, error) {
	return r.versions.List(ctx, key)
}

// Create adds a version valid over [from, until). An interval that intersects any
// existing version fails with PatternVersionConflict; open versions are never
// truncated implicitly, see Close.
func (r *Registry) Create(ctx context.Context, key sequence.Key, tmpl string, from time.Time, until *time.Time) (*sequence.PatternVersion, error) {
	if _, err := pattern.Parse(tmpl); err != nil {
		return nil, err
	}
	if until != nil && !until.After(from) {
		return nil, apperror.NewValidation("effective_until must be after effective_from").
			WithDetail("sequence", key.String()).
			WithDetail("effective_from", from.Format(dateLayout)).
			WithDetail("effective_until", until.Format(dateLayout))
	}

	var created *sequence.PatternVersion
	err := r.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := r.counters.GetForUpdate(ctx, key); err != nil {
			return err
		}

		list, err := r.versions.List(ctx, key)
		if err != nil {
			return err
		}
		for _, v := range list {
			if v.Overlaps(from, until) {
				return conflict(key, from, until).
					WithDetail("existing_pattern", v.Pattern).
					WithDetail("existing_from", v.EffectiveFrom.Format(dateLayout))
			}
		}

		created = &sequence.PatternVersion{
			Key:            key,
			Pattern:        tmpl,
			EffectiveFrom:  from,
			EffectiveUntil: until,
			CreatedAt:      r.now().UTC(),
		}
		return r.versions.Add(ctx, created)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Close ends the open-ended version of key at at. It is the only way to truncate a
// version. The version must have started before at.
func (r *Registry) Close(ctx context.Context, key sequence.Key, at time.Time) (*sequence.PatternVersion, error) {
	var closed *sequence.PatternVersion
	err := r.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := r.counters.GetForUpdate(ctx, key); err != nil {
			return err
		}

		list, err := r.versions.List(ctx, key)
		if err != nil {
			return err
		}
		for i := range list {
			v := list[i]
			if !v.IsOpen() {
				continue
			}
			if !at.After(v.EffectiveFrom) {
				return conflict(key, v.EffectiveFrom, &at).
					WithDetail("reason", "version starts at or after the close date")
			}
			if err := r.versions.SetUntil(ctx, v.ID, &at); err != nil {
				return err
			}
			v.EffectiveUntil = &at
			closed = &v
			return nil
		}
		return apperror.NewNotFound("open pattern version", key.String())
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// Split closes current at at and opens tmpl from at until current's end. When
// current itself starts at at there is nothing left to keep, and its template is
// replaced in place. It must run inside a transaction that holds the counter lock
// of key; the overflow switch uses it.
func (r *Registry) Split(ctx context.Context, current *sequence.PatternVersion, tmpl string, at time.Time) (*sequence.PatternVersion, error) {
	if at.Equal(current.EffectiveFrom) {
		if err := r.versions.SetPattern(ctx, current.ID, tmpl); err != nil {
			return nil, err
		}
		replaced := *current
		replaced.Pattern = tmpl
		return &replaced, nil
	}
	if at.Before(current.EffectiveFrom) {
		return nil, conflict(current.Key, at, current.EffectiveUntil).
			WithDetail("reason", "active version starts after the reference date")
	}
	if err := r.versions.SetUntil(ctx, current.ID, &at); err != nil {
		return nil, err
	}
	next := &sequence.PatternVersion{
		Key:            current.Key,
		Pattern:        tmpl,
		EffectiveFrom:  at,
		EffectiveUntil: current.EffectiveUntil,
		CreatedAt:      r.now().UTC(),
	}
	if err := r.versions.Add(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func conflict(key sequence.Key, from time.Time, until *time.Time) *apperror.AppError {
	u := "open"
	if until != nil {
		u = until.Format(dateLayout)
	}
	return apperror.NewPatternVersionConflict(key.String(), from.Format(dateLayout), u)
}
