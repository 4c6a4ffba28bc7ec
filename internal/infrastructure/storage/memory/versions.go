package memory

import (
	"context"
	"sort"
	"time"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

type versionRepo Store

func (r *versionRepo) Add(ctx context.Context, v *sequence.PatternVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.versionSeq++
	v.ID = r.versionSeq
	key := v.Key

	prev := r.versions[key]
	next := make([]sequence.PatternVersion, len(prev), len(prev)+1)
	copy(next, prev)
	next = append(next, *v)
	sort.SliceStable(next, func(i, j int) bool { return next[i].EffectiveFrom.Before(next[j].EffectiveFrom) })
	r.versions[key] = next

	(*Store)(r).onRollback(ctx, func() { r.versions[key] = prev })
	return nil
}

func (r *versionRepo) List(_ context.Context, key sequence.Key) ([]sequence.PatternVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]sequence.PatternVersion, len(r.versions[key]))
	copy(out, r.versions[key])
	return out, nil
}

func (r *versionRepo) SetUntil(ctx context.Context, id int64, until *time.Time) error {
	return r.modify(ctx, id, func(v *sequence.PatternVersion) { v.EffectiveUntil = until })
}

func (r *versionRepo) SetPattern(ctx context.Context, id int64, pattern string) error {
	return r.modify(ctx, id, func(v *sequence.PatternVersion) { v.Pattern = pattern })
}

// modify applies fn to a copy of the version list holding id, so snapshots
// returned by List stay untouched.
func (r *versionRepo) modify(ctx context.Context, id int64, fn func(v *sequence.PatternVersion)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, list := range r.versions {
		for i := range list {
			if list[i].ID != id {
				continue
			}
			prev := list
			next := make([]sequence.PatternVersion, len(list))
			copy(next, list)
			fn(&next[i])
			r.versions[key] = next

			(*Store)(r).onRollback(ctx, func() { r.versions[key] = prev })
			return nil
		}
	}
	return apperror.NewNotFound("pattern version", id)
}
