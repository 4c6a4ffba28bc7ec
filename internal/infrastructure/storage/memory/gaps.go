package memory

import (
	"context"
	"time"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

type gapRepo Store

func (r *gapRepo) Add(ctx context.Context, gap *sequence.Gap) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gapSeq++
	gap.ID = r.gapSeq
	key := gap.Key
	r.gaps[key] = append(r.gaps[key], *gap)

	id := gap.ID
	(*Store)(r).onRollback(ctx, func() {
		list := r.gaps[key]
		for i := range list {
			if list[i].ID == id {
				r.gaps[key] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (r *gapRepo) FindUnfilled(_ context.Context, key sequence.Key, number string) (*sequence.Gap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, g := range r.gaps[key] {
		if !g.Filled && g.Number == number {
			return &g, nil
		}
	}
	return nil, nil
}

func (r *gapRepo) NextUnfilled(_ context.Context, key sequence.Key) (*sequence.Gap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, g := range r.gaps[key] {
		if !g.Filled {
			return &g, nil
		}
	}
	return nil, nil
}

func (r *gapRepo) MarkFilled(ctx context.Context, gapID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, list := range r.gaps {
		for i := range list {
			if list[i].ID != gapID {
				continue
			}
			prev := list[i]
			list[i].Filled = true
			list[i].FilledAt = &at

			(*Store)(r).onRollback(ctx, func() {
				for j, g := range r.gaps[key] {
					if g.ID == gapID {
						r.gaps[key][j] = prev
						return
					}
				}
			})
			return nil
		}
	}
	return apperror.NewNotFound("gap", gapID)
}

func (r *gapRepo) List(_ context.Context, key sequence.Key) ([]sequence.Gap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]sequence.Gap, len(r.gaps[key]))
	copy(out, r.gaps[key])
	return out, nil
}

func (r *gapRepo) CountUnfilled(_ context.Context, key sequence.Key) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, g := range r.gaps[key] {
		if !g.Filled {
			n++
		}
	}
	return n, nil
}

func (r *gapRepo) Clear(ctx context.Context, key sequence.Key) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.gaps[key]
	delete(r.gaps, key)

	if len(prev) > 0 {
		(*Store)(r).onRollback(ctx, func() { r.gaps[key] = prev })
	}
	return len(prev), nil
}
