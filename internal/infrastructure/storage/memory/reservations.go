package memory

import (
	"context"
	"sort"
	"time"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

type reservationRepo Store

func reservationLockName(id string) string {
	return "reservation:" + id
}

func (r *reservationRepo) Create(ctx context.Context, res *sequence.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reservations[res.ID]; ok {
		return apperror.NewConflict("reservation already exists").WithDetail("reservation_id", res.ID)
	}
	r.reservations[res.ID] = res.Clone()

	id := res.ID
	(*Store)(r).onRollback(ctx, func() { delete(r.reservations, id) })
	return nil
}

func (r *reservationRepo) Get(_ context.Context, id string) (*sequence.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.reservations[id]
	if !ok {
		return nil, apperror.NewNotFound("reservation", id)
	}
	return res.Clone(), nil
}

func (r *reservationRepo) ListActive(_ context.Context, key sequence.Key) ([]*sequence.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*sequence.Reservation
	for _, res := range r.reservations {
		if res.Key == key && res.Status == sequence.ReservationActive {
			out = append(out, res.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *reservationRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var expired []*sequence.Reservation
	for _, res := range r.reservations {
		if res.Status == sequence.ReservationActive && !res.ExpiresAt.After(now) {
			expired = append(expired, res)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })

	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]string, len(expired))
	for i, res := range expired {
		ids[i] = res.ID
	}
	return ids, nil
}

func (r *reservationRepo) LockActive(ctx context.Context, id string) (*sequence.Reservation, error) {
	ok, err := (*Store)(r).tryLockKey(ctx, reservationLockName(id))
	if err != nil || !ok {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	res, found := r.reservations[id]
	if !found || res.Status != sequence.ReservationActive {
		return nil, nil
	}
	return res.Clone(), nil
}

func (r *reservationRepo) Update(ctx context.Context, res *sequence.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.reservations[res.ID]
	if !ok {
		return apperror.NewNotFound("reservation", res.ID)
	}
	r.reservations[res.ID] = res.Clone()

	id := res.ID
	(*Store)(r).onRollback(ctx, func() { r.reservations[id] = prev })
	return nil
}
