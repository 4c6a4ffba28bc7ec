package postgres

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

type reservationRepo struct {
	db *TxManager
}

func (r *reservationRepo) Create(ctx context.Context, res *sequence.Reservation) error {
	_, err := exec(ctx, r.db.GetQuerier(ctx), "create reservation",
		psql.Insert(tableReservations).SetMap(rowValues(reservationRowOf(res))))
	return err
}

func (r *reservationRepo) Get(ctx context.Context, id string) (*sequence.Reservation, error) {
	var row reservationRow
	found, err := get(ctx, r.db.GetQuerier(ctx), "get reservation", &row,
		psql.Select(reservationColumns...).From(tableReservations).Where(squirrel.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperror.NewNotFound("reservation", id)
	}
	return row.toDomain(), nil
}

func (r *reservationRepo) ListActive(ctx context.Context, key sequence.Key) ([]*sequence.Reservation, error) {
	var rows []reservationRow
	err := list(ctx, r.db.GetQuerier(ctx), "list reservations", &rows,
		psql.Select(reservationColumns...).From(tableReservations).
			Where(keyEq(key)).
			Where(squirrel.Eq{"status": string(sequence.ReservationActive)}).
			OrderBy("created_at"))
	if err != nil {
		return nil, err
	}
	out := make([]*sequence.Reservation, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

func (r *reservationRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := list(ctx, r.db.GetQuerier(ctx), "list expired reservations", &ids, expiredQuery(now, limit))
	return ids, err
}

func expiredQuery(now time.Time, limit int) squirrel.SelectBuilder {
	q := psql.Select("id").From(tableReservations).
		Where(squirrel.Eq{"status": string(sequence.ReservationActive)}).
		Where(squirrel.LtOrEq{"expires_at": now}).
		OrderBy("expires_at")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return q
}

// LockActive claims the reservation row with SKIP LOCKED: a row held by a
// concurrent sweeper or settlement reads as absent.
func (r *reservationRepo) LockActive(ctx context.Context, id string) (*sequence.Reservation, error) {
	if err := r.db.requireTx(ctx, "lock reservation"); err != nil {
		return nil, err
	}
	var row reservationRow
	found, err := get(ctx, r.db.GetQuerier(ctx), "lock reservation", &row, lockReservationQuery(id))
	if err != nil || !found {
		return nil, err
	}
	return row.toDomain(), nil
}

func lockReservationQuery(id string) squirrel.SelectBuilder {
	return psql.Select(reservationColumns...).From(tableReservations).
		Where(squirrel.Eq{"id": id, "status": string(sequence.ReservationActive)}).
		Suffix("FOR UPDATE SKIP LOCKED")
}

func (r *reservationRepo) Update(ctx context.Context, res *sequence.Reservation) error {
	data := rowValues(reservationRowOf(res))
	delete(data, "id")
	delete(data, "name")
	delete(data, "scope")
	delete(data, "created_at")

	n, err := exec(ctx, r.db.GetQuerier(ctx), "update reservation",
		psql.Update(tableReservations).SetMap(data).Where(squirrel.Eq{"id": res.ID}))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NewNotFound("reservation", res.ID)
	}
	return nil
}
