package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

type gapRepo struct {
	db *TxManager
}

func (r *gapRepo) Add(ctx context.Context, gap *sequence.Gap) error {
	sql, args, err := psql.Insert(tableGaps).
		Columns("name", "scope", "number", "reason", "filled", "recorded_at").
		Values(gap.Key.Name, gap.Key.Scope, gap.Number, gap.Reason, false, gap.RecordedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build add gap: %w", err)
	}
	if err := r.db.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&gap.ID); err != nil {
		return dbError("add gap", err)
	}
	return nil
}

func unfilled(key sequence.Key) squirrel.And {
	return squirrel.And{keyEq(key), squirrel.Eq{"filled": false}}
}

func (r *gapRepo) FindUnfilled(ctx context.Context, key sequence.Key, number string) (*sequence.Gap, error) {
	return r.one(ctx, "find gap",
		psql.Select(gapColumns...).From(tableGaps).
			Where(unfilled(key)).
			Where(squirrel.Eq{"number": number}))
}

// NextUnfilled returns the oldest unfilled gap. Callers hold the counter lock, so
// no row lock is needed.
func (r *gapRepo) NextUnfilled(ctx context.Context, key sequence.Key) (*sequence.Gap, error) {
	return r.one(ctx, "next gap", nextGapQuery(key))
}

func nextGapQuery(key sequence.Key) squirrel.SelectBuilder {
	return psql.Select(gapColumns...).From(tableGaps).
		Where(unfilled(key)).
		OrderBy("id").
		Limit(1)
}

func (r *gapRepo) one(ctx context.Context, op string, q squirrel.SelectBuilder) (*sequence.Gap, error) {
	var row gapRow
	found, err := get(ctx, r.db.GetQuerier(ctx), op, &row, q)
	if err != nil || !found {
		return nil, err
	}
	g := row.toDomain()
	return &g, nil
}

func (r *gapRepo) MarkFilled(ctx context.Context, gapID int64, at time.Time) error {
	n, err := exec(ctx, r.db.GetQuerier(ctx), "fill gap",
		psql.Update(tableGaps).
			Set("filled", true).
			Set("filled_at", at).
			Where(squirrel.Eq{"id": gapID, "filled": false}))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NewNotFound("gap", gapID)
	}
	return nil
}

func (r *gapRepo) List(ctx context.Context, key sequence.Key) ([]sequence.Gap, error) {
	var rows []gapRow
	err := list(ctx, r.db.GetQuerier(ctx), "list gaps", &rows,
		psql.Select(gapColumns...).From(tableGaps).Where(keyEq(key)).OrderBy("id"))
	if err != nil {
		return nil, err
	}
	out := make([]sequence.Gap, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

func (r *gapRepo) CountUnfilled(ctx context.Context, key sequence.Key) (int, error) {
	var n int
	_, err := get(ctx, r.db.GetQuerier(ctx), "count gaps", &n,
		psql.Select("COUNT(*)").From(tableGaps).Where(unfilled(key)))
	return n, err
}

func (r *gapRepo) Clear(ctx context.Context, key sequence.Key) (int, error) {
	n, err := exec(ctx, r.db.GetQuerier(ctx), "clear gaps",
		psql.Delete(tableGaps).Where(keyEq(key)))
	return int(n), err
}
