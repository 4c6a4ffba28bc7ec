package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

type versionRepo struct {
	db *TxManager
}

func (r *versionRepo) Add(ctx context.Context, v *sequence.PatternVersion) error {
	sql, args, err := psql.Insert(tableVersions).
		Columns("name", "scope", "pattern", "effective_from", "effective_until", "created_at").
		Values(v.Key.Name, v.Key.Scope, v.Pattern, v.EffectiveFrom, v.EffectiveUntil, v.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build add version: %w", err)
	}
	if err := r.db.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&v.ID); err != nil {
		return dbError("add version", err)
	}
	return nil
}

func (r *versionRepo) List(ctx context.Context, key sequence.Key) ([]sequence.PatternVersion, error) {
	var rows []versionRow
	err := list(ctx, r.db.GetQuerier(ctx), "list versions", &rows,
		psql.Select(versionColumns...).From(tableVersions).
			Where(keyEq(key)).
			OrderBy("effective_from", "id"))
	if err != nil {
		return nil, err
	}
	out := make([]sequence.PatternVersion, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

func (r *versionRepo) SetUntil(ctx context.Context, id int64, until *time.Time) error {
	n, err := exec(ctx, r.db.GetQuerier(ctx), "close version",
		psql.Update(tableVersions).Set("effective_until", until).Where(squirrel.Eq{"id": id}))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NewNotFound("pattern version", id)
	}
	return nil
}

func (r *versionRepo) SetPattern(ctx context.Context, id int64, pattern string) error {
	n, err := exec(ctx, r.db.GetQuerier(ctx), "replace version pattern",
		psql.Update(tableVersions).Set("pattern", pattern).Where(squirrel.Eq{"id": id}))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NewNotFound("pattern version", id)
	}
	return nil
}
