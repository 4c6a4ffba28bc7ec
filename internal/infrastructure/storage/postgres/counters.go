package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

type counterRepo struct {
	db *TxManager
}

func (r *counterRepo) Init(ctx context.Context, key sequence.Key, value int64) error {
	_, err := exec(ctx, r.db.GetQuerier(ctx), "init counter",
		psql.Insert(tableCounters).
			Columns("name", "scope", "current_value", "generation_count").
			Values(key.Name, key.Scope, value, 0))
	return err
}

func (r *counterRepo) Get(ctx context.Context, key sequence.Key) (*sequence.Counter, error) {
	return r.get(ctx, key, "get counter", psql.Select(counterColumns...).From(tableCounters).Where(keyEq(key)))
}

// GetForUpdate locks the counter row until the transaction ends. The row lock is
// the per-sequence lock of the engine.
func (r *counterRepo) GetForUpdate(ctx context.Context, key sequence.Key) (*sequence.Counter, error) {
	if err := r.db.requireTx(ctx, "lock counter"); err != nil {
		return nil, err
	}
	return r.get(ctx, key, "lock counter", lockCounterQuery(key))
}

func lockCounterQuery(key sequence.Key) squirrel.SelectBuilder {
	return psql.Select(counterColumns...).From(tableCounters).Where(keyEq(key)).Suffix("FOR UPDATE")
}

func (r *counterRepo) get(ctx context.Context, key sequence.Key, op string, q squirrel.SelectBuilder) (*sequence.Counter, error) {
	var row counterRow
	found, err := get(ctx, r.db.GetQuerier(ctx), op, &row, q)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperror.NewSequenceNotFound(key.String())
	}
	return row.toDomain(), nil
}

func (r *counterRepo) Increment(ctx context.Context, key sequence.Key, delta int64) (int64, error) {
	sql, args, err := incrementQuery(key, delta).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build increment counter: %w", err)
	}
	var value int64
	if err := r.db.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&value); err != nil {
		if isNoRows(err) {
			return 0, apperror.NewSequenceNotFound(key.String())
		}
		return 0, dbError("increment counter", err)
	}
	return value, nil
}

func incrementQuery(key sequence.Key, delta int64) squirrel.UpdateBuilder {
	return psql.Update(tableCounters).
		Set("current_value", squirrel.Expr("current_value + ?", delta)).
		Where(keyEq(key)).
		Suffix("RETURNING current_value")
}

func (r *counterRepo) Reset(ctx context.Context, key sequence.Key, value int64, at time.Time) error {
	return r.update(ctx, key, "reset counter", map[string]any{
		"current_value":    value,
		"generation_count": 0,
		"last_reset_at":    at,
	})
}

func (r *counterRepo) SetValue(ctx context.Context, key sequence.Key, value int64) error {
	return r.update(ctx, key, "set counter", map[string]any{"current_value": value})
}

func (r *counterRepo) RecordGeneration(ctx context.Context, key sequence.Key, at, issuedAt time.Time) error {
	return r.update(ctx, key, "record generation", map[string]any{
		"generation_count":  squirrel.Expr("generation_count + 1"),
		"last_generated_at": at,
		"last_issued_at":    issuedAt,
	})
}

func (r *counterRepo) update(ctx context.Context, key sequence.Key, op string, set map[string]any) error {
	n, err := exec(ctx, r.db.GetQuerier(ctx), op, psql.Update(tableCounters).SetMap(set).Where(keyEq(key)))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NewSequenceNotFound(key.String())
	}
	return nil
}
