package postgres

import (
	"context"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

type sequenceRepo struct {
	db *TxManager
}

func (r *sequenceRepo) Get(ctx context.Context, key sequence.Key) (*sequence.Sequence, error) {
	var row sequenceRow
	found, err := get(ctx, r.db.GetQuerier(ctx), "get sequence", &row,
		psql.Select(sequenceColumns...).From(tableSequences).Where(keyEq(key)))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperror.NewSequenceNotFound(key.String())
	}
	return row.toDomain(), nil
}

func (r *sequenceRepo) List(ctx context.Context) ([]*sequence.Sequence, error) {
	var rows []sequenceRow
	err := list(ctx, r.db.GetQuerier(ctx), "list sequences", &rows,
		psql.Select(sequenceColumns...).From(tableSequences).OrderBy("name", "scope"))
	if err != nil {
		return nil, err
	}
	out := make([]*sequence.Sequence, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

func (r *sequenceRepo) Create(ctx context.Context, seq *sequence.Sequence) error {
	_, err := exec(ctx, r.db.GetQuerier(ctx), "create sequence",
		psql.Insert(tableSequences).SetMap(rowValues(sequenceRowOf(seq))))
	if apperror.Is(err, apperror.CodeConflict) {
		return apperror.NewConflict("sequence already defined").
			WithDetail("sequence", seq.Key.String()).
			WithCause(err)
	}
	return err
}

func (r *sequenceRepo) Update(ctx context.Context, seq *sequence.Sequence) error {
	data := rowValues(sequenceRowOf(seq))
	delete(data, "name")
	delete(data, "scope")
	delete(data, "created_at")

	n, err := exec(ctx, r.db.GetQuerier(ctx), "update sequence",
		psql.Update(tableSequences).SetMap(data).Where(keyEq(seq.Key)))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NewSequenceNotFound(seq.Key.String())
	}
	return nil
}
