package memory

import (
	"context"
	"slices"
	"sort"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

type sequenceRepo Store

func (r *sequenceRepo) Get(_ context.Context, key sequence.Key) (*sequence.Sequence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seq, ok := r.sequences[key]
	if !ok {
		return nil, apperror.NewSequenceNotFound(key.String())
	}
	seq.RetiredPatterns = slices.Clone(seq.RetiredPatterns)
	return &seq, nil
}

func (r *sequenceRepo) List(_ context.Context) ([]*sequence.Sequence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*sequence.Sequence, 0, len(r.sequences))
	for _, seq := range r.sequences {
		seq := seq
		seq.RetiredPatterns = slices.Clone(seq.RetiredPatterns)
		out = append(out, &seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

func (r *sequenceRepo) Create(ctx context.Context, seq *sequence.Sequence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sequences[seq.Key]; ok {
		return apperror.NewConflict("sequence already exists").WithDetail("sequence", seq.Key.String())
	}
	r.sequences[seq.Key] = *seq

	key := seq.Key
	(*Store)(r).onRollback(ctx, func() { delete(r.sequences, key) })
	return nil
}

func (r *sequenceRepo) Update(ctx context.Context, seq *sequence.Sequence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.sequences[seq.Key]
	if !ok {
		return apperror.NewSequenceNotFound(seq.Key.String())
	}
	stored := *seq
	stored.RetiredPatterns = slices.Clone(seq.RetiredPatterns)
	r.sequences[seq.Key] = stored

	(*Store)(r).onRollback(ctx, func() { r.sequences[prev.Key] = prev })
	return nil
}
