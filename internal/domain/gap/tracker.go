// Package gap tracks voided numbers and serves them back under the fill policy.
package gap

import (
	"context"
	"strings"
	"time"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

// Tracker records gaps and hands them out in recording order.
type Tracker struct {
	store sequence.GapStore
	now   func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(store sequence.GapStore) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// Record stores number as a gap of seq.
//
// Nothing is recorded under the allow policy, and a number that already has an
// unfilled gap is not recorded twice. The returned gap is nil in both cases.
func (t *Tracker) Record(ctx context.Context, seq *sequence.Sequence, number, reason string) (*sequence.Gap, error) {
	if !seq.GapPolicy.Tracks() {
		return nil, nil
	}
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, apperror.NewValidation("gap number is required").WithDetail("sequence", seq.Key.String())
	}

	existing, err := t.store.FindUnfilled(ctx, seq.Key, number)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	g := &sequence.Gap{
		Key:        seq.Key,
		Number:     number,
		Reason:     reason,
		RecordedAt: t.now().UTC(),
	}
	if err := t.store.Add(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Next returns the oldest unfilled gap, or nil.
func (t *Tracker) Next(ctx context.Context, key sequence.Key) (*sequence.Gap, error) {
	return t.store.NextUnfilled(ctx, key)
}

// Take consumes the oldest unfilled gap. It returns nil when the backlog is empty.
// Callers must hold the counter lock of key.
func (t *Tracker) Take(ctx context.Context, key sequence.Key) (*sequence.Gap, error) {
	g, err := t.store.NextUnfilled(ctx, key)
	if err != nil || g == nil {
		return nil, err
	}
	filledAt := t.now().UTC()
	if err := t.store.MarkFilled(ctx, g.ID, filledAt); err != nil {
		return nil, err
	}
	g.Filled = true
	g.FilledAt = &filledAt
	return g, nil
}

// MarkFilled marks the unfilled gap for number as reissued.
func (t *Tracker) MarkFilled(ctx context.Context, key sequence.Key, number string) error {
	g, err := t.store.FindUnfilled(ctx, key, number)
	if err != nil {
		return err
	}
	if g == nil {
		return apperror.NewNotFound("gap", number).WithDetail("sequence", key.String())
	}
	return t.store.MarkFilled(ctx, g.ID, t.now().UTC())
}

// Report lists every gap of key, filled ones included, in recording order.
func (t *Tracker) Report(ctx context.Context, key sequence.Key) ([]sequence.Gap, error) {
	return t.store.List(ctx, key)
}

// CountUnfilled returns the size of the reusable backlog.
func (t *Tracker) CountUnfilled(ctx context.Context, key sequence.Key) (int, error) {
	return t.store.CountUnfilled(ctx, key)
}

// Clear deletes every gap of key.
func (t *Tracker) Clear(ctx context.Context, key sequence.Key) (int, error) {
	return t.store.Clear(ctx, key)
}
