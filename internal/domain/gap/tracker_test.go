package gap_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/gap"
	"sequencer/internal/domain/sequence"
	"sequencer/internal/infrastructure/storage/memory"
)

func newTracker(policy sequence.GapPolicy) (*gap.Tracker, *sequence.Sequence) {
	store := memory.New()
	seq := &sequence.Sequence{Key: sequence.NewKey("invoice", ""), GapPolicy: policy}
	return gap.NewTracker(store.Gaps()), seq
}

func TestRecordByPolicy(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		policy   sequence.GapPolicy
		recorded bool
	}{
		{sequence.GapAllow, false},
		{sequence.GapFill, true},
		{sequence.GapReportOnly, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			tr, seq := newTracker(tt.policy)
			g, err := tr.Record(ctx, seq, "INV-003", "voided")
			require.NoError(t, err)
			assert.Equal(t, tt.recorded, g != nil)

			report, err := tr.Report(ctx, seq.Key)
			require.NoError(t, err)
			assert.Equal(t, tt.recorded, len(report) == 1)
		})
	}
}

func TestRecordIgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	tr, seq := newTracker(sequence.GapFill)

	first, err := tr.Record(ctx, seq, "INV-003", "voided")
	require.NoError(t, err)
	require.NotNil(t, first)

	dup, err := tr.Record(ctx, seq, "INV-003", "voided again")
	require.NoError(t, err)
	assert.Nil(t, dup)

	n, _ := tr.CountUnfilled(ctx, seq.Key)
	assert.Equal(t, 1, n)

	_, err = tr.Record(ctx, seq, "  ", "blank")
	assert.True(t, apperror.Is(err, apperror.CodeValidation))
}

func TestTakeIsFIFO(t *testing.T) {
	ctx := context.Background()
	tr, seq := newTracker(sequence.GapFill)

	for _, n := range []string{"INV-003", "INV-001", "INV-007"} {
		_, err := tr.Record(ctx, seq, n, "voided")
		require.NoError(t, err)
	}

	var got []string
	for {
		g, err := tr.Take(ctx, seq.Key)
		require.NoError(t, err)
		if g == nil {
			break
		}
		assert.True(t, g.Filled)
		got = append(got, g.Number)
	}
	assert.Equal(t, []string{"INV-003", "INV-001", "INV-007"}, got)

	report, _ := tr.Report(ctx, seq.Key)
	assert.Len(t, report, 3, "filled gaps stay in the report")
}

func TestMarkFilledAndClear(t *testing.T) {
	ctx := context.Background()
	tr, seq := newTracker(sequence.GapReportOnly)

	_, err := tr.Record(ctx, seq, "INV-002", "voided")
	require.NoError(t, err)

	require.NoError(t, tr.MarkFilled(ctx, seq.Key, "INV-002"))
	err = tr.MarkFilled(ctx, seq.Key, "INV-002")
	assert.True(t, apperror.IsNotFound(err))

	next, err := tr.Next(ctx, seq.Key)
	require.NoError(t, err)
	assert.Nil(t, next)

	n, err := tr.Clear(ctx, seq.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
