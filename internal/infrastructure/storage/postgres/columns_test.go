package postgres

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"sequencer/internal/domain/sequence"
)

func TestColumnsOf_FlattensKey(t *testing.T) {
	assert.Equal(t, []string{
		"id", "name", "scope", "number", "reason", "filled", "recorded_at", "filled_at",
	}, columnsOf[gapRow]())
}

func TestColumnsOf_NotAStruct(t *testing.T) {
	assert.Empty(t, columnsOf[int]())
	assert.Nil(t, rowValues(42))
}

func TestRowValues_SequenceRow(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	seq := &sequence.Sequence{
		Key:                        sequence.NewKey("invoice", "kyiv"),
		Pattern:                    "INV-{COUNTER:5}",
		ResetPeriod:                sequence.ResetYearly,
		StepSize:                   1,
		GapPolicy:                  sequence.GapFill,
		OverflowBehavior:           sequence.OverflowThrow,
		ExhaustionThresholdPercent: decimal.NewFromInt(90),
		Active:                     true,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}

	m := rowValues(sequenceRowOf(seq))

	assert.Len(t, m, len(sequenceColumns))
	assert.Equal(t, "invoice", m["name"])
	assert.Equal(t, "kyiv", m["scope"])
	assert.Equal(t, "yearly", m["reset_period"])
	assert.Equal(t, "fill", m["gap_policy"])
	assert.Equal(t, true, m["active"])
	assert.True(t, decimal.NewFromInt(90).Equal(m["exhaustion_threshold"].(decimal.Decimal)))

	back := sequenceRow{}
	back.KeyColumns = KeyColumns{Name: "invoice", Scope: "kyiv"}
	assert.Equal(t, seq.Key, back.key())
}

func TestReservationRowArraysNeverNil(t *testing.T) {
	row := reservationRowOf(&sequence.Reservation{ID: "r1", Numbers: []string{"A-1"}, Held: []string{"A-1"}})

	assert.NotNil(t, row.Finalized)
	assert.NotNil(t, row.Released)
	assert.Equal(t, []string{"A-1"}, row.Held)
}
