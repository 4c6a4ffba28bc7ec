package postgres

import (
	"time"

	"github.com/shopspring/decimal"

	"sequencer/internal/domain/sequence"
)

// KeyColumns is embedded in every row keyed by sequence.
type KeyColumns struct {
	Name  string `db:"name"`
	Scope string `db:"scope"`
}

func keyColumnsOf(k sequence.Key) KeyColumns {
	return KeyColumns{Name: k.Name, Scope: k.Scope}
}

func (k KeyColumns) key() sequence.Key {
	return sequence.NewKey(k.Name, k.Scope)
}

type sequenceRow struct {
	KeyColumns
	Pattern             string          `db:"pattern"`
	ConfiguredPattern   string          `db:"configured_pattern"`
	RetiredPatterns     []string        `db:"retired_patterns"`
	ResetPeriod         string          `db:"reset_period"`
	StepSize            int64           `db:"step_size"`
	ResetLimit          int64           `db:"reset_limit"`
	InitialValue        int64           `db:"initial_value"`
	GapPolicy           string          `db:"gap_policy"`
	OverflowBehavior    string          `db:"overflow_behavior"`
	OverflowPattern     string          `db:"overflow_pattern"`
	ExhaustionThreshold decimal.Decimal `db:"exhaustion_threshold"`
	Locked              bool            `db:"locked"`
	Active              bool            `db:"active"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

var sequenceColumns = columnsOf[sequenceRow]()

func sequenceRowOf(s *sequence.Sequence) sequenceRow {
	return sequenceRow{
		KeyColumns:          keyColumnsOf(s.Key),
		Pattern:             s.Pattern,
		ConfiguredPattern:   s.ConfiguredPattern,
		RetiredPatterns:     nonNil(s.RetiredPatterns),
		ResetPeriod:         string(s.ResetPeriod),
		StepSize:            s.StepSize,
		ResetLimit:          s.ResetLimit,
		InitialValue:        s.InitialValue,
		GapPolicy:           string(s.GapPolicy),
		OverflowBehavior:    string(s.OverflowBehavior),
		OverflowPattern:     s.OverflowPattern,
		ExhaustionThreshold: s.ExhaustionThresholdPercent,
		Locked:              s.Locked,
		Active:              s.Active,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

func (r *sequenceRow) toDomain() *sequence.Sequence {
	return &sequence.Sequence{
		Key:                        r.key(),
		Pattern:                    r.Pattern,
		ConfiguredPattern:          r.ConfiguredPattern,
		RetiredPatterns:            r.RetiredPatterns,
		ResetPeriod:                sequence.ResetPeriod(r.ResetPeriod),
		StepSize:                   r.StepSize,
		ResetLimit:                 r.ResetLimit,
		InitialValue:               r.InitialValue,
		GapPolicy:                  sequence.GapPolicy(r.GapPolicy),
		OverflowBehavior:           sequence.OverflowBehavior(r.OverflowBehavior),
		OverflowPattern:            r.OverflowPattern,
		ExhaustionThresholdPercent: r.ExhaustionThreshold,
		Locked:                     r.Locked,
		Active:                     r.Active,
		CreatedAt:                  r.CreatedAt,
		UpdatedAt:                  r.UpdatedAt,
	}
}

type counterRow struct {
	KeyColumns
	CurrentValue    int64      `db:"current_value"`
	GenerationCount int64      `db:"generation_count"`
	LastResetAt     *time.Time `db:"last_reset_at"`
	LastGeneratedAt *time.Time `db:"last_generated_at"`
	LastIssuedAt    *time.Time `db:"last_issued_at"`
}

var counterColumns = columnsOf[counterRow]()

func (r *counterRow) toDomain() *sequence.Counter {
	return &sequence.Counter{
		Key:             r.key(),
		CurrentValue:    r.CurrentValue,
		GenerationCount: r.GenerationCount,
		LastResetAt:     r.LastResetAt,
		LastGeneratedAt: r.LastGeneratedAt,
		LastIssuedAt:    r.LastIssuedAt,
	}
}

type versionRow struct {
	ID int64 `db:"id"`
	KeyColumns
	Pattern        string     `db:"pattern"`
	EffectiveFrom  time.Time  `db:"effective_from"`
	EffectiveUntil *time.Time `db:"effective_until"`
	CreatedAt      time.Time  `db:"created_at"`
}

var versionColumns = columnsOf[versionRow]()

func (r *versionRow) toDomain() sequence.PatternVersion {
	return sequence.PatternVersion{
		ID:             r.ID,
		Key:            r.key(),
		Pattern:        r.Pattern,
		EffectiveFrom:  r.EffectiveFrom,
		EffectiveUntil: r.EffectiveUntil,
		CreatedAt:      r.CreatedAt,
	}
}

type gapRow struct {
	ID int64 `db:"id"`
	KeyColumns
	Number     string     `db:"number"`
	Reason     string     `db:"reason"`
	Filled     bool       `db:"filled"`
	RecordedAt time.Time  `db:"recorded_at"`
	FilledAt   *time.Time `db:"filled_at"`
}

var gapColumns = columnsOf[gapRow]()

func (r *gapRow) toDomain() sequence.Gap {
	return sequence.Gap{
		ID:         r.ID,
		Key:        r.key(),
		Number:     r.Number,
		Reason:     r.Reason,
		Filled:     r.Filled,
		RecordedAt: r.RecordedAt,
		FilledAt:   r.FilledAt,
	}
}

type reservationRow struct {
	ID string `db:"id"`
	KeyColumns
	Numbers   []string  `db:"numbers"`
	Held      []string  `db:"held"`
	Finalized []string  `db:"finalized"`
	Released  []string  `db:"released"`
	Status    string    `db:"status"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

var reservationColumns = columnsOf[reservationRow]()

// reservationRowOf converts r. Array columns are NOT NULL, so nil slices
// become empty ones.
func reservationRowOf(r *sequence.Reservation) reservationRow {
	return reservationRow{
		ID:         r.ID,
		KeyColumns: keyColumnsOf(r.Key),
		Numbers:    nonNil(r.Numbers),
		Held:       nonNil(r.Held),
		Finalized:  nonNil(r.Finalized),
		Released:   nonNil(r.Released),
		Status:     string(r.Status),
		ExpiresAt:  r.ExpiresAt,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (r *reservationRow) toDomain() *sequence.Reservation {
	return &sequence.Reservation{
		ID:        r.ID,
		Key:       r.key(),
		Numbers:   r.Numbers,
		Held:      r.Held,
		Finalized: r.Finalized,
		Released:  r.Released,
		Status:    sequence.ReservationStatus(r.Status),
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
