// Package sequence defines the numbering stream model shared by every engine component:
// sequences, counters, pattern versions, gaps and reservations, plus the storage contracts.
package sequence

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/pattern"
)

// Key identifies a numbering stream: a sequence name partitioned by an optional scope
// (tenant, branch). All state of the engine is keyed by it.
type Key struct {
	Name  string `json:"name" yaml:"name"`
	Scope string `json:"scope,omitempty" yaml:"scope"`
}

// NewKey builds a Key.
func NewKey(name, scope string) Key {
	return Key{Name: name, Scope: scope}
}

// String renders "name" or "name@scope".
func (k Key) String() string {
	if k.Scope == "" {
		return k.Name
	}
	return k.Name + "@" + k.Scope
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	name, scope, _ := strings.Cut(strings.TrimSpace(s), "@")
	k := Key{Name: name, Scope: scope}
	return k, k.Validate()
}

// Validate checks key invariants.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Name) == "" {
		return apperror.NewValidation("sequence name is required")
	}
	if strings.Contains(k.Name, "@") {
		return apperror.NewValidation("sequence name must not contain '@'").WithDetail("name", k.Name)
	}
	return nil
}

// Sequence is the definition of a numbering stream.
type Sequence struct {
	Key

	// Pattern is the template of the current pattern version. The version registry is
	// the source of truth; this field is a read-only convenience.
	Pattern string
	// ConfiguredPattern is the template last asked for by a definition or a manual
	// open-ended version. An overflow switch changes Pattern but not this field.
	ConfiguredPattern string
	// RetiredPatterns are templates abandoned by a switch-pattern overflow. The
	// counter has been reset past their range, so they are never reopened.
	RetiredPatterns []string

	ResetPeriod ResetPeriod
	// StepSize is added to the counter on every generation (>= 1).
	StepSize int64
	// ResetLimit resets the counter after that many generations; 0 disables it.
	ResetLimit int64
	// InitialValue is the counter value after a reset (0 or 1).
	InitialValue int64

	GapPolicy        GapPolicy
	OverflowBehavior OverflowBehavior
	// OverflowPattern is the alternate template used by switch-pattern overflow.
	// Empty means "widen the counter of the current pattern by one digit".
	OverflowPattern string
	// ExhaustionThresholdPercent triggers an advisory warning; zero disables it.
	ExhaustionThresholdPercent decimal.Decimal

	Locked bool
	Active bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the definition. It runs at configuration time so that generation
// never fails on a malformed policy.
func (s *Sequence) Validate() error {
	if err := s.Key.Validate(); err != nil {
		return err
	}
	if _, err := pattern.Parse(s.Pattern); err != nil {
		return err
	}
	if s.OverflowPattern != "" {
		if _, err := pattern.Parse(s.OverflowPattern); err != nil {
			return err
		}
	}
	if _, err := ParseResetPeriod(string(s.ResetPeriod)); err != nil {
		return err
	}
	if _, err := ParseGapPolicy(string(s.GapPolicy)); err != nil {
		return err
	}
	if _, err := ParseOverflowBehavior(string(s.OverflowBehavior)); err != nil {
		return err
	}
	if s.StepSize < 1 {
		return apperror.NewValidation("step size must be at least 1").
			WithDetail("sequence", s.Key.String()).
			WithDetail("step_size", s.StepSize)
	}
	if s.ResetLimit < 0 {
		return apperror.NewValidation("reset limit must not be negative").
			WithDetail("sequence", s.Key.String())
	}
	if s.InitialValue != 0 && s.InitialValue != 1 {
		return apperror.NewInvalidCounterValue(s.Key.String(), 0, s.InitialValue).
			WithDetail("field", "initial_value")
	}
	if s.ExhaustionThresholdPercent.IsNegative() || s.ExhaustionThresholdPercent.GreaterThan(decimal.NewFromInt(100)) {
		return apperror.NewValidation("exhaustion threshold must be between 0 and 100").
			WithDetail("sequence", s.Key.String()).
			WithDetail("threshold", s.ExhaustionThresholdPercent.String())
	}
	return nil
}

// DesiredPattern returns the configured template, or Pattern for definitions
// stored before the configured template was tracked.
func (s *Sequence) DesiredPattern() string {
	if s.ConfiguredPattern != "" {
		return s.ConfiguredPattern
	}
	return s.Pattern
}

// IsRetired reports whether tmpl was abandoned by an overflow switch.
func (s *Sequence) IsRetired(tmpl string) bool {
	return slices.Contains(s.RetiredPatterns, tmpl)
}

// Retire records tmpl as abandoned. The slice is reallocated, never appended to in
// place, so copies of the definition do not share the change.
func (s *Sequence) Retire(tmpl string) {
	if s.IsRetired(tmpl) {
		return
	}
	s.RetiredPatterns = append(slices.Clip(s.RetiredPatterns), tmpl)
}

// Normalize fills defaults for empty policy fields.
func (s *Sequence) Normalize() {
	if s.ResetPeriod == "" {
		s.ResetPeriod = ResetNever
	}
	if s.GapPolicy == "" {
		s.GapPolicy = GapAllow
	}
	if s.OverflowBehavior == "" {
		s.OverflowBehavior = OverflowThrow
	}
	if s.StepSize == 0 {
		s.StepSize = 1
	}
}

// CanGenerate returns the error a generation attempt must fail with, if any.
func (s *Sequence) CanGenerate() error {
	if s.Locked {
		return apperror.NewSequenceLocked(s.Key.String())
	}
	if !s.Active {
		return apperror.NewSequenceInactive(s.Key.String())
	}
	return nil
}

// Counter is the persisted monotonic value behind a sequence.
type Counter struct {
	Key Key
	// CurrentValue is the last value handed out (or the initial value after a reset).
	CurrentValue int64
	LastResetAt  *time.Time
	// GenerationCount counts generations since the last reset.
	GenerationCount int64
	// LastGeneratedAt is the reference date of the last generation. Reset periods
	// are measured against it, so a backdated request moves it back.
	LastGeneratedAt *time.Time
	// LastIssuedAt is the wall-clock time the last number was handed out.
	LastIssuedAt *time.Time
}

// PatternVersion is a template valid over [EffectiveFrom, EffectiveUntil).
type PatternVersion struct {
	ID             int64
	Key            Key
	Pattern        string
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time // nil = current and future
	CreatedAt      time.Time
}

// Contains reports whether t falls inside the version interval.
func (v PatternVersion) Contains(t time.Time) bool {
	if t.Before(v.EffectiveFrom) {
		return false
	}
	return v.EffectiveUntil == nil || t.Before(*v.EffectiveUntil)
}

// Overlaps reports whether [from, until) intersects the version interval.
func (v PatternVersion) Overlaps(from time.Time, until *time.Time) bool {
	// [a1, a2) and [b1, b2) intersect iff a1 < b2 && b1 < a2, with nil = +inf.
	if until != nil && !v.EffectiveFrom.Before(*until) {
		return false
	}
	if v.EffectiveUntil != nil && !from.Before(*v.EffectiveUntil) {
		return false
	}
	return true
}

// IsOpen reports whether the version has no end.
func (v PatternVersion) IsOpen() bool {
	return v.EffectiveUntil == nil
}

// Gap is a voided number eligible for reuse under the fill policy.
type Gap struct {
	// ID is the recording order; gaps are reissued in ascending ID.
	ID         int64
	Key        Key
	Number     string
	Reason     string
	Filled     bool
	RecordedAt time.Time
	FilledAt   *time.Time
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a time-limited hold on a batch of numbers.
type Reservation struct {
	ID  string
	Key Key
	// Numbers is the full ordered batch as produced by Reserve.
	Numbers []string
	// Held are the numbers still provisionally held.
	Held      []string
	Finalized []string
	Released  []string
	Status    ReservationStatus
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Holds reports whether number is still held by an active reservation.
func (r *Reservation) Holds(number string) bool {
	if r.Status != ReservationActive {
		return false
	}
	for _, n := range r.Held {
		if n == number {
			return true
		}
	}
	return false
}

// Settle moves number out of the held set into finalized or released.
// It returns false when the number is not held.
func (r *Reservation) Settle(number string, finalize bool) bool {
	for i, n := range r.Held {
		if n != number {
			continue
		}
		r.Held = append(r.Held[:i:i], r.Held[i+1:]...)
		if finalize {
			r.Finalized = append(r.Finalized, number)
		} else {
			r.Released = append(r.Released, number)
		}
		if len(r.Held) == 0 {
			if len(r.Finalized) > 0 {
				r.Status = ReservationFinalized
			} else {
				r.Status = ReservationReleased
			}
		}
		return true
	}
	return false
}

// Expire releases every held number and marks the reservation expired.
// It returns the numbers that were still held.
func (r *Reservation) Expire() []string {
	held := r.Held
	r.Released = append(r.Released, held...)
	r.Held = nil
	r.Status = ReservationExpired
	return held
}

// Clone returns a deep copy, used by stores that hand out values.
func (r *Reservation) Clone() *Reservation {
	c := *r
	c.Numbers = append([]string(nil), r.Numbers...)
	c.Held = append([]string(nil), r.Held...)
	c.Finalized = append([]string(nil), r.Finalized...)
	c.Released = append([]string(nil), r.Released...)
	return &c
}

// Metrics is the operational snapshot of one sequence.
type Metrics struct {
	Key                Key             `json:"key"`
	ActivePattern      string          `json:"active_pattern,omitempty"`
	CurrentValue       int64           `json:"current_value"`
	GenerationCount    int64           `json:"generation_count"`
	Capacity           int64           `json:"capacity"`
	UtilizationPercent decimal.Decimal `json:"utilization_percent"`
	GapCount           int             `json:"gap_count"`
	ActiveReservations int             `json:"active_reservations"`
	// LastGeneratedAt is the reference date of the last generation; LastIssuedAt
	// is when it actually happened.
	LastGeneratedAt *time.Time `json:"last_generated_at,omitempty"`
	LastIssuedAt    *time.Time `json:"last_issued_at,omitempty"`
	LastResetAt     *time.Time `json:"last_reset_at,omitempty"`
}

// Utilization computes value/capacity as a percentage rounded to two places.
// Unbounded patterns (capacity 0) report zero.
func Utilization(value, capacity int64) decimal.Decimal {
	if capacity <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(value).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(capacity)).
		Round(2)
}

// String implements fmt.Stringer for log output.
func (m Metrics) String() string {
	return fmt.Sprintf("%s value=%d count=%d utilization=%s%% gaps=%d reservations=%d",
		m.Key, m.CurrentValue, m.GenerationCount, m.UtilizationPercent.StringFixed(2), m.GapCount, m.ActiveReservations)
}
