package generator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/audit"
	"sequencer/internal/domain/counter"
	"sequencer/internal/domain/gap"
	"sequencer/internal/domain/pattern"
	"sequencer/internal/domain/reservation"
	"sequencer/internal/domain/sequence"
	"sequencer/internal/domain/version"
	"sequencer/pkg/logger"
)

// DefaultEffectiveFrom starts the first pattern version of a sequence defined
// without an explicit date.
var DefaultEffectiveFrom = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// Options configures an Engine.
type Options struct {
	Sink         audit.Sink
	Logger       *logger.Logger
	Reservations reservation.Config
	// Clock replaces time.Now. Used by tests.
	Clock func() time.Time
}

// Engine is the public surface of the sequence engine.
type Engine struct {
	store        sequence.Store
	gen          *Generator
	counters     *counter.Service
	gaps         *gap.Tracker
	versions     *version.Registry
	reservations *reservation.Manager
	sink         audit.Sink
	log          *logger.Logger
	now          func() time.Time

	metrics singleflight.Group
}

// NewEngine wires every component on top of store.
func NewEngine(store sequence.Store, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = audit.NewLogSink(log)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	counters := counter.NewService(store.Counters())
	gaps := gap.NewTracker(store.Gaps())
	versions := version.NewRegistry(store, store.Versions(), store.Counters())
	gen := NewGenerator(store, store.Sequences(), counters, gaps, versions, sink, log)
	gen.now = now

	reservations := reservation.NewManager(store, gaps, gen, sink, log, opts.Reservations)
	reservations.SetClock(now)

	return &Engine{
		store:        store,
		gen:          gen,
		counters:     counters,
		gaps:         gaps,
		versions:     versions,
		reservations: reservations,
		sink:         sink,
		log:          log.WithComponent("engine"),
		now:          now,
	}
}

// --- Definitions ---

// Define registers a new sequence with its first pattern version effective from
// effectiveFrom (DefaultEffectiveFrom when zero). The counter starts at InitialValue.
func (e *Engine) Define(ctx context.Context, seq *sequence.Sequence, effectiveFrom time.Time) (*sequence.Sequence, error) {
	def := *seq
	def.Normalize()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if effectiveFrom.IsZero() {
		effectiveFrom = DefaultEffectiveFrom
	}
	now := e.now().UTC()
	def.CreatedAt, def.UpdatedAt = now, now
	def.ConfiguredPattern = def.Pattern
	def.RetiredPatterns = nil

	err := e.store.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := e.store.Sequences().Create(ctx, &def); err != nil {
			return err
		}
		if err := e.store.Counters().Init(ctx, def.Key, def.InitialValue); err != nil {
			return err
		}
		_, err := e.versions.Create(ctx, def.Key, def.Pattern, effectiveFrom, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.WithContext(ctx).Infow("sequence defined", "sequence", def.Key.String(), "pattern", def.Pattern)
	audit.Publish(ctx, e.sink, e.log, audit.NewEvent(ctx, audit.EventPatternCreated, def.Key, definitionPayload(&def, effectiveFrom)))
	return &def, nil
}

// PolicyUpdate changes the policy fields of a sequence. Nil fields are kept.
// Patterns change through pattern versions, not here.
type PolicyUpdate struct {
	ResetPeriod                *sequence.ResetPeriod
	StepSize                   *int64
	ResetLimit                 *int64
	InitialValue               *int64
	GapPolicy                  *sequence.GapPolicy
	OverflowBehavior           *sequence.OverflowBehavior
	OverflowPattern            *string
	ExhaustionThresholdPercent *decimal.Decimal
	Active                     *bool
}

func (u PolicyUpdate) apply(seq *sequence.Sequence) map[string]any {
	changed := make(map[string]any)
	if u.ResetPeriod != nil && *u.ResetPeriod != seq.ResetPeriod {
		seq.ResetPeriod = *u.ResetPeriod
		changed["reset_period"] = seq.ResetPeriod
	}
	if u.StepSize != nil && *u.StepSize != seq.StepSize {
		seq.StepSize = *u.StepSize
		changed["step_size"] = seq.StepSize
	}
	if u.ResetLimit != nil && *u.ResetLimit != seq.ResetLimit {
		seq.ResetLimit = *u.ResetLimit
		changed["reset_limit"] = seq.ResetLimit
	}
	if u.InitialValue != nil && *u.InitialValue != seq.InitialValue {
		seq.InitialValue = *u.InitialValue
		changed["initial_value"] = seq.InitialValue
	}
	if u.GapPolicy != nil && *u.GapPolicy != seq.GapPolicy {
		seq.GapPolicy = *u.GapPolicy
		changed["gap_policy"] = seq.GapPolicy
	}
	if u.OverflowBehavior != nil && *u.OverflowBehavior != seq.OverflowBehavior {
		seq.OverflowBehavior = *u.OverflowBehavior
		changed["overflow_behavior"] = seq.OverflowBehavior
	}
	if u.OverflowPattern != nil && *u.OverflowPattern != seq.OverflowPattern {
		seq.OverflowPattern = *u.OverflowPattern
		changed["overflow_pattern"] = seq.OverflowPattern
	}
	if u.ExhaustionThresholdPercent != nil && !u.ExhaustionThresholdPercent.Equal(seq.ExhaustionThresholdPercent) {
		seq.ExhaustionThresholdPercent = *u.ExhaustionThresholdPercent
		changed["exhaustion_threshold_percent"] = seq.ExhaustionThresholdPercent.String()
	}
	if u.Active != nil && *u.Active != seq.Active {
		seq.Active = *u.Active
		changed["active"] = seq.Active
	}
	return changed
}

// UpdatePolicy applies u under the sequence lock. Invalid values leave the
// definition untouched.
func (e *Engine) UpdatePolicy(ctx context.Context, key sequence.Key, u PolicyUpdate) (*sequence.Sequence, error) {
	var (
		updated *sequence.Sequence
		changed map[string]any
	)
	err := e.store.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := e.counters.GetWithLock(ctx, key); err != nil {
			return err
		}
		seq, err := e.store.Sequences().Get(ctx, key)
		if err != nil {
			return err
		}
		changed = u.apply(seq)
		if len(changed) == 0 {
			updated = seq
			return nil
		}
		if err := seq.Validate(); err != nil {
			return err
		}
		seq.UpdatedAt = e.now().UTC()
		if err := e.store.Sequences().Update(ctx, seq); err != nil {
			return err
		}
		updated = seq
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		audit.Publish(ctx, e.sink, e.log, audit.NewEvent(ctx, audit.EventPatternModified, key, changed))
	}
	return updated, nil
}

// ApplyResult says what Apply did with a definition.
type ApplyResult string

const (
	ApplyCreated   ApplyResult = "created"
	ApplyUpdated   ApplyResult = "updated"
	ApplyUnchanged ApplyResult = "unchanged"
)

// Apply reconciles a desired definition with the stored one: unknown keys are
// defined, known keys get their policy updated. A pattern that differs from the
// configured one closes the open version and opens the new one at the current
// time. Patterns retired by an overflow switch are rejected.
func (e *Engine) Apply(ctx context.Context, desired *sequence.Sequence) (ApplyResult, error) {
	want := *desired
	want.Normalize()
	if err := want.Validate(); err != nil {
		return "", err
	}

	current, err := e.store.Sequences().Get(ctx, want.Key)
	if apperror.Is(err, apperror.CodeSequenceNotFound) {
		if _, err := e.Define(ctx, &want, time.Time{}); err != nil {
			return "", err
		}
		return ApplyCreated, nil
	}
	if err != nil {
		return "", err
	}

	result := ApplyUnchanged
	switch {
	case want.Pattern == current.DesiredPattern():
		// An overflow switch may have moved the effective pattern on; the
		// configured one is what the definition is compared with.
	case want.Pattern == current.Pattern:
		// The definition caught up with the effective pattern.
		err := e.store.RunInTransaction(ctx, func(ctx context.Context) error {
			if _, err := e.counters.GetWithLock(ctx, want.Key); err != nil {
				return err
			}
			seq, err := e.store.Sequences().Get(ctx, want.Key)
			if err != nil {
				return err
			}
			seq.ConfiguredPattern = want.Pattern
			seq.UpdatedAt = e.now().UTC()
			return e.store.Sequences().Update(ctx, seq)
		})
		if err != nil {
			return "", err
		}
		result = ApplyUpdated
	default:
		now := e.now().UTC()
		err := e.store.RunInTransaction(ctx, func(ctx context.Context) error {
			if _, err := e.versions.Close(ctx, want.Key, now); err != nil && !apperror.IsNotFound(err) {
				return err
			}
			_, err := e.createVersion(ctx, want.Key, want.Pattern, now, nil)
			return err
		})
		if err != nil {
			return "", err
		}
		e.publishVersion(ctx, want.Key, want.Pattern, now, nil, "definition changed")
		result = ApplyUpdated
	}

	before, err := e.store.Sequences().Get(ctx, want.Key)
	if err != nil {
		return "", err
	}
	updated, err := e.UpdatePolicy(ctx, want.Key, PolicyUpdate{
		ResetPeriod:                &want.ResetPeriod,
		StepSize:                   &want.StepSize,
		ResetLimit:                 &want.ResetLimit,
		InitialValue:               &want.InitialValue,
		GapPolicy:                  &want.GapPolicy,
		OverflowBehavior:           &want.OverflowBehavior,
		OverflowPattern:            &want.OverflowPattern,
		ExhaustionThresholdPercent: &want.ExhaustionThresholdPercent,
		Active:                     &want.Active,
	})
	if err != nil {
		return "", err
	}
	if !updated.UpdatedAt.Equal(before.UpdatedAt) {
		result = ApplyUpdated
	}
	return result, nil
}

// Get returns a definition.
func (e *Engine) Get(ctx context.Context, key sequence.Key) (*sequence.Sequence, error) {
	return e.store.Sequences().Get(ctx, key)
}

// List returns every definition.
func (e *Engine) List(ctx context.Context) ([]*sequence.Sequence, error) {
	return e.store.Sequences().List(ctx)
}

// --- Generation ---

// Generate issues one number.
func (e *Engine) Generate(ctx context.Context, req Request) (string, error) {
	return e.gen.Generate(ctx, req)
}

// Reserve issues count numbers and holds them for ttl.
func (e *Engine) Reserve(ctx context.Context, req Request, count int, ttl time.Duration) (*sequence.Reservation, error) {
	return e.reservations.Reserve(ctx, req.Key, count, ttl, req.ReferenceDate, req.Vars)
}

// Finalize makes reserved numbers permanent.
func (e *Engine) Finalize(ctx context.Context, key sequence.Key, numbers []string) error {
	return e.reservations.Finalize(ctx, key, numbers)
}

// Release returns reserved numbers.
func (e *Engine) Release(ctx context.Context, key sequence.Key, numbers []string) error {
	return e.reservations.Release(ctx, key, numbers)
}

// Reservations lists the active reservations of key.
func (e *Engine) Reservations(ctx context.Context, key sequence.Key) ([]*sequence.Reservation, error) {
	return e.reservations.Active(ctx, key)
}

// IsReserved reports whether number is held by an active reservation.
func (e *Engine) IsReserved(ctx context.Context, key sequence.Key, number string) (bool, error) {
	return e.reservations.IsReserved(ctx, key, number)
}

// ReleaseExpired runs one expiry sweep at the current time.
func (e *Engine) ReleaseExpired(ctx context.Context) (int, error) {
	return e.reservations.ReleaseExpired(ctx, e.now())
}

// SweepExpired runs one expiry sweep at the current time and calls onPage
// between pages.
func (e *Engine) SweepExpired(ctx context.Context, onPage reservation.PageFunc) (int, error) {
	return e.reservations.SweepExpired(ctx, e.now(), onPage)
}

// Void records a previously issued number as a gap. Numbers the counter has not
// reached yet and numbers held by an active reservation are rejected. Under the
// allow policy nothing is recorded.
func (e *Engine) Void(ctx context.Context, key sequence.Key, number, reason string) error {
	var recorded *sequence.Gap
	err := e.store.RunInTransaction(ctx, func(ctx context.Context) error {
		c, err := e.counters.GetWithLock(ctx, key)
		if err != nil {
			return err
		}
		seq, err := e.store.Sequences().Get(ctx, key)
		if err != nil {
			return err
		}
		if err := e.checkIssued(ctx, seq, c, number); err != nil {
			return err
		}
		reserved, err := e.reservations.IsReserved(ctx, key, number)
		if err != nil {
			return err
		}
		if reserved {
			return apperror.NewConflict("number is held by an active reservation").
				WithDetail("sequence", key.String()).
				WithDetail("number", number)
		}
		recorded, err = e.gaps.Record(ctx, seq, number, reason)
		return err
	})
	if err != nil {
		return err
	}

	if recorded != nil {
		audit.Publish(ctx, e.sink, e.log, audit.NewEvent(ctx, audit.EventGapRecorded, key, map[string]any{
			"number": recorded.Number,
			"reason": recorded.Reason,
			"gap_id": recorded.ID,
		}))
	}
	return nil
}

// checkIssued rejects a number the active pattern would still issue: its date
// parts name the current period (or a later one) and its counter value is above
// the counter. Queued as a gap, such a number would be issued twice. Numbers the
// active pattern cannot parse belong to older versions and pass.
func (e *Engine) checkIssued(ctx context.Context, seq *sequence.Sequence, c *sequence.Counter, number string) error {
	now := e.now()
	active, err := e.versions.ActivePattern(ctx, seq.Key, now)
	if apperror.Is(err, apperror.CodeNoActivePattern) {
		return nil
	}
	if err != nil {
		return err
	}
	tmpl, err := pattern.Parse(active.Pattern)
	if err != nil {
		return err
	}
	m, ok := tmpl.Match(number)
	if !ok {
		return nil
	}

	current := c.CurrentValue
	if need, _ := counter.NeedsReset(seq, c, now); need {
		current = seq.InitialValue
	}
	switch period := m.ComparePeriod(now); {
	case period < 0:
		return nil
	case period == 0 && m.Value <= current:
		return nil
	}
	return apperror.NewValidation("number has not been issued yet").
		WithDetail("sequence", seq.Key.String()).
		WithDetail("number", number).
		WithDetail("current_value", current)
}

// GapReport lists every gap of key in recording order.
func (e *Engine) GapReport(ctx context.Context, key sequence.Key) ([]sequence.Gap, error) {
	if _, err := e.store.Sequences().Get(ctx, key); err != nil {
		return nil, err
	}
	return e.gaps.Report(ctx, key)
}

// ClearGaps deletes every gap of key and returns how many were removed.
func (e *Engine) ClearGaps(ctx context.Context, key sequence.Key) (int, error) {
	var n int
	err := e.store.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := e.counters.GetWithLock(ctx, key); err != nil {
			return err
		}
		var err error
		n, err = e.gaps.Clear(ctx, key)
		return err
	})
	if err != nil {
		return 0, err
	}

	audit.Publish(ctx, e.sink, e.log, audit.NewEvent(ctx, audit.EventGapsCleared, key, map[string]any{"count": n}))
	return n, nil
}

// --- Pattern versions ---

// CreatePatternVersion adds a version valid over [from, until).
func (e *Engine) CreatePatternVersion(ctx context.Context, key sequence.Key, tmpl string, from time.Time, until *time.Time) (*sequence.PatternVersion, error) {
	var created *sequence.PatternVersion
	err := e.store.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		created, err = e.createVersion(ctx, key, tmpl, from, until)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.publishVersion(ctx, key, tmpl, from, until, "manual")
	return created, nil
}

// createVersion adds the version and keeps the definition's current pattern in
// step with the open-ended version.
func (e *Engine) createVersion(ctx context.Context, key sequence.Key, tmpl string, from time.Time, until *time.Time) (*sequence.PatternVersion, error) {
	if _, err := e.counters.GetWithLock(ctx, key); err != nil {
		return nil, err
	}
	seq, err := e.store.Sequences().Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if seq.IsRetired(tmpl) {
		return nil, apperror.NewConflict("pattern was retired by an overflow switch").
			WithDetail("sequence", key.String()).
			WithDetail("pattern", tmpl)
	}
	created, err := e.versions.Create(ctx, key, tmpl, from, until)
	if err != nil {
		return nil, err
	}
	if until != nil {
		return created, nil
	}
	seq.Pattern = tmpl
	seq.ConfiguredPattern = tmpl
	seq.UpdatedAt = e.now().UTC()
	if err := e.store.Sequences().Update(ctx, seq); err != nil {
		return nil, err
	}
	return created, nil
}

func (e *Engine) publishVersion(ctx context.Context, key sequence.Key, tmpl string, from time.Time, until *time.Time, reason string) {
	payload := map[string]any{
		"pattern":        tmpl,
		"effective_from": from,
		"reason":         reason,
	}
	if until != nil {
		payload["effective_until"] = *until
	}
	audit.Publish(ctx, e.sink, e.log, audit.NewEvent(ctx, audit.EventPatternVersionCreated, key, payload))
}

// ClosePatternVersion ends the open version of key at at.
func (e *Engine) ClosePatternVersion(ctx context.Context, key sequence.Key, at time.Time) (*sequence.PatternVersion, error) {
	closed, err := e.versions.Close(ctx, key, at)
	if err != nil {
		return nil, err
	}
	audit.Publish(ctx, e.sink, e.log, audit.NewEvent(ctx, audit.EventPatternModified, key, map[string]any{
		"pattern":         closed.Pattern,
		"effective_until": at,
	}))
	return closed, nil
}

// ActivePattern returns the version in effect on date.
func (e *Engine) ActivePattern(ctx context.Context, key sequence.Key, date time.Time) (*sequence.PatternVersion, error) {
	return e.versions.ActivePattern(ctx, key, date)
}

// PatternVersions returns the version history of key.
func (e *Engine) PatternVersions(ctx context.Context, key sequence.Key) ([]sequence.PatternVersion, error) {
	if _, err := e.store.Sequences().Get(ctx, key); err != nil {
		return nil, err
	}
	return e.versions.All(ctx, key)
}

// --- Administration ---

// Lock stops generation for key.
func (e *Engine) Lock(ctx context.Context, key sequence.Key) error {
	return e.setLocked(ctx, key, true)
}

// Unlock resumes generation for key.
func (e *Engine) Unlock(ctx context.Context, key sequence.Key) error {
	return e.setLocked(ctx, key, false)
}

// setLocked changes the lock flag. The audit event is written synchronously inside
// the transaction: if it cannot be recorded, the change is rolled back.
func (e *Engine) setLocked(ctx context.Context, key sequence.Key, locked bool) error {
	var previous bool
	err := e.store.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := e.counters.GetWithLock(ctx, key); err != nil {
			return err
		}
		seq, err := e.store.Sequences().Get(ctx, key)
		if err != nil {
			return err
		}
		previous = seq.Locked
		seq.Locked = locked
		seq.UpdatedAt = e.now().UTC()
		if err := e.store.Sequences().Update(ctx, seq); err != nil {
			return err
		}
		return e.sink.Record(ctx, audit.NewEvent(ctx, audit.EventLockStatusChanged, key, map[string]any{
			"locked":          locked,
			"previous_locked": previous,
		}))
	})
	if err != nil {
		e.recordFailure(ctx, audit.NewEvent(ctx, audit.EventLockStatusChanged, key, map[string]any{"locked": locked}), err)
		return err
	}

	e.log.WithContext(ctx).Infow("sequence lock status changed", "sequence", key.String(), "locked", locked)
	return nil
}

// OverrideCounter sets the counter to value. Values below the current one need
// force. The audit event is written synchronously inside the transaction.
func (e *Engine) OverrideCounter(ctx context.Context, key sequence.Key, value int64, force bool) error {
	err := e.store.RunInTransaction(ctx, func(ctx context.Context) error {
		previous, err := e.counters.SetOverride(ctx, key, value, force)
		if err != nil {
			return err
		}
		return e.sink.Record(ctx, audit.NewEvent(ctx, audit.EventCounterOverridden, key, map[string]any{
			"old_value": previous,
			"new_value": value,
			"forced":    force,
		}))
	})
	if err != nil {
		e.recordFailure(ctx, audit.NewEvent(ctx, audit.EventCounterOverridden, key, map[string]any{
			"new_value": value,
			"forced":    force,
		}), err)
		return err
	}

	e.log.WithContext(ctx).Warnw("counter overridden", "sequence", key.String(), "value", value, "forced", force)
	return nil
}

// recordFailure audits a rejected compliance operation after its rollback.
func (e *Engine) recordFailure(ctx context.Context, ev audit.Event, cause error) {
	audit.Publish(ctx, e.sink, e.log, ev.Failed(cause))
}

func definitionPayload(seq *sequence.Sequence, effectiveFrom time.Time) map[string]any {
	return map[string]any{
		"pattern":                      seq.Pattern,
		"reset_period":                 seq.ResetPeriod,
		"step_size":                    seq.StepSize,
		"reset_limit":                  seq.ResetLimit,
		"initial_value":                seq.InitialValue,
		"gap_policy":                   seq.GapPolicy,
		"overflow_behavior":            seq.OverflowBehavior,
		"overflow_pattern":             seq.OverflowPattern,
		"exhaustion_threshold_percent": seq.ExhaustionThresholdPercent.String(),
		"active":                       seq.Active,
		"effective_from":               effectiveFrom,
	}
}
