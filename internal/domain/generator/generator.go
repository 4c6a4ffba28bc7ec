// Package generator issues sequence numbers and exposes the engine's public operations.
//
// One generation runs inside a single transaction that holds the per-sequence counter
// lock. The transaction covers the reset check, gap consumption, the increment, overflow
// handling (including a pattern switch) and the generation bookkeeping. Any failure rolls
// every one of those back. Audit events are collected while the lock is held and
// published after commit.
package generator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sequencer/internal/core/apperror"
	"sequencer/internal/core/tx"
	"sequencer/internal/domain/audit"
	"sequencer/internal/domain/counter"
	"sequencer/internal/domain/gap"
	"sequencer/internal/domain/pattern"
	"sequencer/internal/domain/sequence"
	"sequencer/internal/domain/version"
	"sequencer/pkg/logger"
)

var tracer = otel.Tracer("sequencer/generator")

// Request describes one generation.
type Request struct {
	Key sequence.Key
	// ReferenceDate drives reset periods, version selection and date tokens.
	// Zero means now.
	ReferenceDate time.Time
	// Vars resolves custom template variables.
	Vars map[string]string
}

// Generator implements the generation algorithm.
type Generator struct {
	txm       tx.Manager
	sequences sequence.Repository
	counters  *counter.Service
	gaps      *gap.Tracker
	versions  *version.Registry
	sink      audit.Sink
	log       *logger.Logger
	now       func() time.Time
}

// NewGenerator creates a Generator.
func NewGenerator(
	txm tx.Manager,
	sequences sequence.Repository,
	counters *counter.Service,
	gaps *gap.Tracker,
	versions *version.Registry,
	sink audit.Sink,
	log *logger.Logger,
) *Generator {
	return &Generator{
		txm:       txm,
		sequences: sequences,
		counters:  counters,
		gaps:      gaps,
		versions:  versions,
		sink:      sink,
		log:       log.WithComponent("generator"),
		now:       time.Now,
	}
}

// Generate issues one number.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	ctx, span := tracer.Start(ctx, "generator.generate", trace.WithAttributes(
		attribute.String("sequence.name", req.Key.Name),
		attribute.String("sequence.scope", req.Key.Scope),
	))
	defer span.End()

	numbers, events, err := g.IssueBatch(ctx, req.Key, 1, g.reference(req.ReferenceDate), req.Vars)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	g.publish(ctx, events)
	return numbers[0], nil
}

// IssueBatch issues count numbers under one lock acquisition. It joins the
// transaction in ctx when there is one; the returned events are not published.
func (g *Generator) IssueBatch(ctx context.Context, key sequence.Key, count int, ref time.Time, vars map[string]string) ([]string, []audit.Event, error) {
	ref = g.reference(ref)

	// Fail fast without queueing on the lock; the check is repeated under it.
	seq, err := g.sequences.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if err := seq.CanGenerate(); err != nil {
		return nil, nil, err
	}

	var (
		numbers []string
		events  []audit.Event
	)
	err = g.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		c, err := g.counters.GetWithLock(ctx, key)
		if err != nil {
			return err
		}
		seq, err := g.sequences.Get(ctx, key)
		if err != nil {
			return err
		}
		if err := seq.CanGenerate(); err != nil {
			return err
		}

		st := &issue{seq: seq, counter: c, ref: ref, vars: vars}
		numbers = make([]string, 0, count)
		for i := 0; i < count; i++ {
			n, err := g.issueOne(ctx, st)
			if err != nil {
				return err
			}
			numbers = append(numbers, n)
		}
		events = st.events
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return numbers, events, nil
}

// issue is the state of one locked issuing section.
type issue struct {
	seq     *sequence.Sequence
	counter *sequence.Counter
	ref     time.Time
	vars    map[string]string
	events  []audit.Event
}

func (st *issue) emit(ctx context.Context, typ audit.EventType, payload map[string]any) {
	st.events = append(st.events, audit.NewEvent(ctx, typ, st.seq.Key, payload))
}

func (g *Generator) issueOne(ctx context.Context, st *issue) (string, error) {
	key := st.seq.Key

	if need, reason := counter.NeedsReset(st.seq, st.counter, st.ref); need {
		if err := g.reset(ctx, st, string(reason)); err != nil {
			return "", err
		}
	}

	current, err := g.versions.ActivePattern(ctx, key, st.ref)
	if err != nil {
		return "", err
	}
	tmpl, err := pattern.Parse(current.Pattern)
	if err != nil {
		return "", err
	}

	if st.seq.GapPolicy == sequence.GapFill {
		reclaimed, err := g.gaps.Take(ctx, key)
		if err != nil {
			return "", err
		}
		if reclaimed != nil {
			if err := g.recordGeneration(ctx, st); err != nil {
				return "", err
			}
			st.emit(ctx, audit.EventGapReclaimed, map[string]any{
				"number":      reclaimed.Number,
				"gap_id":      reclaimed.ID,
				"recorded_at": reclaimed.RecordedAt,
			})
			st.emit(ctx, audit.EventNumberGenerated, map[string]any{
				"number":         reclaimed.Number,
				"source":         "gap",
				"reference_date": st.ref,
			})
			return reclaimed.Number, nil
		}
	}

	value, err := g.counters.Increment(ctx, key, st.seq.StepSize)
	if err != nil {
		return "", err
	}
	st.counter.CurrentValue = value

	var opts pattern.RenderOptions
	if !tmpl.Fits(value) {
		switch st.seq.OverflowBehavior {
		case sequence.OverflowExtendPadding:
			opts.AllowWidening = true
		case sequence.OverflowSwitchPattern:
			current, tmpl, value, err = g.switchPattern(ctx, st, current, tmpl, value)
			if err != nil {
				return "", err
			}
		default:
			return "", exhausted(key, value, tmpl)
		}
	}

	g.checkThreshold(ctx, st, value, tmpl)

	number, err := tmpl.Render(value, st.ref, st.vars, opts)
	if err != nil {
		return "", err
	}
	if err := g.recordGeneration(ctx, st); err != nil {
		return "", err
	}

	payload := map[string]any{
		"number":         number,
		"value":          value,
		"pattern":        current.Pattern,
		"source":         "counter",
		"reference_date": st.ref,
	}
	if opts.AllowWidening {
		payload["widened"] = true
	}
	st.emit(ctx, audit.EventNumberGenerated, payload)
	return number, nil
}

// switchPattern moves the sequence to its overflow template effective at the
// reference date, resets the counter and retries the increment once.
func (g *Generator) switchPattern(ctx context.Context, st *issue, current *sequence.PatternVersion, tmpl *pattern.Template, value int64) (*sequence.PatternVersion, *pattern.Template, int64, error) {
	key := st.seq.Key

	nextSrc := st.seq.OverflowPattern
	if nextSrc == "" {
		widened := tmpl.Widen()
		if widened.Padding() == tmpl.Padding() {
			return nil, nil, 0, exhausted(key, value, tmpl)
		}
		nextSrc = widened.String()
	}
	if nextSrc == current.Pattern || st.seq.IsRetired(nextSrc) {
		// Already on the overflow template, or it was used up before: switching
		// would reissue its numbers.
		return nil, nil, 0, exhausted(key, value, tmpl)
	}
	next, err := pattern.Parse(nextSrc)
	if err != nil {
		return nil, nil, 0, err
	}

	created, err := g.versions.Split(ctx, current, nextSrc, st.ref)
	if err != nil {
		return nil, nil, 0, err
	}
	st.seq.Retire(current.Pattern)
	if current.IsOpen() {
		st.seq.Pattern = nextSrc
	}
	st.seq.UpdatedAt = g.now().UTC()
	if err := g.sequences.Update(ctx, st.seq); err != nil {
		return nil, nil, 0, err
	}
	st.emit(ctx, audit.EventPatternVersionCreated, map[string]any{
		"pattern":          nextSrc,
		"previous_pattern": current.Pattern,
		"effective_from":   created.EffectiveFrom,
		"reason":           "overflow",
		"overflow_value":   value,
	})

	if err := g.reset(ctx, st, "overflow"); err != nil {
		return nil, nil, 0, err
	}
	retried, err := g.counters.Increment(ctx, key, st.seq.StepSize)
	if err != nil {
		return nil, nil, 0, err
	}
	st.counter.CurrentValue = retried
	if !next.Fits(retried) {
		return nil, nil, 0, exhausted(key, retried, next)
	}
	return created, next, retried, nil
}

func (g *Generator) reset(ctx context.Context, st *issue, reason string) error {
	old := st.counter.CurrentValue
	if err := g.counters.Reset(ctx, st.seq.Key, st.seq.InitialValue, st.ref); err != nil {
		return err
	}
	ref := st.ref
	st.counter.CurrentValue = st.seq.InitialValue
	st.counter.GenerationCount = 0
	st.counter.LastResetAt = &ref

	st.emit(ctx, audit.EventCounterReset, map[string]any{
		"old_value":      old,
		"new_value":      st.seq.InitialValue,
		"reason":         reason,
		"reference_date": st.ref,
	})
	return nil
}

func (g *Generator) recordGeneration(ctx context.Context, st *issue) error {
	issuedAt := g.now().UTC()
	if err := g.counters.RecordGeneration(ctx, st.seq.Key, st.ref, issuedAt); err != nil {
		return err
	}
	ref := st.ref
	st.counter.GenerationCount++
	st.counter.LastGeneratedAt = &ref
	st.counter.LastIssuedAt = &issuedAt
	return nil
}

// checkThreshold emits an advisory event when utilization reaches the threshold.
func (g *Generator) checkThreshold(ctx context.Context, st *issue, value int64, tmpl *pattern.Template) {
	threshold := st.seq.ExhaustionThresholdPercent
	capacity := tmpl.Capacity()
	if !threshold.IsPositive() || capacity == 0 {
		return
	}
	utilization := sequence.Utilization(value, capacity)
	if utilization.LessThan(threshold) {
		return
	}
	st.emit(ctx, audit.EventExhaustionThreshold, map[string]any{
		"value":       value,
		"capacity":    capacity,
		"utilization": utilization.StringFixed(2),
		"threshold":   threshold.String(),
	})
}

func (g *Generator) publish(ctx context.Context, events []audit.Event) {
	log := g.log.WithContext(ctx)
	for _, e := range events {
		keyLog := log.WithSequence(e.Key.Name, e.Key.Scope)
		switch e.Type {
		case audit.EventCounterReset:
			keyLog.Infow("counter reset", "reason", e.Payload["reason"], "old_value", e.Payload["old_value"])
		case audit.EventPatternVersionCreated:
			keyLog.Warnw("sequence overflow, pattern switched", "pattern", e.Payload["pattern"])
		case audit.EventExhaustionThreshold:
			keyLog.Warnw("sequence nearing exhaustion", "utilization", e.Payload["utilization"], "threshold", e.Payload["threshold"])
		}
	}
	audit.Publish(ctx, g.sink, g.log, events...)
}

func (g *Generator) reference(ref time.Time) time.Time {
	if ref.IsZero() {
		return g.now()
	}
	return ref
}

func exhausted(key sequence.Key, value int64, tmpl *pattern.Template) *apperror.AppError {
	return apperror.NewSequenceExhausted(key.String(), value, tmpl.Padding()).
		WithDetail("pattern", tmpl.String())
}
