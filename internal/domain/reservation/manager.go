// Package reservation holds batches of numbers for a limited time before they are
// finalized or returned.
package reservation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sequencer/internal/core/apperror"
	"sequencer/internal/core/id"
	"sequencer/internal/core/tx"
	"sequencer/internal/domain/audit"
	"sequencer/internal/domain/gap"
	"sequencer/internal/domain/sequence"
	"sequencer/pkg/logger"
)

var tracer = otel.Tracer("sequencer/reservation")

// Issuer produces numbers for a reservation. IssueBatch runs inside the caller's
// transaction and returns the audit events of the generations, to be published
// after commit.
type Issuer interface {
	IssueBatch(ctx context.Context, key sequence.Key, count int, ref time.Time, vars map[string]string) ([]string, []audit.Event, error)
}

// Config limits reservation requests.
type Config struct {
	// MaxBatch caps the count of a single Reserve call.
	MaxBatch int
	// SweepBatch is how many expired reservations one sweep pass claims.
	SweepBatch int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxBatch: 1000, SweepBatch: 100}
}

// Manager implements reserve, finalize, release and the expiry sweep.
type Manager struct {
	txm          tx.Manager
	sequences    sequence.Repository
	counters     sequence.CounterStore
	reservations sequence.ReservationStore
	gaps         *gap.Tracker
	issuer       Issuer
	sink         audit.Sink
	log          *logger.Logger
	cfg          Config
	now          func() time.Time
}

// NewManager creates a Manager.
func NewManager(store sequence.Store, gaps *gap.Tracker, issuer Issuer, sink audit.Sink, log *logger.Logger, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	return &Manager{
		txm:          store,
		sequences:    store.Sequences(),
		counters:     store.Counters(),
		reservations: store.Reservations(),
		gaps:         gaps,
		issuer:       issuer,
		sink:         sink,
		log:          log.WithComponent("reservation"),
		cfg:          cfg,
		now:          time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Reserve issues count numbers in one locked transaction and holds them for ttl.
// Either every number is issued and held or nothing changes.
func (m *Manager) Reserve(ctx context.Context, key sequence.Key, count int, ttl time.Duration, ref time.Time, vars map[string]string) (*sequence.Reservation, error) {
	ctx, span := tracer.Start(ctx, "reservation.reserve", trace.WithAttributes(
		attribute.String("sequence.name", key.Name),
		attribute.String("sequence.scope", key.Scope),
		attribute.Int("reservation.count", count),
	))
	defer span.End()

	if count < 1 || count > m.cfg.MaxBatch {
		return nil, apperror.NewValidation("reservation count out of range").
			WithDetail("count", count).
			WithDetail("max", m.cfg.MaxBatch)
	}
	if ttl <= 0 {
		return nil, apperror.NewValidation("reservation ttl must be positive").WithDetail("ttl", ttl.String())
	}

	var (
		res    *sequence.Reservation
		events []audit.Event
	)
	err := m.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		numbers, generated, err := m.issuer.IssueBatch(ctx, key, count, ref, vars)
		if err != nil {
			return err
		}

		now := m.now().UTC()
		res = &sequence.Reservation{
			ID:        id.NewString(),
			Key:       key,
			Numbers:   numbers,
			Held:      append([]string(nil), numbers...),
			Status:    sequence.ReservationActive,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.reservations.Create(ctx, res); err != nil {
			return err
		}

		events = append(generated, audit.NewEvent(ctx, audit.EventReservationCreated, key, map[string]any{
			"reservation_id": res.ID,
			"numbers":        numbers,
			"expires_at":     res.ExpiresAt,
		}))
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	audit.Publish(ctx, m.sink, m.log, events...)
	return res, nil
}

// Finalize makes held numbers permanent.
func (m *Manager) Finalize(ctx context.Context, key sequence.Key, numbers []string) error {
	return m.settle(ctx, key, numbers, true)
}

// Release returns held numbers. Under fill they become gaps, under report-only they
// are recorded for the report, under allow they are dropped. The counter never
// moves back.
func (m *Manager) Release(ctx context.Context, key sequence.Key, numbers []string) error {
	return m.settle(ctx, key, numbers, false)
}

func (m *Manager) settle(ctx context.Context, key sequence.Key, numbers []string, finalize bool) error {
	if len(numbers) == 0 {
		return apperror.NewValidation("no numbers given")
	}

	var events []audit.Event
	err := m.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.counters.GetForUpdate(ctx, key); err != nil {
			return err
		}
		seq, err := m.sequences.Get(ctx, key)
		if err != nil {
			return err
		}
		active, err := m.reservations.ListActive(ctx, key)
		if err != nil {
			return err
		}

		touched := make(map[string]*sequence.Reservation)
		var order []*sequence.Reservation
		for _, n := range numbers {
			res := holder(active, n)
			if res == nil {
				return apperror.NewNotFound("reserved number", n).WithDetail("sequence", key.String())
			}
			res.Settle(n, finalize)
			if _, ok := touched[res.ID]; !ok {
				touched[res.ID] = res
				order = append(order, res)
			}
			if !finalize {
				g, err := m.gaps.Record(ctx, seq, n, "reservation released")
				if err != nil {
					return err
				}
				if g != nil {
					events = append(events, gapRecorded(ctx, g))
				}
			}
		}

		now := m.now().UTC()
		typ := audit.EventReservationReleased
		if finalize {
			typ = audit.EventReservationFinalized
		}
		for _, res := range order {
			res.UpdatedAt = now
			if err := m.reservations.Update(ctx, res); err != nil {
				return err
			}
			events = append(events, audit.NewEvent(ctx, typ, key, map[string]any{
				"reservation_id": res.ID,
				"numbers":        numbersOf(res, numbers),
				"status":         res.Status,
			}))
		}
		return nil
	})
	if err != nil {
		return err
	}

	audit.Publish(ctx, m.sink, m.log, events...)
	return nil
}

// Active lists the active reservations of key, expired-but-unswept ones included.
func (m *Manager) Active(ctx context.Context, key sequence.Key) ([]*sequence.Reservation, error) {
	return m.reservations.ListActive(ctx, key)
}

// Get returns one reservation.
func (m *Manager) Get(ctx context.Context, id string) (*sequence.Reservation, error) {
	return m.reservations.Get(ctx, id)
}

// IsReserved reports whether number is held by an active reservation of key.
func (m *Manager) IsReserved(ctx context.Context, key sequence.Key, number string) (bool, error) {
	active, err := m.reservations.ListActive(ctx, key)
	if err != nil {
		return false, err
	}
	return holder(active, number) != nil, nil
}

// PageFunc runs between sweep pages with the running total. A non-nil error
// stops the sweep.
type PageFunc func(ctx context.Context, released int) error

// ReleaseExpired expires every active reservation whose TTL elapsed before now and
// returns how many it processed. Reservations already handled by a concurrent
// sweep, or settled meanwhile, are skipped, so repeated calls are harmless.
func (m *Manager) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	return m.SweepExpired(ctx, now, nil)
}

// SweepExpired is ReleaseExpired with onPage called before every page after the
// first. Long sweeps use it to keep a time-limited lock alive.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time, onPage PageFunc) (int, error) {
	ctx, span := tracer.Start(ctx, "reservation.release_expired")
	defer span.End()

	total := 0
	for {
		ids, err := m.reservations.ListExpired(ctx, now, m.cfg.SweepBatch)
		if err != nil {
			span.RecordError(err)
			return total, err
		}

		processed := 0
		for _, id := range ids {
			ok, err := m.expire(ctx, id)
			if err != nil {
				span.RecordError(err)
				return total, err
			}
			if ok {
				processed++
			}
		}
		total += processed

		// A short page means the backlog is drained; a page with nothing processed
		// belongs to other sweepers.
		if len(ids) < m.cfg.SweepBatch || processed == 0 {
			break
		}
		if onPage != nil {
			if err := onPage(ctx, total); err != nil {
				span.RecordError(err)
				return total, err
			}
		}
	}

	span.SetAttributes(attribute.Int("reservation.expired", total))
	if total > 0 {
		m.log.WithContext(ctx).Infow("expired reservations released", "count", total)
	}
	return total, nil
}

func (m *Manager) expire(ctx context.Context, id string) (bool, error) {
	snapshot, err := m.reservations.Get(ctx, id)
	if err != nil {
		if apperror.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	key := snapshot.Key

	var (
		expired bool
		events  []audit.Event
	)
	err = m.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		// Counter lock first: Release and generation take it before touching
		// reservations and gaps.
		if _, err := m.counters.GetForUpdate(ctx, key); err != nil {
			return err
		}
		res, err := m.reservations.LockActive(ctx, id)
		if err != nil || res == nil {
			return err
		}
		seq, err := m.sequences.Get(ctx, key)
		if err != nil {
			return err
		}

		held := res.Expire()
		res.UpdatedAt = m.now().UTC()
		if err := m.reservations.Update(ctx, res); err != nil {
			return err
		}
		for _, n := range held {
			g, err := m.gaps.Record(ctx, seq, n, "reservation expired")
			if err != nil {
				return err
			}
			if g != nil {
				events = append(events, gapRecorded(ctx, g))
			}
		}
		events = append(events, audit.NewEvent(ctx, audit.EventReservationExpired, key, map[string]any{
			"reservation_id": res.ID,
			"numbers":        held,
			"expired_at":     res.ExpiresAt,
		}))
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}

	audit.Publish(ctx, m.sink, m.log, events...)
	return expired, nil
}

func holder(active []*sequence.Reservation, number string) *sequence.Reservation {
	for _, res := range active {
		if res.Holds(number) {
			return res
		}
	}
	return nil
}

func numbersOf(res *sequence.Reservation, numbers []string) []string {
	var out []string
	for _, n := range numbers {
		for _, rn := range res.Numbers {
			if rn == n {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func gapRecorded(ctx context.Context, g *sequence.Gap) audit.Event {
	return audit.NewEvent(ctx, audit.EventGapRecorded, g.Key, map[string]any{
		"number": g.Number,
		"reason": g.Reason,
		"gap_id": g.ID,
	})
}
