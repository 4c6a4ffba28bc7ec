package sequence

import (
	"context"
	"time"

	"sequencer/internal/core/tx"
)

// Repository stores sequence definitions.
type Repository interface {
	// Get returns the definition or a SequenceNotFound error.
	Get(ctx context.Context, key Key) (*Sequence, error)
	List(ctx context.Context) ([]*Sequence, error)
	// Create inserts a new definition; an existing key is a Conflict.
	Create(ctx context.Context, seq *Sequence) error
	Update(ctx context.Context, seq *Sequence) error
}

// CounterStore holds one counter per sequence key.
//
// GetForUpdate is the serialization point of the engine: it acquires the exclusive,
// blocking per-key lock and holds it until the surrounding transaction commits or
// rolls back. It must be called inside tx.Manager.RunInTransaction. Every mutating
// method must be called while that lock is held.
type CounterStore interface {
	// Init creates the counter of a new sequence at value.
	Init(ctx context.Context, key Key, value int64) error
	// Get returns an unlocked snapshot.
	Get(ctx context.Context, key Key) (*Counter, error)
	GetForUpdate(ctx context.Context, key Key) (*Counter, error)
	// Increment adds delta and returns the new value.
	Increment(ctx context.Context, key Key, delta int64) (int64, error)
	// Reset sets the value, zeroes the generation count and stamps LastResetAt.
	Reset(ctx context.Context, key Key, value int64, at time.Time) error
	// SetValue overwrites the value without touching reset bookkeeping.
	SetValue(ctx context.Context, key Key, value int64) error
	// RecordGeneration bumps the generation count and stamps LastGeneratedAt with
	// the reference date at and LastIssuedAt with issuedAt.
	RecordGeneration(ctx context.Context, key Key, at, issuedAt time.Time) error
}

// GapStore persists voided numbers in recording order.
type GapStore interface {
	// Add appends a gap and assigns its ID.
	Add(ctx context.Context, gap *Gap) error
	// FindUnfilled returns the unfilled gap for number, or nil.
	FindUnfilled(ctx context.Context, key Key, number string) (*Gap, error)
	// NextUnfilled returns the oldest unfilled gap, or nil.
	NextUnfilled(ctx context.Context, key Key) (*Gap, error)
	MarkFilled(ctx context.Context, gapID int64, at time.Time) error
	List(ctx context.Context, key Key) ([]Gap, error)
	CountUnfilled(ctx context.Context, key Key) (int, error)
	// Clear physically deletes every gap of key and returns how many were removed.
	Clear(ctx context.Context, key Key) (int, error)
}

// VersionStore persists pattern versions.
type VersionStore interface {
	// Add inserts a version and assigns its ID.
	Add(ctx context.Context, v *PatternVersion) error
	// List returns versions ordered by EffectiveFrom.
	List(ctx context.Context, key Key) ([]PatternVersion, error)
	SetUntil(ctx context.Context, id int64, until *time.Time) error
	// SetPattern replaces the template of a version in place.
	SetPattern(ctx context.Context, id int64, pattern string) error
}

// ReservationStore persists reservations.
type ReservationStore interface {
	Create(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id string) (*Reservation, error)
	// ListActive returns active reservations of key (expired-but-unswept included).
	ListActive(ctx context.Context, key Key) ([]*Reservation, error)
	// ListExpired returns IDs of active reservations whose TTL elapsed before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	// LockActive locks an active reservation for the surrounding transaction.
	// It returns nil when the reservation is no longer active or another
	// transaction already holds it.
	LockActive(ctx context.Context, id string) (*Reservation, error)
	Update(ctx context.Context, r *Reservation) error
}

// Store bundles the repositories of one backend with its transaction manager.
type Store interface {
	tx.Manager
	Sequences() Repository
	Counters() CounterStore
	Gaps() GapStore
	Versions() VersionStore
	Reservations() ReservationStore
}
