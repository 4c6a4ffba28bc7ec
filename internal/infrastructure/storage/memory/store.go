// Package memory is the in-process storage backend.
//
// A transaction is an undo log attached to the context. Every mutation made through
// a transaction context appends its inverse; on error the log is replayed in
// reverse. Counter locks taken by GetForUpdate come from a keyed mutex and are
// released when the outermost transaction ends.
package memory

import (
	"context"
	"fmt"
	"sync"

	"sequencer/internal/domain/sequence"
	"sequencer/internal/infrastructure/lock"
)

// txState is the per-transaction bookkeeping stored in the context.
type txState struct {
	undo []func()
	// held are the lock keys owned by this transaction, in acquisition order.
	held    []string
	heldSet map[string]struct{}
}

type txKey struct{}

func getTx(ctx context.Context) *txState {
	if st, ok := ctx.Value(txKey{}).(*txState); ok {
		return st
	}
	return nil
}

// Store implements sequence.Store in memory. It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	locks *lock.MutexMap

	sequences    map[sequence.Key]sequence.Sequence
	counters     map[sequence.Key]sequence.Counter
	gaps         map[sequence.Key][]sequence.Gap
	versions     map[sequence.Key][]sequence.PatternVersion
	reservations map[string]*sequence.Reservation

	gapSeq     int64
	versionSeq int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		locks:        lock.NewMutexMap(),
		sequences:    make(map[sequence.Key]sequence.Sequence),
		counters:     make(map[sequence.Key]sequence.Counter),
		gaps:         make(map[sequence.Key][]sequence.Gap),
		versions:     make(map[sequence.Key][]sequence.PatternVersion),
		reservations: make(map[string]*sequence.Reservation),
	}
}

// RunInTransaction implements tx.Manager.
// Nested calls reuse the existing transaction from context.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if getTx(ctx) != nil {
		return fn(ctx)
	}

	st := &txState{heldSet: make(map[string]struct{})}
	txCtx := context.WithValue(ctx, txKey{}, st)

	defer func() {
		if p := recover(); p != nil {
			s.rollback(st)
			s.unlockAll(st)
			panic(p)
		}
		if err != nil {
			s.rollback(st)
		}
		s.unlockAll(st)
	}()

	return fn(txCtx)
}

// InTransaction reports whether ctx carries a transaction.
func (s *Store) InTransaction(ctx context.Context) bool {
	return getTx(ctx) != nil
}

func (s *Store) rollback(st *txState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(st.undo) - 1; i >= 0; i-- {
		st.undo[i]()
	}
	st.undo = nil
}

func (s *Store) unlockAll(st *txState) {
	for i := len(st.held) - 1; i >= 0; i-- {
		s.locks.Unlock(st.held[i])
	}
	st.held = nil
	st.heldSet = nil
}

// lockKey takes the named lock for the transaction in ctx. Re-entrant per transaction.
func (s *Store) lockKey(ctx context.Context, name string) error {
	st := getTx(ctx)
	if st == nil {
		return fmt.Errorf("lock %s: transaction required", name)
	}
	if _, ok := st.heldSet[name]; ok {
		return nil
	}
	if err := s.locks.Lock(ctx, name); err != nil {
		return fmt.Errorf("lock %s: %w", name, err)
	}
	st.held = append(st.held, name)
	st.heldSet[name] = struct{}{}
	return nil
}

// tryLockKey is the non-blocking variant of lockKey.
func (s *Store) tryLockKey(ctx context.Context, name string) (bool, error) {
	st := getTx(ctx)
	if st == nil {
		return false, fmt.Errorf("lock %s: transaction required", name)
	}
	if _, ok := st.heldSet[name]; ok {
		return true, nil
	}
	if !s.locks.TryLock(name) {
		return false, nil
	}
	st.held = append(st.held, name)
	st.heldSet[name] = struct{}{}
	return true, nil
}

// onRollback registers an inverse operation. Must be called with s.mu held.
func (s *Store) onRollback(ctx context.Context, undo func()) {
	if st := getTx(ctx); st != nil {
		st.undo = append(st.undo, undo)
	}
}

// Sequences implements sequence.Store.
func (s *Store) Sequences() sequence.Repository { return (*sequenceRepo)(s) }

// Counters implements sequence.Store.
func (s *Store) Counters() sequence.CounterStore { return (*counterRepo)(s) }

// Gaps implements sequence.Store.
func (s *Store) Gaps() sequence.GapStore { return (*gapRepo)(s) }

// Versions implements sequence.Store.
func (s *Store) Versions() sequence.VersionStore { return (*versionRepo)(s) }

// Reservations implements sequence.Store.
func (s *Store) Reservations() sequence.ReservationStore { return (*reservationRepo)(s) }

var _ sequence.Store = (*Store)(nil)
