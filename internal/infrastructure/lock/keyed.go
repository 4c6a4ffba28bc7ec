// Package lock provides the per-key exclusive locks used to serialize sequence updates.
//
// MutexMap is the in-process lock behind the memory backend's counter lock.
// RedisLocker guards work that must run on a single worker across processes.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned by TryAcquire when another holder owns the lock.
var ErrNotAcquired = errors.New("lock already held")

// MutexMap hands out one exclusive lock per key. Lock waits are cancellable.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*keyMutex
}

// keyMutex is a one-slot semaphore; refs counts holders and waiters so idle
// entries can be dropped from the map.
type keyMutex struct {
	ch   chan struct{}
	refs int
}

// NewMutexMap creates an empty MutexMap.
func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*keyMutex),
	}
}

// Lock blocks until the key is held or ctx is done.
func (m *MutexMap) Lock(ctx context.Context, key string) error {
	km := m.acquire(key)
	select {
	case km.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.release(key)
		return ctx.Err()
	}
}

// TryLock takes the key only if it is free.
func (m *MutexMap) TryLock(key string) bool {
	km := m.acquire(key)
	select {
	case km.ch <- struct{}{}:
		return true
	default:
		m.release(key)
		return false
	}
}

// Unlock releases a key taken with Lock or TryLock.
func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	km, ok := m.mutexes[key]
	m.mu.Unlock()
	if !ok {
		panic("lock: unlock of unlocked key " + key)
	}
	<-km.ch
	m.release(key)
}

// Len returns the number of keys currently held or awaited.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mutexes)
}

func (m *MutexMap) acquire(key string) *keyMutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	km, ok := m.mutexes[key]
	if !ok {
		km = &keyMutex{ch: make(chan struct{}, 1)}
		m.mutexes[key] = km
	}
	km.refs++
	return km
}

func (m *MutexMap) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	km := m.mutexes[key]
	km.refs--
	if km.refs == 0 {
		delete(m.mutexes, key)
	}
}

// Lease is a held named lock.
type Lease interface {
	// Release gives the lock up. Releasing twice is harmless.
	Release(ctx context.Context) error
	// Extend pushes the expiry out by the original TTL.
	Extend(ctx context.Context) error
}

// Locker acquires named, time-limited locks without blocking.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// LocalLocker implements Locker on a MutexMap for single-process deployments.
// TTLs are ignored; the lock is held until Release.
type LocalLocker struct {
	locks *MutexMap
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: NewMutexMap()}
}

// TryAcquire implements Locker.
func (l *LocalLocker) TryAcquire(_ context.Context, name string, _ time.Duration) (Lease, error) {
	if !l.locks.TryLock(name) {
		return nil, ErrNotAcquired
	}
	return &localLease{locks: l.locks, name: name}, nil
}

type localLease struct {
	locks *MutexMap
	name  string
	once  sync.Once
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() { l.locks.Unlock(l.name) })
	return nil
}

func (l *localLease) Extend(context.Context) error {
	return nil
}

var _ Locker = (*LocalLocker)(nil)
