// Package keyedmutex provides per-key exclusive locks with both fail-fast
// and blocking acquisition.
package keyedmutex

import (
	"context"
	"sync"
)

type keyLock struct {
	ch   chan struct{}
	refs int
}

// Mutex is a set of exclusive locks addressed by string key. The zero value
// is not usable; call New.
type Mutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// New builds an empty keyed mutex.
func New() *Mutex {
	return &Mutex{locks: make(map[string]*keyLock)}
}

func (m *Mutex) acquireEntry(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[key]
	if !ok {
		entry = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (m *Mutex) releaseEntry(key string, entry *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.locks, key)
	}
}

// TryLock attempts to take the key's lock without blocking. On success the
// returned unlock must be called exactly once.
func (m *Mutex) TryLock(key string) (unlock func(), ok bool) {
	entry := m.acquireEntry(key)
	select {
	case entry.ch <- struct{}{}:
		return func() {
			<-entry.ch
			m.releaseEntry(key, entry)
		}, true
	default:
		m.releaseEntry(key, entry)
		return nil, false
	}
}

// Lock blocks until the key's lock is available or ctx is done.
func (m *Mutex) Lock(ctx context.Context, key string) (unlock func(), err error) {
	entry := m.acquireEntry(key)
	select {
	case entry.ch <- struct{}{}:
		return func() {
			<-entry.ch
			m.releaseEntry(key, entry)
		}, nil
	case <-ctx.Done():
		m.releaseEntry(key, entry)
		return nil, ctx.Err()
	}
}
