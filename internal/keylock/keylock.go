// Package keylock provides an arena of mutexes keyed by string. Locks are
// created lazily and released once nobody holds or waits on them, so the map
// only ever contains keys that are in use.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Arena hands out one mutex per key.
type Arena struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty arena
func New() *Arena {
	return &Arena{locks: make(map[string]*entry)}
}

// Lock blocks until the mutex for key is held and returns its unlock func.
// Unrelated keys never contend.
func (a *Arena) Lock(key string) (unlock func()) {
	a.mu.Lock()
	e, ok := a.locks[key]
	if !ok {
		e = &entry{}
		a.locks[key] = e
	}
	e.refs++
	a.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			a.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(a.locks, key)
			}
			a.mu.Unlock()
		})
	}
}

// Do runs fn while holding the lock for key.
func (a *Arena) Do(key string, fn func()) {
	unlock := a.Lock(key)
	defer unlock()
	fn()
}

// Len returns the number of keys currently held or awaited.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
