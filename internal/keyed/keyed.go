// Package keyed gives every key (campaign ID) its own serialization domain.
// The outer lock is only held long enough to find or create a key's entry,
// so work on one campaign never waits for work on another.
package keyed

import (
	"sort"
	"sync"
)

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Locker hands out one mutex per key. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns the matching unlock func.
func (l *Locker) Lock(key string) func() {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len reports how many keys are currently locked or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

type slot[V any] struct {
	mu sync.Mutex
	v  V
}

// Map holds one value per key, each guarded by its own mutex.
type Map[V any] struct {
	mu    sync.RWMutex
	slots map[string]*slot[V]
	init  func() V
}

// NewMap creates a Map; init builds the zero state for a new key.
func NewMap[V any](init func() V) *Map[V] {
	return &Map[V]{
		slots: make(map[string]*slot[V]),
		init:  init,
	}
}

func (m *Map[V]) slotFor(key string, create bool) *slot[V] {
	m.mu.RLock()
	s, ok := m.slots[key]
	m.mu.RUnlock()
	if ok || !create {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.slots[key]; ok {
		return s
	}
	s = &slot[V]{v: m.init()}
	m.slots[key] = s
	return s
}

// Update runs fn with exclusive access to key's value, creating it if needed.
func (m *Map[V]) Update(key string, fn func(v *V)) {
	s := m.slotFor(key, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.v)
}

// View runs fn with exclusive access to key's value if it exists.
// It reports whether the key was present.
func (m *Map[V]) View(key string, fn func(v *V)) bool {
	s := m.slotFor(key, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.v)
	return true
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, key)
}

// Keys returns all keys in sorted order.
func (m *Map[V]) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.slots))
	for k := range m.slots {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Range calls fn for every key, locking each key in turn.
func (m *Map[V]) Range(fn func(key string, v *V)) {
	for _, k := range m.Keys() {
		m.View(k, func(v *V) { fn(k, v) })
	}
}
