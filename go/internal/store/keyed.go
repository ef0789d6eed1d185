// Package store provides the in-memory keyed state used by the game core.
//
// A Store serializes every read-modify-write on a single key behind that
// key's own lock, so concurrent transforms on one key never lose an update
// while writers on different keys never wait on each other. Lock order is
// always entry -> map; the map lock is only held for lookups and deletes.
package store

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Modify when the key is absent.
var ErrNotFound = errors.New("store: key not found")

type entryState uint8

const (
	// statePending is a freshly created entry whose creator has not yet
	// written it. Readers treat it as absent.
	statePending entryState = iota
	stateLive
	stateRemoved
)

type entry[V any] struct {
	mu    sync.Mutex
	state entryState
	value V
}

// Store is a concurrent map from K to V with atomic per-key updates.
//
// Values go in and come out through the clone function given to New, so a
// caller never holds a reference into the stored value, including a value
// it returned from a transform. Transform callbacks
// run while the key is locked: they must not block and must not call back
// into the same key.
type Store[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*entry[V]
	clone   func(V) V
}

// New creates an empty store. clone may be nil when V has no shared
// references (plain structs, scalars).
func New[K comparable, V any](clone func(V) V) *Store[K, V] {
	return &Store[K, V]{
		entries: make(map[K]*entry[V]),
		clone:   clone,
	}
}

func (s *Store[K, V]) copy(v V) V {
	if s.clone == nil {
		return v
	}
	return s.clone(v)
}

func (s *Store[K, V]) lookup(key K) *entry[V] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

func (s *Store[K, V]) lookupOrCreate(key K) *entry[V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry[V]{state: statePending}
		s.entries[key] = e
	}
	return e
}

// Get returns a copy of the value stored under key.
func (s *Store[K, V]) Get(key K) (V, bool) {
	var zero V
	e := s.lookup(key)
	if e == nil {
		return zero, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateLive {
		return zero, false
	}
	return s.copy(e.value), true
}

// Has reports whether key is present.
func (s *Store[K, V]) Has(key K) bool {
	_, ok := s.Get(key)
	return ok
}

// InsertIfAbsent stores value under key unless key is already present.
// It never overwrites; the return value reports whether the insert happened.
func (s *Store[K, V]) InsertIfAbsent(key K, value V) bool {
	for {
		e := s.lookupOrCreate(key)
		e.mu.Lock()
		switch e.state {
		case stateRemoved:
			e.mu.Unlock()
			continue
		case stateLive:
			e.mu.Unlock()
			return false
		}
		e.value = s.copy(value)
		e.state = stateLive
		e.mu.Unlock()
		return true
	}
}

// Update replaces the value under key with fn(current). It returns false,
// without calling fn, when key is absent.
func (s *Store[K, V]) Update(key K, fn func(V) V) bool {
	_, err := s.Modify(key, func(v V) (V, error) {
		return fn(v), nil
	})
	return err == nil
}

// Modify is Update with an abort path: when fn returns an error nothing is
// written and the error is returned as is. ErrNotFound is returned when key
// is absent. On success the committed value is returned.
func (s *Store[K, V]) Modify(key K, fn func(V) (V, error)) (V, error) {
	var zero V
	for {
		e := s.lookup(key)
		if e == nil {
			return zero, ErrNotFound
		}
		e.mu.Lock()
		switch e.state {
		case stateRemoved:
			// removed between lookup and lock; a new entry may exist now
			e.mu.Unlock()
			continue
		case statePending:
			e.mu.Unlock()
			return zero, ErrNotFound
		}
		next, err := fn(s.copy(e.value))
		if err != nil {
			e.mu.Unlock()
			return zero, err
		}
		e.value = s.copy(next)
		e.mu.Unlock()
		return next, nil
	}
}

// Upsert stores fn(current, exists) under key whether or not key was
// present, and returns the committed value.
func (s *Store[K, V]) Upsert(key K, fn func(current V, exists bool) V) V {
	out, _ := s.Compute(key, func(cur V, exists bool) (V, bool) {
		return fn(cur, exists), true
	})
	return out
}

// Compute stores fn(current, exists) under key, or removes key when fn
// reports keep == false. It returns the committed value and whether the key
// is present afterwards.
func (s *Store[K, V]) Compute(key K, fn func(current V, exists bool) (next V, keep bool)) (V, bool) {
	var zero V
	for {
		e := s.lookupOrCreate(key)
		e.mu.Lock()
		if e.state == stateRemoved {
			e.mu.Unlock()
			continue
		}
		var cur V
		exists := e.state == stateLive
		if exists {
			cur = s.copy(e.value)
		}
		next, keep := fn(cur, exists)
		if !keep {
			s.mu.Lock()
			if s.entries[key] == e {
				delete(s.entries, key)
			}
			s.mu.Unlock()
			e.value = zero
			e.state = stateRemoved
			e.mu.Unlock()
			return zero, false
		}
		e.value = s.copy(next)
		e.state = stateLive
		e.mu.Unlock()
		return next, true
	}
}

// Remove deletes key and reports whether it was present.
func (s *Store[K, V]) Remove(key K) bool {
	return s.RemoveFunc(key, nil)
}

// Take deletes key and returns the value it held.
func (s *Store[K, V]) Take(key K) (V, bool) {
	var taken V
	ok := s.RemoveFunc(key, func(v V) { taken = v })
	return taken, ok
}

// RemoveFunc deletes key and, when fn is non-nil, calls it with the removed
// value before the key is unlocked. Side effects in fn are therefore ordered
// with every other write on the key.
func (s *Store[K, V]) RemoveFunc(key K, fn func(V)) bool {
	for {
		e := s.lookup(key)
		if e == nil {
			return false
		}
		removed, retry := s.removeEntry(key, e, func(v V) bool {
			if fn != nil {
				fn(v)
			}
			return true
		})
		if retry {
			continue
		}
		return removed
	}
}

// removeEntry deletes e if it is live and keep(value) is true. retry is set
// when e was already removed and the caller should look the key up again.
func (s *Store[K, V]) removeEntry(key K, e *entry[V], match func(V) bool) (removed, retry bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateRemoved:
		return false, true
	case statePending:
		return false, false
	}
	if !match(s.copy(e.value)) {
		return false, false
	}
	s.mu.Lock()
	if s.entries[key] == e {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	var zero V
	e.value = zero
	e.state = stateRemoved
	return true, false
}

// DeleteMatching removes every entry for which pred returns true and returns
// how many were removed. Each entry is checked and removed under its own lock.
func (s *Store[K, V]) DeleteMatching(pred func(K, V) bool) int {
	n := 0
	for key, e := range s.snapshot() {
		removed, _ := s.removeEntry(key, e, func(v V) bool { return pred(key, v) })
		if removed {
			n++
		}
	}
	return n
}

// AllMatching returns copies of every value for which pred returns true.
// It is a snapshot read: each value is read whole under its key's lock, but
// different keys may be read at different moments.
func (s *Store[K, V]) AllMatching(pred func(V) bool) []V {
	var out []V
	s.Range(func(_ K, v V) bool {
		if pred == nil || pred(v) {
			out = append(out, v)
		}
		return true
	})
	return out
}

// Range calls fn with a copy of each live entry until fn returns false.
// fn runs without any store lock held.
func (s *Store[K, V]) Range(fn func(K, V) bool) {
	for key, e := range s.snapshot() {
		e.mu.Lock()
		live := e.state == stateLive
		var v V
		if live {
			v = s.copy(e.value)
		}
		e.mu.Unlock()
		if live && !fn(key, v) {
			return
		}
	}
}

// Keys returns the keys currently present.
func (s *Store[K, V]) Keys() []K {
	var keys []K
	s.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Len returns the number of live entries.
func (s *Store[K, V]) Len() int {
	n := 0
	s.Range(func(K, V) bool {
		n++
		return true
	})
	return n
}

func (s *Store[K, V]) snapshot() map[K]*entry[V] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[K]*entry[V], len(s.entries))
	for k, e := range s.entries {
		out[k] = e
	}
	return out
}
