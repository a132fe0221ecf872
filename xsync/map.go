package xsync

import (
	"sync"
)

type syncMap[K comparable, V any] struct {
	m sync.Map
}

func (s *syncMap[K, V]) Load(key K) (V, bool) {
	val, ok := s.m.Load(key)
	if !ok {
		var zeroVal V
		return zeroVal, false
	}

	return val.(V), true
}

func (s *syncMap[K, V]) Range(f func(key K, value V) bool) {
	s.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

func (s *syncMap[K, V]) Store(key K, value V) {
	s.m.Store(key, value)
}

func (s *syncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := s.m.LoadOrStore(key, value)
	return v.(V), loaded
}

func (s *syncMap[K, V]) LoadAndDelete(key K) (V, bool) {
	v, loaded := s.m.LoadAndDelete(key)
	if !loaded {
		var zeroVal V
		return zeroVal, false
	}

	return v.(V), true
}

func (s *syncMap[K, V]) CompareAndDelete(key K, old V) bool {
	return s.m.CompareAndDelete(key, old)
}

func (s *syncMap[K, V]) Delete(key K) {
	s.m.Delete(key)
}

// Map is a typed view of sync.Map.
//
// CompareAndDelete panics when V is not a comparable type, as sync.Map does.
type Map[K comparable, V any] interface {
	Load(key K) (V, bool)
	Range(f func(key K, value V) bool)
	Store(key K, value V)
	LoadOrStore(key K, value V) (actual V, loaded bool)
	LoadAndDelete(key K) (V, bool)
	// CompareAndDelete removes key only while it still maps to old.
	CompareAndDelete(key K, old V) bool
	Delete(key K)
}

func NewMap[K comparable, V any]() Map[K, V] {
	return &syncMap[K, V]{}
}

// lockMap is a syncMap whose single key writes can be fenced off by
// WithWriteLock.
//
// Writes take the read side of writeRWM, so they still race each other the
// way sync.Map writes do; they only wait while a WithWriteLock callback runs.
type lockMap[K comparable, V any] struct {
	writeRWM sync.RWMutex
	m        syncMap[K, V]
}

func (s *lockMap[K, V]) Load(key K) (V, bool) {
	return s.m.Load(key)
}

func (s *lockMap[K, V]) Range(f func(key K, value V) bool) {
	s.m.Range(f)
}

func (s *lockMap[K, V]) Store(key K, value V) {
	s.writeRWM.RLock()
	defer s.writeRWM.RUnlock()

	s.m.Store(key, value)
}

func (s *lockMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	s.writeRWM.RLock()
	defer s.writeRWM.RUnlock()

	return s.m.LoadOrStore(key, value)
}

func (s *lockMap[K, V]) LoadAndDelete(key K) (V, bool) {
	s.writeRWM.RLock()
	defer s.writeRWM.RUnlock()

	return s.m.LoadAndDelete(key)
}

func (s *lockMap[K, V]) CompareAndDelete(key K, old V) bool {
	s.writeRWM.RLock()
	defer s.writeRWM.RUnlock()

	return s.m.CompareAndDelete(key, old)
}

func (s *lockMap[K, V]) Delete(key K) {
	s.writeRWM.RLock()
	defer s.writeRWM.RUnlock()

	s.m.Delete(key)
}

// WithWriteLock runs f while no other write on the map can proceed.
//
// f must use the Map it is given, not the LockableMap, or it deadlocks.
func (s *lockMap[K, V]) WithWriteLock(f func(Map[K, V])) {
	s.writeRWM.Lock()
	defer s.writeRWM.Unlock()

	f(&s.m)
}

// LockableMap is a Map that can also run a multi step update exclusively,
// for example draining every value exactly once during shutdown while
// concurrent LoadOrStore calls are held back.
type LockableMap[K comparable, V any] interface {
	Map[K, V]
	WithWriteLock(f func(Map[K, V]))
}

func NewLockableMap[K comparable, V any]() LockableMap[K, V] {
	return &lockMap[K, V]{}
}
