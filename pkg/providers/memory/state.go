package memory

import (
	"sort"
	"sync"
)

// StateStore is a thread-safe in-memory store of one kind of simulated
// object.
type StateStore[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewStateStore creates an empty StateStore.
func NewStateStore[T any]() *StateStore[T] {
	return &StateStore[T]{items: make(map[string]T)}
}

// Get returns the item stored under id.
func (s *StateStore[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	return v, ok
}

// Put stores item under id, replacing any previous value.
func (s *StateStore[T]) Put(id string, item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = item
}

// Delete removes id and reports whether it existed.
func (s *StateStore[T]) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[id]
	delete(s.items, id)
	return ok
}

// Filter returns the items matching fn ordered by id.
func (s *StateStore[T]) Filter(fn func(T) bool) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []T
	for _, id := range ids {
		if v := s.items[id]; fn == nil || fn(v) {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the number of stored items.
func (s *StateStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Update applies fn to the stored item. It returns false if id is absent.
func (s *StateStore[T]) Update(id string, fn func(*T)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[id]
	if !ok {
		return false
	}
	fn(&v)
	s.items[id] = v
	return true
}
