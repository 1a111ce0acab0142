// Package registry provides the set of live relay connections. Members are
// kept in insertion order and every access goes through one lock, so a
// broadcast iterates a copy while sessions join and leave.
package registry

import (
	"errors"
	"sync"
)

// ErrAlreadyRegistered is returned by Add for a value that is already a member.
var ErrAlreadyRegistered = errors.New("registry: already registered")

// Registry is an ordered, concurrency-safe set of unique values of comparable
// type T. It is safe for concurrent use by multiple goroutines.
type Registry[T comparable] struct {
	mu      sync.RWMutex
	members []T
	index   map[T]int
}

// New creates and returns a new empty Registry.
func New[T comparable]() *Registry[T] {
	return &Registry[T]{index: make(map[T]int)}
}

// Add appends value to the registry. Adding a value that is already present
// leaves the registry unchanged and reports ErrAlreadyRegistered.
//
// Parameters:
//   - value: The member to add
//
// Returns:
//   - ErrAlreadyRegistered if value is already a member, nil otherwise
func (r *Registry[T]) Add(value T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[value]; ok {
		return ErrAlreadyRegistered
	}

	r.index[value] = len(r.members)
	r.members = append(r.members, value)
	return nil
}

// Remove removes value from the registry, preserving the order of the
// remaining members.
//
// Parameters:
//   - value: The member to remove
//
// Returns:
//   - true if value was a member, false if the call was a no-op
func (r *Registry[T]) Remove(value T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[value]
	if !ok {
		return false
	}

	delete(r.index, value)
	copy(r.members[i:], r.members[i+1:])

	var zero T
	r.members[len(r.members)-1] = zero
	r.members = r.members[:len(r.members)-1]

	for j := i; j < len(r.members); j++ {
		r.index[r.members[j]] = j
	}

	return true
}

// Snapshot returns a copy of the current members in insertion order. The
// returned slice is owned by the caller and is not affected by later
// mutations.
func (r *Registry[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, len(r.members))
	copy(out, r.members)
	return out
}

// Contains reports whether value is a member.
func (r *Registry[T]) Contains(value T) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[value]
	return ok
}

// Size returns the number of members.
func (r *Registry[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Range calls f for each member of a snapshot, in insertion order. Iteration
// stops if f returns false. f may add or remove members; those changes are
// not reflected in the ongoing iteration.
//
// Parameters:
//   - f: Function called for each member; return false to stop iteration
func (r *Registry[T]) Range(f func(value T) bool) {
	for _, v := range r.Snapshot() {
		if !f(v) {
			return
		}
	}
}
