package sync

import (
	gosync "sync"
	"time"
)

// View is the in-memory list of one collection that the application
// renders. Incremental sweeps replace it with a fresh read of local storage.
type View[T any] struct {
	mu      gosync.RWMutex
	items   []T
	updated time.Time
}

// NewView returns an empty view.
func NewView[T any]() *View[T] {
	return &View[T]{}
}

// Replace swaps in a new list.
func (v *View[T]) Replace(items []T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items = append([]T(nil), items...)
	v.updated = time.Now()
}

// Items returns a copy of the current list.
func (v *View[T]) Items() []T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]T(nil), v.items...)
}

// Len returns the number of items.
func (v *View[T]) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.items)
}

// Updated returns when the view was last replaced.
func (v *View[T]) Updated() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.updated
}
