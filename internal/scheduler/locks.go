package scheduler

import (
	"sort"
	"sync"
)

// ResourceLocks gives tasks exclusive use of named resources (a file, a
// port, a build directory). Each key has its own mutex, so tasks touching
// different resources run side by side.
type ResourceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	held  map[string]bool
}

// NewResourceLocks creates an empty lock table.
func NewResourceLocks() *ResourceLocks {
	return &ResourceLocks{
		locks: make(map[string]*sync.Mutex),
		held:  make(map[string]bool),
	}
}

func (r *ResourceLocks) lockFor(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// Acquire blocks until every key is held. Keys are taken in sorted order
// so two tasks with overlapping sets cannot deadlock.
func (r *ResourceLocks) Acquire(keys []string) {
	for _, key := range sortedUnique(keys) {
		r.lockFor(key).Lock()
		r.mu.Lock()
		r.held[key] = true
		r.mu.Unlock()
	}
}

// Release frees every key, in reverse acquisition order.
func (r *ResourceLocks) Release(keys []string) {
	sorted := sortedUnique(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.mu.Lock()
		l, ok := r.locks[sorted[i]]
		wasHeld := r.held[sorted[i]]
		delete(r.held, sorted[i])
		r.mu.Unlock()
		if ok && wasHeld {
			l.Unlock()
		}
	}
}

// Busy reports whether any of the keys is currently held.
func (r *ResourceLocks) Busy(keys []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		if r.held[key] {
			return true
		}
	}
	return false
}

func sortedUnique(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	out := sorted[:1]
	for _, k := range sorted[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
