package engine

import (
	"slices"
	"sync"
)

// resourceLocks serializes tasks that declare the same resource (a deploy
// target, a shared directory) while letting unrelated tasks run in parallel.
type resourceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newResourceLocks() *resourceLocks {
	return &resourceLocks{locks: make(map[string]*sync.Mutex)}
}

func (r *resourceLocks) get(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[key]
	if !ok {
		m = &sync.Mutex{}
		r.locks[key] = m
	}
	return m
}

// acquire locks every key in sorted order and returns the matching release
// func. Duplicate keys are locked once.
func (r *resourceLocks) acquire(keys []string) (release func()) {
	if len(keys) == 0 {
		return func() {}
	}

	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, key := range sorted {
		m := r.get(key)
		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
