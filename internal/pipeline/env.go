package pipeline

import (
	"sort"
	"sync"
)

// Environment is an immutable set of key/value pairs visible to tasks.
// The zero value is an empty environment.
type Environment struct {
	vars map[string]string
}

// NewEnvironment copies vars into a new Environment.
func NewEnvironment(vars map[string]string) Environment {
	cp := make(map[string]string, len(vars))
	for k, v := range vars {
		cp[k] = v
	}
	return Environment{vars: cp}
}

// Get returns the value for key and whether it was set.
func (e Environment) Get(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Len returns the number of variables.
func (e Environment) Len() int {
	return len(e.vars)
}

// Overlay returns a new Environment with overrides applied on top of e.
// e itself is left unchanged.
func (e Environment) Overlay(overrides map[string]string) Environment {
	if len(overrides) == 0 {
		return e
	}
	merged := make(map[string]string, len(e.vars)+len(overrides))
	for k, v := range e.vars {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return Environment{vars: merged}
}

// Map returns a copy of the variables.
func (e Environment) Map() map[string]string {
	cp := make(map[string]string, len(e.vars))
	for k, v := range e.vars {
		cp[k] = v
	}
	return cp
}

// Environ returns the variables as sorted KEY=VALUE pairs, the form os/exec expects.
func (e Environment) Environ() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.vars[k])
	}
	return out
}

// Scope is a stage-level environment overlay. It is acquired before the
// stage's tasks run and released when the stage ends; after Release the
// overlay is no longer visible through Env.
type Scope struct {
	mu       sync.Mutex
	base     Environment
	env      Environment
	released bool
}

// Acquire creates a scope layering overrides over base.
func Acquire(base Environment, overrides map[string]string) *Scope {
	return &Scope{base: base, env: base.Overlay(overrides)}
}

// Env returns the scoped environment, or the base environment once released.
func (s *Scope) Env() Environment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return s.base
	}
	return s.env
}

// Release discards the overlay. Safe to call multiple times.
func (s *Scope) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.env = Environment{}
}

// Released reports whether Release has been called.
func (s *Scope) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
