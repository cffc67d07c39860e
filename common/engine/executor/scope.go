package executor

import (
	"fmt"
	"sync"
)

// Scope is the variable mapping of one execution path. Traversal follows a
// single-writer-per-path discipline, but parallel branches and monitors may
// read concurrently, so access is guarded.
type Scope struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewScope creates a scope seeded with the given variables.
func NewScope(initial map[string]any) *Scope {
	vars := make(map[string]any, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	return &Scope{vars: vars}
}

// Get returns a variable and whether it exists.
func (s *Scope) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[key]
	return v, ok
}

// GetString returns a variable's string form, or "".
func (s *Scope) GetString(key string) string {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", v)
}

// Set stores a variable.
func (s *Scope) Set(key string, value any) {
	s.mu.Lock()
	s.vars[key] = value
	s.mu.Unlock()
}

// Delete removes a variable.
func (s *Scope) Delete(key string) {
	s.mu.Lock()
	delete(s.vars, key)
	s.mu.Unlock()
}

// Merge copies every entry of m into the scope.
func (s *Scope) Merge(m map[string]any) {
	s.mu.Lock()
	for k, v := range m {
		s.vars[k] = v
	}
	s.mu.Unlock()
}

// Snapshot returns a shallow copy of the variables.
func (s *Scope) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// Clone returns an isolated scope with the same entries. Parallel
// multi-instance iterations each get one.
func (s *Scope) Clone() *Scope {
	return NewScope(s.Snapshot())
}

// Append appends a value to a list variable, creating it when absent.
func (s *Scope) Append(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch list := s.vars[key].(type) {
	case []any:
		s.vars[key] = append(list, value)
	case nil:
		s.vars[key] = []any{value}
	default:
		s.vars[key] = []any{list, value}
	}
}
