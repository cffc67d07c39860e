package tools

import (
	"context"
	"sync"
)

// StaticInvoker answers tool calls from a fixed result map. Used when no
// tool backend is configured, and by tests.
type StaticInvoker struct {
	mu      sync.Mutex
	results map[string]any
	calls   []string
}

// NewStaticInvoker creates an invoker with canned per-tool results.
func NewStaticInvoker(results map[string]any) *StaticInvoker {
	if results == nil {
		results = make(map[string]any)
	}
	return &StaticInvoker{results: results}
}

// Invoke implements Invoker.
func (s *StaticInvoker) Invoke(ctx context.Context, toolName string, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, toolName)
	if r, ok := s.results[toolName]; ok {
		if err, isErr := r.(error); isErr {
			return nil, err
		}
		return r, nil
	}
	return map[string]any{"status": "simulated", "tool": toolName}, nil
}

// Calls returns the tool names invoked so far, in order.
func (s *StaticInvoker) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}
