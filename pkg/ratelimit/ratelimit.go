// Package ratelimit implements the per-operation sliding-window call
// limiter used by the governance layer. It is a pure counting gate: a
// rejected call is denied, never queued or delayed.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when a call exceeds its operation's window.
var ErrRateLimited = errors.New("ratelimit: rate limit exceeded")

// Limit bounds calls per operation: at most MaxCalls within Window.
type Limit struct {
	MaxCalls int           `json:"max_calls" yaml:"max_calls"`
	Window   time.Duration `json:"window" yaml:"window"`
}

// Store abstracts where the sliding windows live, so a multi-instance
// deployment can share windows through Redis while single-instance
// deployments stay in memory.
type Store interface {
	// Allow records the call at now and reports whether it fits within
	// the limit. Timestamps older than the window are evicted lazily.
	Allow(ctx context.Context, operation string, limit Limit, now time.Time) (bool, error)
}

// Check runs the limit against the store and converts a denial into
// ErrRateLimited. A nil store denies (fail closed).
func Check(ctx context.Context, store Store, operation string, limit Limit) error {
	if store == nil {
		return fmt.Errorf("ratelimit: no store configured for %s", operation)
	}
	allowed, err := store.Allow(ctx, operation, limit, time.Now())
	if err != nil {
		return fmt.Errorf("ratelimit: check failed for %s: %w", operation, err)
	}
	if !allowed {
		return fmt.Errorf("%w for %s (%d per %s)", ErrRateLimited, operation, limit.MaxCalls, limit.Window)
	}
	return nil
}

// MemoryStore keeps sliding windows in process. Suitable for
// single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

// Allow implements Store.
func (s *MemoryStore) Allow(ctx context.Context, operation string, limit Limit, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-limit.Window)
	window := s.windows[operation]

	// Lazy eviction: timestamps are appended in order, so the surviving
	// suffix starts at the first timestamp after the cutoff.
	start := 0
	for start < len(window) && !window[start].After(cutoff) {
		start++
	}
	window = window[start:]

	if len(window) >= limit.MaxCalls {
		s.windows[operation] = window
		return false, nil
	}

	s.windows[operation] = append(window, now)
	return true, nil
}
