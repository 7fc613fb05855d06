// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"sync"
	"time"
)

// Checker reports whether one subsystem is healthy.
type Checker func(ctx context.Context) error

// Status is the aggregated result for one subsystem.
type Status struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Registry holds named checkers.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
}

// NewRegistry creates a registry; each check runs under the given timeout.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		timeout:  timeout,
	}
}

// Register adds a named checker, replacing any previous one.
func (r *Registry) Register(name string, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = c
}

// Check runs all checkers and reports per-subsystem status plus an overall
// verdict.
func (r *Registry) Check(ctx context.Context) (map[string]Status, bool) {
	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for name, c := range r.checkers {
		checkers[name] = c
	}
	r.mu.RUnlock()

	results := make(map[string]Status, len(checkers))
	ok := true
	for name, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := c(cctx)
		cancel()
		if err != nil {
			results[name] = Status{Healthy: false, Error: err.Error()}
			ok = false
		} else {
			results[name] = Status{Healthy: true}
		}
	}
	return results, ok
}
