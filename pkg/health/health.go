package health

import (
	"context"
	"sync"
	"time"
)

// Result represents the outcome of a dependency check
type Result struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Checker is the interface implemented by every dependency probe
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Name identifies the dependency being checked
	Name() string
}

// defaultTimeout bounds a single check so one stuck dependency cannot
// hold the whole probe
const defaultTimeout = 5 * time.Second

// Registry holds the dependency checkers behind the health endpoints
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
}

// NewRegistry creates an empty registry with the default per-check timeout
func NewRegistry() *Registry {
	return &Registry{timeout: defaultTimeout}
}

// Add registers a checker
func (r *Registry) Add(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, c)
}

// Run executes every registered checker concurrently and returns the
// results keyed by dependency name
func (r *Registry) Run(ctx context.Context) map[string]Result {
	r.mu.RLock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	results := make(map[string]Result, len(checkers))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			result := c.Check(checkCtx)
			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}

// Healthy reports whether every result in the set passed
func Healthy(results map[string]Result) bool {
	for _, r := range results {
		if !r.Healthy {
			return false
		}
	}
	return true
}
