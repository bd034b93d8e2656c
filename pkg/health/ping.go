package health

import (
	"context"
	"time"
)

// PingChecker probes a dependency through its client's ping function.
// The task store and the coordination store are both checked this way.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker creates a ping-based health checker
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

// Check performs the ping
func (p *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if err := p.ping(ctx); err != nil {
		return Result{
			Healthy:   false,
			Message:   err.Error(),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{
		Healthy:   true,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Name returns the dependency name
func (p *PingChecker) Name() string {
	return p.name
}
