package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
)

const (
	tripThreshold   = 5
	recoveryTimeout = 60 * time.Second
)

// Breaker wraps a circuit breaker around calls to an unreliable
// dependency. Five consecutive failures open the circuit; after 60s a
// single probe is allowed through, and one success closes it again.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a named breaker. State changes are logged and
// exported as a gauge.
func NewBreaker(name string) *Breaker {
	logger := log.WithComponent("breaker")
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= tripThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(name).Set(stateGauge(to))
		},
	}
	metrics.BreakerState.WithLabelValues(name).Set(stateGauge(gobreaker.StateClosed))
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. When the circuit is open the
// call is rejected immediately with a circuit open error.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	res, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errdefs.New(errdefs.KindExternal, errdefs.CodeCircuitOpen,
				fmt.Sprintf("%s circuit breaker is open", b.cb.Name()))
		}
		return nil, err
	}
	return res, nil
}

// Do runs a no-result call through the breaker
func (b *Breaker) Do(fn func() error) error {
	_, err := b.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the current breaker state
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Retry runs fn up to attempts times with exponential backoff starting
// at base and capped at max. The context aborts the wait between
// attempts.
func Retry(ctx context.Context, attempts int, base, max time.Duration, fn func() error) error {
	var err error
	delay := base
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt < attempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > max {
				delay = max
			}
		}
	}
	return err
}
