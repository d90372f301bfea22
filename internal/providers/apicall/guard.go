// Package apicall wraps provider API calls with rate limiting, a circuit
// breaker and call metrics.
package apicall

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/mailsync/internal/metrics"
)

// Config tunes a Guard
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// Guard protects one account's calls to one provider
type Guard struct {
	provider string
	limiter  *rate.Limiter
	cb       *gobreaker.CircuitBreaker
}

// Classifier reports whether an error means the provider is unhealthy.
// Client errors (not found, bad request, auth) should return false.
type Classifier func(err error) bool

// New creates a guard named after the provider and account
func New(provider, name string, cfg Config) *Guard {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond) * 2
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        provider + ":" + name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("provider circuit breaker state changed")
		},
	}

	return &Guard{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cb:       gobreaker.NewCircuitBreaker(settings),
	}
}

// Limiter exposes the rate limiter so batches can share it
func (g *Guard) Limiter() *rate.Limiter {
	return g.limiter
}

// Do runs fn through the breaker. It does not wait on the limiter; batched
// calls are already paced by the batch.
func (g *Guard) Do(op string, trips Classifier, fn func() error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if trips != nil && !trips(err) {
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		err = nce.err
	}

	outcome := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "rejected"
	case err != nil:
		outcome = "error"
	}
	metrics.ProviderCalls.WithLabelValues(g.provider, op, outcome).Inc()
	return err
}

// Wait paces a call that is not part of a batch
func (g *Guard) Wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// State returns the breaker state name
func (g *Guard) State() string {
	return g.cb.State().String()
}

// nonCircuitError carries errors that must not count against the breaker
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func (e *nonCircuitError) Unwrap() error {
	return e.err
}
