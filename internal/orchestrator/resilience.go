package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/agentpool/internal/config"
)

// errTaskFailed marks a finished but unsuccessful execution so the agent's
// breaker counts it.
var errTaskFailed = errors.New("task failed")

// BreakerRegistry manages per-agent circuit breakers. An agent whose
// breaker opens is suspended until the breaker lets a probe through.
type BreakerRegistry struct {
	cfg    config.BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(cfg config.BreakerConfig, logger *slog.Logger) *BreakerRegistry {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = config.Duration(30 * time.Second)
	}
	return &BreakerRegistry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for the agent, creating it on first use.
func (r *BreakerRegistry) Get(agentID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentID]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: 1, // One probe task in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout.D(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("agent circuit breaker changed state", "agent_id", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about the agent's health
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled)
		},
	})

	r.breakers[agentID] = cb
	return cb
}

// Open reports whether the agent's breaker is currently rejecting work.
func (r *BreakerRegistry) Open(agentID string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[agentID]
	r.mu.Unlock()
	return ok && cb.State() == gobreaker.StateOpen
}

// Forget drops an agent's breaker, e.g. after a reset.
func (r *BreakerRegistry) Forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, agentID)
}

// newBackOff builds the exponential policy for ExecuteWithRecovery: the
// n-th retry waits InitialInterval * Multiplier^(n-1), capped at MaxInterval.
func newBackOff(ctx context.Context, cfg config.RetryConfig, maxRetries int) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval.D()
	policy.Multiplier = cfg.Multiplier
	policy.MaxInterval = cfg.MaxInterval.D()
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx)
}
