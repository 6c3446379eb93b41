// Package resilience provides the fault-tolerance primitives the agent
// supervisor (C7) uses to decide when a loop has gone "dumb" versus "smart"
// dead: a circuit breaker backed by github.com/sony/gobreaker/v2, and
// exponential backoff backed by github.com/cenkalti/backoff/v4.
//
// This package is a thin adapter that keeps one stable API surface while
// delegating the actual state machines to battle-tested OSS, the same
// pattern the teacher codebase used to replace a hand-rolled circuit
// breaker with gobreaker.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/agentkernel/ecology/pkg/logger"
)

// State mirrors gobreaker.State under kernel-local names.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a CircuitBreaker.
type Config struct {
	MaxFailures   int           // consecutive failures before opening
	Timeout       time.Duration // time in open state before half-open
	HalfOpenMax   int           // max requests allowed in half-open
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker behind an Execute(ctx, fn)
// signature so callers don't depend on the gobreaker generic type.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// New creates a CircuitBreaker backed by sony/gobreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	maxFailures := uint32(cfg.MaxFailures)
	halfOpenMax := uint32(cfg.HalfOpenMax)

	settings := gobreaker.Settings{
		MaxRequests: halfOpenMax,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}

	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	return State(cb.gb.State())
}

// Execute runs fn with circuit breaker protection. ctx is accepted for
// call-site symmetry with the rest of the kernel; enforce deadlines on fn
// itself if needed.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		return mapGobreakerError(err)
	}
	return nil
}

func mapGobreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, mapped to backoff.RandomizationFactor
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retry executes fn with exponential backoff via cenkalti/backoff.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter > 0 {
		bo.RandomizationFactor = cfg.Jitter
	} else {
		bo.RandomizationFactor = 0
	}
	bo.MaxElapsedTime = 0 // we bound retries by count, not elapsed time

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withMax := backoff.WithMaxRetries(bo, maxRetries)
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(func() error {
		return fn()
	}, withCtx)
}

// NextBackoff computes initial * multiplier^attempt capped at max, the
// restart delay shape spec'd for the agent supervisor (§4.7).
func NextBackoff(initial, max time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(initial)
	for i := 0; i < attempt; i++ {
		d *= multiplier
		if time.Duration(d) >= max {
			return max
		}
	}
	result := time.Duration(d)
	if result > max {
		return max
	}
	return result
}

// AgentCBConfig provides a circuit breaker configuration for a single agent
// loop, logging state transitions through the kernel's shared logger.
type AgentCBConfig struct {
	MaxFailures    int
	TimeoutSeconds int
	HalfOpenMax    int
	Logger         *logger.Logger
	AgentID        string
}

// DefaultAgentCBConfig returns defaults suitable for most agent loops.
func DefaultAgentCBConfig(log *logger.Logger, agentID string) Config {
	return AgentCBConfig{
		MaxFailures:    5,
		TimeoutSeconds: 30,
		HalfOpenMax:    3,
		Logger:         log,
		AgentID:        agentID,
	}.Build()
}

// Build converts an AgentCBConfig into a Config, wiring OnStateChange to the
// kernel logger when one is provided.
func (cfg AgentCBConfig) Build() Config {
	cb := Config{
		MaxFailures: cfg.MaxFailures,
		Timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
		HalfOpenMax: cfg.HalfOpenMax,
	}
	if cb.MaxFailures <= 0 {
		cb.MaxFailures = 5
	}
	if cb.Timeout <= 0 {
		cb.Timeout = 30 * time.Second
	}
	if cb.HalfOpenMax <= 0 {
		cb.HalfOpenMax = 3
	}
	if cfg.Logger != nil {
		cb.OnStateChange = func(from, to State) {
			cfg.Logger.WithFields(map[string]interface{}{
				"agent_id":   cfg.AgentID,
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Warn("agent loop circuit breaker state changed")
		}
	}
	return cb
}
