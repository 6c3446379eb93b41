// Package ratelimit provides two distinct rate-limiting primitives: a
// token-bucket RateLimiter (for the agent scheduler's LLM-call pacing) and a
// hand-rolled SlidingWindow (for the resource manager's renewable resources,
// whose exact semantics a token bucket cannot express).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a token-bucket RateLimiter.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	Window            time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		Window:            time.Second,
	}
}

// RateLimiter wraps x/time/rate.Limiter with both a per-second and a
// derived per-minute limiter, used by the agent scheduler to pace LLM calls
// independently of the kernel's own per-cycle resource budget.
type RateLimiter struct {
	limiter   *rate.Limiter
	perMinute *rate.Limiter
	mu        sync.RWMutex
	config    RateLimitConfig
}

// New creates a RateLimiter from cfg.
func New(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}

	return &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		perMinute: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond*60), cfg.Burst*2),
		config:    cfg,
	}
}

func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

func (r *RateLimiter) AllowN(now time.Time, n int) bool {
	return r.limiter.AllowN(now, n)
}

// Wait blocks until a token is available or ctx is done, used by the
// scheduler before dispatching an LLM call.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

func (r *RateLimiter) LimitExceeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.limiter.Allow()
}

func (r *RateLimiter) PerMinuteLimitExceeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.perMinute.Allow()
}

func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
	r.perMinute = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond*60), r.config.Burst*2)
}

// consumption records one trailing-window debit at a point in time.
type consumption struct {
	at     time.Time
	amount float64
}

// SlidingWindow implements the resource manager's renewable-resource
// semantics exactly as the kernel spec requires: a resource that replenishes
// by making room in a trailing window rather than accruing at a fixed rate.
// A can_consume/consume check is "has the sum of consumptions in the
// trailing `window` stayed at or below `limit`", pruning expired entries on every
// read. A token bucket approximates this but cannot express it exactly
// (a bucket's accrual is continuous and forgets the individual debits that
// made it up), so this part is necessarily hand-rolled.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  float64
	log    []consumption
}

// NewSlidingWindow creates a SlidingWindow allowing at most limit units of
// consumption in any trailing window-length interval.
func NewSlidingWindow(window time.Duration, limit float64) *SlidingWindow {
	return &SlidingWindow{window: window, limit: limit}
}

// prune drops entries older than window relative to now. Caller must hold mu.
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.log) && w.log[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.log = w.log[i:]
	}
}

// sum returns the total consumption currently in the window. Caller must
// hold mu and have already pruned.
func (w *SlidingWindow) sum() float64 {
	total := 0.0
	for _, c := range w.log {
		total += c.amount
	}
	return total
}

// CanConsume reports whether amount more units would fit within limit given
// consumption already recorded in the trailing window, as of now.
func (w *SlidingWindow) CanConsume(now time.Time, amount float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return w.sum()+amount <= w.limit
}

// Consume records amount as consumed at now if it fits within limit,
// reporting whether it was recorded.
func (w *SlidingWindow) Consume(now time.Time, amount float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	if w.sum()+amount > w.limit {
		return false
	}
	w.log = append(w.log, consumption{at: now, amount: amount})
	return true
}

// Refund removes up to amount units of the most recently recorded
// consumption, oldest-first cancellation not being meaningful here since a
// refund always corresponds to undoing the caller's own most recent debit.
func (w *SlidingWindow) Refund(amount float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	remaining := amount
	for i := len(w.log) - 1; i >= 0 && remaining > 0; i-- {
		if w.log[i].amount <= remaining {
			remaining -= w.log[i].amount
			w.log = append(w.log[:i], w.log[i+1:]...)
		} else {
			w.log[i].amount -= remaining
			remaining = 0
		}
	}
}

// Balance returns limit minus the sum of consumption currently in the
// trailing window as of now.
func (w *SlidingWindow) Balance(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return w.limit - w.sum()
}
