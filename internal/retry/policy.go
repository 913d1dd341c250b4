package retry

import (
	"math"
	"math/rand"
	"time"
)

// PolicyConfig parametrizes the per-task retry policy.
type PolicyConfig struct {
	MaxAttempts     int           // default 3
	InitialDelay    time.Duration // default 1s
	MaxDelay        time.Duration // default 30s
	ExponentialBase float64       // default 2.0
	Jitter          bool          // default true
}

// DefaultPolicyConfig returns the documented defaults.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Policy evaluates retryability and backoff for a task's attempts.
type Policy struct {
	cfg PolicyConfig
	// rand is overridable in tests for deterministic jitter.
	rand func() float64
}

// NewPolicy builds a Policy, filling unset numeric fields with
// defaults. Jitter is used as given: a zero-value PolicyConfig has no
// jitter, unlike DefaultPolicyConfig.
func NewPolicy(cfg PolicyConfig) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 1 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.ExponentialBase <= 0 {
		cfg.ExponentialBase = 2.0
	}
	return &Policy{cfg: cfg, rand: rand.Float64}
}

// MaxAttempts returns the configured attempt ceiling.
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }

// DelayFor computes the backoff before attempt attemptIndex+1, using
// the formula:
//
//	delay = min(max_delay, initial_delay * base^attempt_index) * (jitter ? U[0.5,1.5] : 1)
func (p *Policy) DelayFor(attemptIndex int) time.Duration {
	multiplier := math.Pow(p.cfg.ExponentialBase, float64(attemptIndex))
	delay := time.Duration(float64(p.cfg.InitialDelay) * multiplier)
	if delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}
	if !p.cfg.Jitter {
		return delay
	}
	factor := 0.5 + p.rand()
	return time.Duration(float64(delay) * factor)
}

// LowerBound returns DelayFor's minimum possible value (jitter floor),
// used by property tests that can only assert a lower bound.
func (p *Policy) LowerBound(attemptIndex int) time.Duration {
	multiplier := math.Pow(p.cfg.ExponentialBase, float64(attemptIndex))
	delay := time.Duration(float64(p.cfg.InitialDelay) * multiplier)
	if delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}
	if !p.cfg.Jitter {
		return delay
	}
	return time.Duration(float64(delay) * 0.5)
}

// ShouldRetry decides whether attemptIndex (0-based, the attempt that
// just failed) should be retried.
func (p *Policy) ShouldRetry(attemptIndex int, err error) bool {
	if attemptIndex+1 >= p.cfg.MaxAttempts {
		return false
	}
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	return IsTransient(err)
}
