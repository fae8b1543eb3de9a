package session

import (
	"math/rand"
	"time"
)

// NextBackoffDelay returns the reconnect delay for a 0-based attempt:
// min(MaxDelay, BaseDelay * 2^min(attempt, MaxExponent)), spread by
// ±JitterFraction when rng is non-nil.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	exp := attempt
	if cfg.MaxExponent >= 0 && exp > cfg.MaxExponent {
		exp = cfg.MaxExponent
	}
	// keep the shift inside int64
	if exp > 40 {
		exp = 40
	}
	delay := cfg.BaseDelay * time.Duration(int64(1)<<uint(exp))
	if cfg.MaxDelay > 0 && (delay > cfg.MaxDelay || delay <= 0) {
		delay = cfg.MaxDelay
	}
	if rng != nil && cfg.JitterFraction > 0 {
		f := 1 + cfg.JitterFraction*(2*rng.Float64()-1)
		delay = time.Duration(float64(delay) * f)
	}
	return delay
}

// ClampAttempt bounds a tracked attempt counter to MaxAttempts.
func ClampAttempt(cfg BackoffConfig, attempt int) int {
	if attempt < 0 {
		return 0
	}
	if cfg.MaxAttempts > 0 && attempt > cfg.MaxAttempts {
		return cfg.MaxAttempts
	}
	return attempt
}
