// Package ratelimit provides the pure 1-minute request window check.
// All functions are deterministic - same input always produces same output.
package ratelimit

import "time"

// WindowState represents the current state of a rate window (value type).
// It is independent of the usage record: the window enforces requests per
// minute irrespective of daily quota.
type WindowState struct {
	Count   int       // Requests in current window
	ResetAt time.Time // When current window ends
}

// CheckResult represents the outcome of a rate window check (value type).
type CheckResult struct {
	Allowed   bool
	Remaining int       // Requests remaining in window
	ResetAt   time.Time // When the window resets
	Reason    string    // If not allowed, why
}

// Config holds rate window configuration (value type).
type Config struct {
	Limit  int           // Requests per window
	Window time.Duration // Window duration
}

// ReasonLimitExceeded is the single denial reason for this check.
// It short-circuits the entire quota evaluation: the window is abuse
// protection, not quota.
const ReasonLimitExceeded = "rate_limit_exceeded"

// Check performs a rate window check.
// This is a PURE function - no side effects, deterministic.
// The window anchors at the first request and every evaluation, including
// check-only calls, consumes a slot.
func Check(state WindowState, cfg Config, now time.Time) (CheckResult, WindowState) {
	if now.After(state.ResetAt) || state.ResetAt.IsZero() {
		state = WindowState{Count: 0, ResetAt: now.Add(cfg.Window)}
	}

	if cfg.Limit <= 0 || state.Count < cfg.Limit {
		state.Count++
		remaining := cfg.Limit - state.Count
		if cfg.Limit <= 0 || remaining < 0 {
			remaining = 0
		}
		return CheckResult{
			Allowed:   true,
			Remaining: remaining,
			ResetAt:   state.ResetAt,
		}, state
	}

	return CheckResult{
		Allowed:   false,
		Remaining: 0,
		ResetAt:   state.ResetAt,
		Reason:    ReasonLimitExceeded,
	}, state
}

// RetryAfter returns how long to wait before retrying.
// This is a PURE function.
func RetryAfter(result CheckResult, now time.Time) time.Duration {
	if result.Allowed {
		return 0
	}
	delay := result.ResetAt.Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}
