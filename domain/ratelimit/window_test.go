package ratelimit_test

import (
	"testing"
	"time"

	"github.com/leafwise/leafmeter/domain/ratelimit"
)

var (
	baseTime = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	cfg      = ratelimit.Config{Limit: 3, Window: time.Minute}
)

func TestCheck_AllowsWithinLimit(t *testing.T) {
	state := ratelimit.WindowState{Count: 1, ResetAt: baseTime.Add(30 * time.Second)}

	result, newState := ratelimit.Check(state, cfg, baseTime)

	if !result.Allowed {
		t.Error("expected request to be allowed")
	}
	if result.Remaining != 1 {
		t.Errorf("remaining = %d, want 1", result.Remaining)
	}
	if newState.Count != 2 {
		t.Errorf("count = %d, want 2", newState.Count)
	}
}

func TestCheck_DeniesOverLimit(t *testing.T) {
	state := ratelimit.WindowState{Count: 3, ResetAt: baseTime.Add(30 * time.Second)}

	result, newState := ratelimit.Check(state, cfg, baseTime)

	if result.Allowed {
		t.Error("expected request to be denied")
	}
	if result.Reason != ratelimit.ReasonLimitExceeded {
		t.Errorf("reason = %q, want %q", result.Reason, ratelimit.ReasonLimitExceeded)
	}
	if newState.Count != 3 {
		t.Errorf("count = %d, want 3 (unchanged)", newState.Count)
	}
}

func TestCheck_FourthRequestWithinOneSecondDenied(t *testing.T) {
	state := ratelimit.WindowState{}
	now := baseTime

	for i := 0; i < 3; i++ {
		now = now.Add(250 * time.Millisecond)
		result, next := ratelimit.Check(state, cfg, now)
		if !result.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
		state = next
	}

	now = now.Add(250 * time.Millisecond)
	result, _ := ratelimit.Check(state, cfg, now)

	if result.Allowed {
		t.Error("4th request within the window should be denied at limit 3")
	}
}

func TestCheck_ResetsExpiredWindow(t *testing.T) {
	state := ratelimit.WindowState{Count: 50, ResetAt: baseTime.Add(-time.Hour)}

	result, newState := ratelimit.Check(state, cfg, baseTime)

	if !result.Allowed {
		t.Error("expected request to be allowed after window reset")
	}
	if newState.Count != 1 {
		t.Errorf("count = %d, want 1 (reset)", newState.Count)
	}
	if !newState.ResetAt.Equal(baseTime.Add(time.Minute)) {
		t.Errorf("resetAt = %v, want %v", newState.ResetAt, baseTime.Add(time.Minute))
	}
}

func TestCheck_HandlesZeroState(t *testing.T) {
	result, newState := ratelimit.Check(ratelimit.WindowState{}, cfg, baseTime)

	if !result.Allowed {
		t.Error("expected first request to be allowed")
	}
	if newState.Count != 1 {
		t.Errorf("count = %d, want 1", newState.Count)
	}
}

func TestCheck_ZeroLimitDisablesCheck(t *testing.T) {
	state := ratelimit.WindowState{Count: 1000, ResetAt: baseTime.Add(30 * time.Second)}

	result, _ := ratelimit.Check(state, ratelimit.Config{Limit: 0, Window: time.Minute}, baseTime)

	if !result.Allowed {
		t.Error("zero limit should disable the rate window")
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name string
		res  ratelimit.CheckResult
		want time.Duration
	}{
		{
			name: "allowed returns zero",
			res:  ratelimit.CheckResult{Allowed: true, ResetAt: baseTime.Add(time.Minute)},
			want: 0,
		},
		{
			name: "denied returns time to reset",
			res:  ratelimit.CheckResult{Allowed: false, ResetAt: baseTime.Add(20 * time.Second)},
			want: 20 * time.Second,
		},
		{
			name: "past reset returns zero",
			res:  ratelimit.CheckResult{Allowed: false, ResetAt: baseTime.Add(-time.Second)},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ratelimit.RetryAfter(tt.res, baseTime); got != tt.want {
				t.Errorf("RetryAfter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func BenchmarkCheck(b *testing.B) {
	state := ratelimit.WindowState{Count: 1, ResetAt: baseTime.Add(30 * time.Second)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ratelimit.Check(state, cfg, baseTime)
	}
}
