// Package quota provides pure functions for tiered quota enforcement.
// All functions are deterministic with no side effects: the caller owns
// persistence of the returned record.
package quota

import (
	"time"

	"github.com/leafwise/leafmeter/domain/feature"
	"github.com/leafwise/leafmeter/domain/tier"
)

// Window durations. The daily window advances exactly one day from the
// moment it expires; monthly spend resets on its own rolling anchor
// rather than piggybacking on the daily timestamp.
const (
	DailyWindow   = 24 * time.Hour
	MonthlyWindow = 30 * 24 * time.Hour
)

// Record is the per-fingerprint usage state (value type).
type Record struct {
	Count         int // total metered actions today
	IdentifyCount int
	DiagnoseCount int
	ChatCount     int

	DailySpend   float64 // accrued simulated cost, dollars
	MonthlySpend float64

	ResetAt        time.Time // daily window rollover
	MonthlyResetAt time.Time // independent monthly spend anchor
	LastActionAt   time.Time // cooldown enforcement

	// Outcome of the last committing evaluation, informational only.
	Blocked     bool
	BlockReason string
}

// Denial reasons for the ordered admission checks.
const (
	ReasonDailyLimit  = "daily_limit_exceeded"
	ReasonDailyCost   = "daily_cost_limit_exceeded"
	ReasonMonthlyCost = "monthly_cost_limit_exceeded"
	ReasonCooldown    = "rate_limit_cooldown"
)

// FeatureLimitReason returns the per-feature denial reason, e.g.
// "identify_limit_exceeded".
func FeatureLimitReason(f feature.Feature) string {
	return string(f) + "_limit_exceeded"
}

// Decision is the outcome of an evaluation (value type).
// Record always reflects state after any window rollover, and after the
// increment when the evaluation was an admitted commit.
type Decision struct {
	Admitted bool
	Reason   string
	Record   Record
}

// NewRecord returns a fresh record with both windows anchored at now.
// Records are created lazily on first request from a fingerprint.
func NewRecord(now time.Time) Record {
	return Record{
		ResetAt:        now.Add(DailyWindow),
		MonthlyResetAt: now.Add(MonthlyWindow),
	}
}

// Rollover resets expired windows. A record observed with now past its
// ResetAt is reset exactly once before any check reads or writes it.
// Windows never roll backward.
func Rollover(rec Record, now time.Time) Record {
	if rec.ResetAt.IsZero() {
		rec.ResetAt = now.Add(DailyWindow)
	} else if now.After(rec.ResetAt) {
		rec.Count = 0
		rec.IdentifyCount = 0
		rec.DiagnoseCount = 0
		rec.ChatCount = 0
		rec.DailySpend = 0
		rec.ResetAt = now.Add(DailyWindow)
	}

	if rec.MonthlyResetAt.IsZero() {
		rec.MonthlyResetAt = now.Add(MonthlyWindow)
	} else if now.After(rec.MonthlyResetAt) {
		rec.MonthlySpend = 0
		rec.MonthlyResetAt = now.Add(MonthlyWindow)
	}

	return rec
}

// FeatureCount returns today's count for f.
func (r Record) FeatureCount(f feature.Feature) int {
	switch f {
	case feature.Identify:
		return r.IdentifyCount
	case feature.Diagnose:
		return r.DiagnoseCount
	case feature.Chat:
		return r.ChatCount
	}
	return 0
}

// Evaluate runs the ordered admission checks for f against rec and, when
// commit is set and the action admitted, applies the usage increment.
// The rate window check happens upstream of this function; everything
// after it is here, in this fixed order: per-feature daily cap, aggregate
// daily cap, daily cost ceiling, monthly cost ceiling, cooldown.
//
// Unknown actions skip the metered checks entirely so status polling
// stays permissive.
//
// This is a PURE function.
func Evaluate(rec Record, lim tier.Limits, f feature.Feature, commit bool, now time.Time) Decision {
	rec = Rollover(rec, now)

	cost := feature.Cost(f)
	reason := ""

	if f.Metered() {
		switch {
		case lim.FeatureLimit(f) > 0 && rec.FeatureCount(f) >= lim.FeatureLimit(f):
			reason = FeatureLimitReason(f)
		case lim.DailyCount > 0 && rec.Count >= lim.DailyCount:
			reason = ReasonDailyLimit
		case lim.DailyCostCeiling > 0 && rec.DailySpend+cost > lim.DailyCostCeiling:
			reason = ReasonDailyCost
		case lim.MonthlyCostCeiling > 0 && rec.MonthlySpend+cost > lim.MonthlyCostCeiling:
			reason = ReasonMonthlyCost
		}
	}

	if reason == "" && lim.Cooldown > 0 && !rec.LastActionAt.IsZero() &&
		now.Sub(rec.LastActionAt) < lim.Cooldown {
		reason = ReasonCooldown
	}

	if reason != "" {
		if commit {
			rec.Blocked = true
			rec.BlockReason = reason
		}
		return Decision{Admitted: false, Reason: reason, Record: rec}
	}

	if commit && f.Metered() {
		rec = apply(rec, f, cost, now)
	}

	return Decision{Admitted: true, Record: rec}
}

// apply performs the atomic usage increment for an admitted commit.
// It maintains the invariant count == identify + diagnose + chat: either
// every field advances or, on the deny path above, none do.
func apply(rec Record, f feature.Feature, cost float64, now time.Time) Record {
	rec.Count++
	switch f {
	case feature.Identify:
		rec.IdentifyCount++
	case feature.Diagnose:
		rec.DiagnoseCount++
	case feature.Chat:
		rec.ChatCount++
	}
	rec.DailySpend += cost
	rec.MonthlySpend += cost
	rec.LastActionAt = now
	rec.Blocked = false
	rec.BlockReason = ""
	return rec
}
