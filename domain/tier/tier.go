// Package tier provides service tier value types and pure functions.
package tier

import (
	"time"

	"github.com/leafwise/leafmeter/domain/feature"
)

// Tier is the service level governing quota generosity.
type Tier string

const (
	Free       Tier = "free"
	Premium    Tier = "premium"
	Enterprise Tier = "enterprise"
)

// Parse maps a declared tier string to a Tier.
// Unrecognized values default to Free, never to a more permissive tier.
func Parse(s string) Tier {
	switch s {
	case "premium":
		return Premium
	case "enterprise":
		return Enterprise
	}
	return Free
}

// Limits is the static per-tier quota configuration (immutable value type).
// A zero ceiling or count disables that particular check.
type Limits struct {
	DailyCount         int
	MonthlyCount       int
	DailyCostCeiling   float64 // dollars
	MonthlyCostCeiling float64 // dollars
	RequestsPerMinute  int
	Cooldown           time.Duration
	FeatureLimits      map[feature.Feature]int // daily cap per feature
}

// FeatureLimit returns the daily cap for f, or 0 if uncapped.
func (l Limits) FeatureLimit(f feature.Feature) int {
	return l.FeatureLimits[f]
}

// Defaults returns the built-in limits for the three required tiers.
// Config may override these; the set of tiers is fixed.
func Defaults() map[Tier]Limits {
	return map[Tier]Limits{
		Free: {
			DailyCount:         10,
			MonthlyCount:       200,
			DailyCostCeiling:   0.50,
			MonthlyCostCeiling: 5.00,
			RequestsPerMinute:  3,
			Cooldown:           10 * time.Second,
			FeatureLimits: map[feature.Feature]int{
				feature.Identify: 5,
				feature.Diagnose: 3,
				feature.Chat:     10,
			},
		},
		Premium: {
			DailyCount:         50,
			MonthlyCount:       1000,
			DailyCostCeiling:   5.00,
			MonthlyCostCeiling: 50.00,
			RequestsPerMinute:  20,
			Cooldown:           3 * time.Second,
			FeatureLimits: map[feature.Feature]int{
				feature.Identify: 30,
				feature.Diagnose: 20,
				feature.Chat:     50,
			},
		},
		Enterprise: {
			DailyCount:         100,
			MonthlyCount:       3000,
			DailyCostCeiling:   20.00,
			MonthlyCostCeiling: 200.00,
			RequestsPerMinute:  60,
			Cooldown:           time.Second,
			FeatureLimits: map[feature.Feature]int{
				feature.Identify: 100,
				feature.Diagnose: 100,
				feature.Chat:     100,
			},
		},
	}
}

// UpgradeAvailable reports whether a higher tier exists for t.
func UpgradeAvailable(t Tier) bool {
	return t != Enterprise
}
