// Package feature provides the metered feature actions and their costs.
// All functions are pure.
package feature

// Feature identifies a metered action a client can perform.
type Feature string

const (
	Identify Feature = "identify"
	Diagnose Feature = "diagnose"
	Chat     Feature = "chat"

	// Unknown covers absent or malformed action strings. Unknown actions
	// are status polls: only the rate window and cooldown checks apply.
	Unknown Feature = "unknown"
)

// Parse maps a client-supplied action string to a Feature.
// Anything unrecognized becomes Unknown, never a metered feature.
func Parse(s string) Feature {
	switch s {
	case "identify":
		return Identify
	case "diagnose":
		return Diagnose
	case "chat":
		return Chat
	}
	return Unknown
}

// Metered reports whether f counts against quota.
func (f Feature) Metered() bool {
	return f == Identify || f == Diagnose || f == Chat
}

// Cost returns the simulated marginal cost of one action, in dollars.
// The table is static: vision-model calls cost more than text chat.
func Cost(f Feature) float64 {
	switch f {
	case Identify:
		return 0.02
	case Diagnose:
		return 0.03
	case Chat:
		return 0.01
	}
	return 0
}

// All returns the metered features in a stable order.
func All() []Feature {
	return []Feature{Identify, Diagnose, Chat}
}
