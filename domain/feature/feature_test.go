package feature_test

import (
	"testing"

	"github.com/leafwise/leafmeter/domain/feature"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want feature.Feature
	}{
		{"identify", feature.Identify},
		{"diagnose", feature.Diagnose},
		{"chat", feature.Chat},
		{"", feature.Unknown},
		{"identify ", feature.Unknown},
		{"delete-everything", feature.Unknown},
	}

	for _, tt := range tests {
		if got := feature.Parse(tt.in); got != tt.want {
			t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMetered(t *testing.T) {
	for _, f := range feature.All() {
		if !f.Metered() {
			t.Errorf("%s should be metered", f)
		}
	}
	if feature.Unknown.Metered() {
		t.Error("unknown must not be metered")
	}
}

func TestCost_MeteredFeaturesCostSomething(t *testing.T) {
	for _, f := range feature.All() {
		if feature.Cost(f) <= 0 {
			t.Errorf("%s has zero cost", f)
		}
	}
	if feature.Cost(feature.Unknown) != 0 {
		t.Error("unknown actions must be free")
	}
}
