package model

import "testing"

func TestCapabilityForStage(t *testing.T) {
	tests := []struct {
		stage string
		want  Capability
	}{
		{"extract_clauses", CapabilityExtraction},
		{"assess_risks", CapabilityAnalysis},
		{"recommend", CapabilityDrafting},
		{"unknown", CapabilityAnalysis},
	}

	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			if got := CapabilityForStage(tt.stage); got != tt.want {
				t.Errorf("CapabilityForStage(%q) = %q, want %q", tt.stage, got, tt.want)
			}
		})
	}
}

func TestParseCapability(t *testing.T) {
	tests := []struct {
		input string
		want  Capability
	}{
		{"extraction", CapabilityExtraction},
		{"analysis", CapabilityAnalysis},
		{"drafting", CapabilityDrafting},
		{"fast", CapabilityFast},
		{"coding", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseCapability(tt.input); got != tt.want {
				t.Errorf("ParseCapability(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
