// Package model provides capability-based model selection for the review
// pipeline. Pipeline stages ask for a capability (extraction, analysis,
// drafting) and the registry resolves it to configured endpoints with
// fallback chains and per-endpoint health.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityExtraction is for locating and classifying clauses in
	// contract text. Needs long context and reliable JSON output.
	CapabilityExtraction Capability = "extraction"

	// CapabilityAnalysis is for legal risk assessment of extracted clauses.
	CapabilityAnalysis Capability = "analysis"

	// CapabilityDrafting is for recommendations and suggested clause text.
	CapabilityDrafting Capability = "drafting"

	// CapabilityFast is for quick responses, simple tasks.
	CapabilityFast Capability = "fast"
)

// StageCapabilities maps pipeline stages to their default capability.
var StageCapabilities = map[string]Capability{
	"extract_clauses": CapabilityExtraction,
	"assess_risks":    CapabilityAnalysis,
	"recommend":       CapabilityDrafting,
}

// CapabilityForStage returns the default capability for a pipeline stage.
// Unknown stages get CapabilityAnalysis.
func CapabilityForStage(stage string) Capability {
	if c, ok := StageCapabilities[stage]; ok {
		return c
	}
	return CapabilityAnalysis
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityExtraction, CapabilityAnalysis, CapabilityDrafting, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}
