// Package analysis runs the contract review pipeline: clause extraction,
// risk assessment and recommendations, each backed by an LLM stage.
package analysis

import "strings"

// ClauseType categorizes an extracted clause.
type ClauseType string

// Clause types recognized by the extraction stage.
const (
	ClauseIndemnification      ClauseType = "indemnification"
	ClauseLiability            ClauseType = "liability"
	ClauseTermination          ClauseType = "termination"
	ClauseConfidentiality      ClauseType = "confidentiality"
	ClauseIntellectualProperty ClauseType = "intellectual_property"
	ClausePayment              ClauseType = "payment"
	ClauseWarranty             ClauseType = "warranty"
	ClauseForceMajeure         ClauseType = "force_majeure"
	ClauseDisputeResolution    ClauseType = "dispute_resolution"
	ClauseGoverningLaw         ClauseType = "governing_law"
	ClauseAssignment           ClauseType = "assignment"
	ClauseAmendment            ClauseType = "amendment"
	ClauseNotice               ClauseType = "notice"
	ClauseEntireAgreement      ClauseType = "entire_agreement"
	ClauseSeverability         ClauseType = "severability"
	ClauseOther                ClauseType = "other"
)

// ClauseTypes lists every clause type in prompt order.
var ClauseTypes = []ClauseType{
	ClauseIndemnification,
	ClauseLiability,
	ClauseTermination,
	ClauseConfidentiality,
	ClauseIntellectualProperty,
	ClausePayment,
	ClauseWarranty,
	ClauseForceMajeure,
	ClauseDisputeResolution,
	ClauseGoverningLaw,
	ClauseAssignment,
	ClauseAmendment,
	ClauseNotice,
	ClauseEntireAgreement,
	ClauseSeverability,
	ClauseOther,
}

// ParseClauseType normalizes s, mapping anything unknown to ClauseOther.
func ParseClauseType(s string) ClauseType {
	ct := ClauseType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ClauseTypes {
		if ct == known {
			return ct
		}
	}
	return ClauseOther
}

// RiskLevel grades a clause. Levels are ordered low < medium < high < critical.
type RiskLevel string

// Risk levels.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// ParseRiskLevel normalizes s. ok is false when s is not a known level, in
// which case RiskLow is returned.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	l := RiskLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := riskRank[l]; ok {
		return l, true
	}
	return RiskLow, false
}

// Rank returns the ordinal of the level; unknown levels rank as low.
func (l RiskLevel) Rank() int {
	return riskRank[l]
}

// MaxRisk returns the highest of the given levels, or RiskLow when empty.
func MaxRisk(levels ...RiskLevel) RiskLevel {
	best := RiskLow
	for _, l := range levels {
		if l.Rank() > best.Rank() {
			best = l
		}
	}
	return best
}

// Clause is one provision pulled out of the contract text.
type Clause struct {
	ID       string     `json:"id"`
	Type     ClauseType `json:"type"`
	Title    string     `json:"title"`
	Text     string     `json:"text"`
	Location string     `json:"location"`
}

// RiskAssessment grades a single clause.
type RiskAssessment struct {
	ClauseID      string    `json:"clause_id"`
	Level         RiskLevel `json:"risk_level"`
	Confidence    float64   `json:"confidence"`
	Issues        []string  `json:"issues"`
	Explanation   string    `json:"explanation"`
	AffectedParty string    `json:"affected_party"`
}

// Recommendation proposes a change to a clause. Priority 1 is most urgent.
type Recommendation struct {
	ClauseID      string    `json:"clause_id"`
	Priority      int       `json:"priority"`
	Action        string    `json:"action"`
	Rationale     string    `json:"rationale"`
	SuggestedText string    `json:"suggested_text,omitempty"`
	RiskReduction RiskLevel `json:"risk_reduction,omitempty"`
}

// Result is the complete output of one pipeline run.
type Result struct {
	ContractID      string           `json:"contract_id"`
	Summary         string           `json:"summary"`
	Clauses         []Clause         `json:"clauses"`
	Risks           []RiskAssessment `json:"risks"`
	Recommendations []Recommendation `json:"recommendations"`
	OverallRisk     RiskLevel        `json:"overall_risk"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
}

// CountByLevel returns how many assessments carry the given level.
func (r *Result) CountByLevel(level RiskLevel) int {
	n := 0
	for _, a := range r.Risks {
		if a.Level == level {
			n++
		}
	}
	return n
}
