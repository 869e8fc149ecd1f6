package analysis

import (
	"fmt"
	"strings"
)

// ExtractionSystemPrompt returns the system prompt for the clause extraction stage.
func ExtractionSystemPrompt() string {
	return `You are a legal document analyst specializing in contract clause extraction.

Your task is to analyze the provided contract text and extract all significant clauses.

For each clause, identify:
1. The clause type (from the provided categories)
2. A clear title/heading
3. The exact text of the clause
4. Its location in the document (section number if available)

Clause types:
- indemnification: Clauses about compensation for losses
- liability: Limitation of liability, liability caps
- termination: How and when the contract can be ended
- confidentiality: NDA provisions, confidential information handling
- intellectual_property: IP ownership, licensing, work for hire
- payment: Payment terms, pricing, invoicing
- warranty: Warranties and guarantees
- force_majeure: Unforeseeable circumstances provisions
- dispute_resolution: How disputes are handled (arbitration, litigation)
- governing_law: Which jurisdiction's laws apply
- assignment: Whether the contract can be transferred
- amendment: How changes to the contract are made
- notice: How official notices must be delivered
- entire_agreement: Integration clauses
- severability: What happens if part of contract is invalid
- other: Any other significant provisions

## Output Format

Respond with ONLY a JSON array of clauses:

` + "```json" + `
[
  {
    "type": "clause_type",
    "title": "Clause Title",
    "text": "Full clause text...",
    "location": "Section X.Y"
  }
]
` + "```" + `

Extract ALL significant clauses. Be thorough but accurate.`
}

// ExtractionUserPrompt wraps the contract text for the extraction stage.
func ExtractionUserPrompt(contractText string) string {
	return "Please extract all clauses from the following contract:\n\n" + contractText
}

// RiskSystemPrompt returns the system prompt for the risk assessment stage.
func RiskSystemPrompt() string {
	return `You are a legal risk analyst specializing in contract review.

Your task is to analyze contract clauses and identify potential legal risks.

For each clause, assess:
1. Risk level: low, medium, high, or critical
2. Confidence in your assessment (0.0 to 1.0)
3. Specific issues identified
4. Detailed explanation of the risk
5. Which party is most affected (client, vendor, both)

## Risk Level Guidelines

- **low**: Standard language, minimal concern
- **medium**: Some deviation from standard, worth noting
- **high**: Significant risk, should be addressed before signing
- **critical**: Major red flag, requires immediate attention

Look for issues such as:
- Unlimited liability exposure
- One-sided indemnification
- Weak confidentiality protections
- Unfavorable termination terms
- Missing standard protections
- Ambiguous language
- Unusual or aggressive terms
- IP rights concerns
- Payment risk
- Compliance gaps

## Output Format

Respond with ONLY a JSON array, one entry per clause:

` + "```json" + `
[
  {
    "clause_id": "id of the clause",
    "risk_level": "low|medium|high|critical",
    "confidence": 0.85,
    "issues": ["Issue 1", "Issue 2"],
    "explanation": "Detailed explanation...",
    "affected_party": "client|vendor|both"
  }
]
` + "```" + `

Be thorough but practical. Focus on real business and legal risks.`
}

// RiskUserPrompt lists the extracted clauses for the risk stage.
func RiskUserPrompt(clauses []Clause) string {
	var sb strings.Builder
	sb.WriteString("Please analyze the following contract clauses for risks:\n\n")
	for i, c := range clauses {
		if i > 0 {
			sb.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&sb, "CLAUSE ID: %s\nTYPE: %s\nTITLE: %s\nLOCATION: %s\nTEXT:\n%s",
			c.ID, c.Type, c.Title, c.Location, c.Text)
	}
	return sb.String()
}

// RecommendationSystemPrompt returns the system prompt for the recommendation stage.
func RecommendationSystemPrompt() string {
	return `You are a legal advisor specializing in contract negotiation.

Your task is to generate actionable recommendations for improving contract clauses based on identified risks.

For each recommendation:
1. Priority (1-5, where 1 is highest priority)
2. Clear action to take
3. Rationale for the change
4. Suggested replacement text (when applicable)
5. Expected risk reduction

## Priority Guidelines

- **1**: Critical, must address before signing
- **2**: High, should strongly consider addressing
- **3**: Medium, recommended improvement
- **4**: Low, nice to have
- **5**: Minor, cosmetic or preference

Focus on balancing risks between parties, adding missing protections, clarifying
ambiguous language, limiting liability exposure and improving termination flexibility.

## Output Format

Respond with ONLY a JSON array:

` + "```json" + `
[
  {
    "clause_id": "id of the clause",
    "priority": 1,
    "action": "What to do",
    "rationale": "Why this matters",
    "suggested_text": "Proposed language (or null)",
    "risk_reduction": "low|medium|high|critical or null"
  }
]
` + "```" + `

Be practical and business-focused. Recommendations should be actionable.`
}

// RecommendationUserPrompt pairs each risk with the clause it grades.
func RecommendationUserPrompt(risks []RiskAssessment, clauses []Clause) string {
	byID := make(map[string]Clause, len(clauses))
	for _, c := range clauses {
		byID[c.ID] = c
	}

	var sb strings.Builder
	sb.WriteString("Please generate recommendations for the following clause risks:\n\n")
	for i, r := range risks {
		if i > 0 {
			sb.WriteString("\n\n---\n\n")
		}
		title, text := "Unknown clause", "Clause text not available"
		if c, ok := byID[r.ClauseID]; ok {
			title, text = c.Title, c.Text
		}
		fmt.Fprintf(&sb, "CLAUSE ID: %s\nCLAUSE TITLE: %s\nCLAUSE TEXT: %s\nRISK LEVEL: %s\nISSUES: %s\nEXPLANATION: %s",
			r.ClauseID, title, text, r.Level, strings.Join(r.Issues, ", "), r.Explanation)
	}
	return sb.String()
}

// formatCorrectionPrompt asks the model to resend its answer as a bare JSON array.
func formatCorrectionPrompt(err error) string {
	return fmt.Sprintf(
		"Your response could not be parsed as a JSON array. Error: %s\n\n"+
			"Please respond with ONLY the JSON array described in the instructions, "+
			"with no surrounding prose.", err)
}
