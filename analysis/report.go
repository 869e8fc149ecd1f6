package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/egorvert/Sae/task"
)

// Artifact naming for the completed analysis.
const (
	ArtifactName        = "contract_analysis"
	ArtifactDescription = "Complete contract clause analysis with risks and recommendations"
)

const explanationPreview = 100

// Markdown renders the human-readable report.
func Markdown(r *Result) string {
	var sb strings.Builder

	sb.WriteString("# Contract Analysis Report\n\n")
	sb.WriteString("## Summary\n")
	sb.WriteString(r.Summary)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "## Overall Risk Level: %s\n\n", strings.ToUpper(string(r.OverallRisk)))

	fmt.Fprintf(&sb, "## Clauses Analyzed (%d)\n", len(r.Clauses))
	for _, c := range r.Clauses {
		fmt.Fprintf(&sb, "- **%s** (%s): %s\n", c.Title, c.Type, c.Location)
	}

	fmt.Fprintf(&sb, "\n## Risk Assessments (%d)\n", len(r.Risks))
	for _, a := range r.Risks {
		fmt.Fprintf(&sb, "- [%s] Clause %s: %s...\n",
			strings.ToUpper(string(a.Level)), a.ClauseID, truncateRunes(a.Explanation, explanationPreview))
	}

	fmt.Fprintf(&sb, "\n## Recommendations (%d)\n", len(r.Recommendations))
	for _, rec := range r.Recommendations {
		fmt.Fprintf(&sb, "- [Priority %d] %s\n", rec.Priority, rec.Action)
	}

	return sb.String()
}

// Artifact packages the result as a task artifact: the markdown report plus
// a data part carrying the structured result.
func Artifact(r *Result) (task.Artifact, error) {
	data, err := toMap(r)
	if err != nil {
		return task.Artifact{}, fmt.Errorf("encode analysis result: %w", err)
	}
	return task.Artifact{
		Name:        ArtifactName,
		Description: ArtifactDescription,
		Parts: []task.Part{
			task.TextPart(Markdown(r)),
			task.DataPart(data),
		},
		Metadata: map[string]any{
			"overall_risk": string(r.OverallRisk),
		},
	}, nil
}

func toMap(r *Result) (map[string]any, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
