package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/egorvert/Sae/llm"
	"github.com/egorvert/Sae/llm/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleContract = `MASTER SERVICES AGREEMENT

4. Payment. Client shall pay all invoices within 90 days.

9. Liability. Vendor's liability is unlimited.`

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("c%d", n)
	}
}

func newTestPipeline(mock *testutil.MockLLMClient) *Pipeline {
	return NewPipeline(mock,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithIDGenerator(sequentialIDs()))
}

// stageHandler answers each capability with the given content.
func stageHandler(byCapability map[string]string) func(llm.Request) (*llm.Response, error) {
	return func(req llm.Request) (*llm.Response, error) {
		content, ok := byCapability[req.Capability]
		if !ok {
			return nil, fmt.Errorf("unexpected capability %q", req.Capability)
		}
		return &llm.Response{Content: content, Model: "test-model"}, nil
	}
}

func TestPipelineRun(t *testing.T) {
	mock := &testutil.MockLLMClient{Handler: stageHandler(map[string]string{
		"extraction": "```json\n" + `[
			{"type": "payment", "title": "Payment", "text": "Client shall pay within 90 days.", "location": "Section 4"},
			{"type": "liability", "title": "Liability", "text": "Vendor's liability is unlimited.", "location": "Section 9"}
		]` + "\n```",
		"analysis": `[
			{"clause_id": "c1", "risk_level": "medium", "confidence": 0.7, "issues": ["long terms"], "explanation": "90 days is long.", "affected_party": "vendor"},
			{"clause_id": "c2", "risk_level": "critical", "confidence": 0.95, "issues": ["unlimited"], "explanation": "Unlimited exposure.", "affected_party": "vendor"}
		]`,
		"drafting": `[
			{"clause_id": "c1", "priority": 3, "action": "Shorten payment terms", "rationale": "Cash flow"},
			{"clause_id": "c2", "priority": 1, "action": "Cap liability", "rationale": "Exposure", "suggested_text": "Liability is capped at fees paid.", "risk_reduction": "high"}
		]`,
	})}

	result, err := newTestPipeline(mock).Run(context.Background(), "task-1", sampleContract, map[string]any{"source": "test"})
	require.NoError(t, err)

	assert.Equal(t, "task-1", result.ContractID)
	assert.Equal(t, "test", result.Metadata["source"])
	require.Len(t, result.Clauses, 2)
	assert.Equal(t, ClausePayment, result.Clauses[0].Type)
	assert.Equal(t, "c2", result.Clauses[1].ID)

	require.Len(t, result.Risks, 2)
	assert.Equal(t, RiskCritical, result.OverallRisk)

	require.Len(t, result.Recommendations, 2)
	assert.Equal(t, 1, result.Recommendations[0].Priority, "sorted by priority")
	assert.Equal(t, "Cap liability", result.Recommendations[0].Action)
	assert.Equal(t, RiskHigh, result.Recommendations[0].RiskReduction)
	assert.Equal(t, "Liability is capped at fees paid.", result.Recommendations[0].SuggestedText)

	assert.Equal(t,
		"Analyzed contract with 2 clauses. Found 2 potential issues. "+
			"1 critical risks require immediate attention. "+
			"Generated 2 recommendations for improvement.",
		result.Summary)

	reqs := mock.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "extraction", reqs[0].Capability)
	assert.Equal(t, "analysis", reqs[1].Capability)
	assert.Equal(t, "drafting", reqs[2].Capability)
	assert.Contains(t, reqs[0].Messages[1].Content, "Vendor's liability is unlimited.")
	assert.Contains(t, reqs[1].Messages[1].Content, "CLAUSE ID: c2")
	assert.Contains(t, reqs[2].Messages[1].Content, "CLAUSE TITLE: Liability")
	require.NotNil(t, reqs[2].Temperature)
	assert.InDelta(t, 0.1, *reqs[2].Temperature, 1e-9)
}

func TestPipelineRunEmptyText(t *testing.T) {
	mock := &testutil.MockLLMClient{}
	_, err := newTestPipeline(mock).Run(context.Background(), "t", "   \n", nil)
	require.Error(t, err)
	assert.Equal(t, 0, mock.GetCallCount())
}

func TestPipelineNoClausesShortCircuits(t *testing.T) {
	mock := &testutil.MockLLMClient{Handler: stageHandler(map[string]string{
		"extraction": "[]",
	})}

	result, err := newTestPipeline(mock).Run(context.Background(), "t", sampleContract, nil)
	require.NoError(t, err)

	assert.Empty(t, result.Clauses)
	assert.Empty(t, result.Risks)
	assert.Empty(t, result.Recommendations)
	assert.Equal(t, RiskLow, result.OverallRisk)
	assert.Equal(t, 1, mock.GetCallCount())
	assert.Equal(t, "Analyzed contract with 0 clauses. Found 0 potential issues. Generated 0 recommendations for improvement.", result.Summary)
}

func TestExtractClausesDefaults(t *testing.T) {
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{{
		Content: `{"clauses": [{"type": "Non-Compete", "text": "No competing."}, {"type": " TERMINATION ", "title": "Term"}]}`,
	}}}

	clauses, err := newTestPipeline(mock).ExtractClauses(context.Background(), sampleContract)
	require.NoError(t, err)
	require.Len(t, clauses, 2)

	assert.Equal(t, ClauseOther, clauses[0].Type)
	assert.Equal(t, "Clause 1", clauses[0].Title)
	assert.Equal(t, "Section 1", clauses[0].Location)
	assert.Equal(t, ClauseTermination, clauses[1].Type)
	assert.Equal(t, "Section 2", clauses[1].Location)
}

func TestDefaultClauseIDsAreShort(t *testing.T) {
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{{Content: `[{"type": "notice"}, {"type": "notice"}]`}}}
	p := NewPipeline(mock, WithLogger(slog.New(slog.DiscardHandler)))

	clauses, err := p.ExtractClauses(context.Background(), sampleContract)
	require.NoError(t, err)
	require.Len(t, clauses, 2)
	assert.Len(t, clauses[0].ID, 8)
	assert.NotEqual(t, clauses[0].ID, clauses[1].ID)
}

func TestAssessRisksNormalizes(t *testing.T) {
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{{Content: `[
		{"clause_id": "c1", "risk_level": "severe", "confidence": 1.7},
		{"risk_level": "HIGH", "confidence": -2, "issues": ["x"]},
		{"clause_id": "c3", "risk_level": "medium"}
	]`}}}

	risks, err := newTestPipeline(mock).AssessRisks(context.Background(), []Clause{{ID: "c1"}})
	require.NoError(t, err)
	require.Len(t, risks, 3)

	assert.Equal(t, RiskLow, risks[0].Level, "unknown level becomes low")
	assert.Equal(t, 1.0, risks[0].Confidence)
	assert.Equal(t, "both", risks[0].AffectedParty)
	assert.NotNil(t, risks[0].Issues)

	assert.Equal(t, RiskHigh, risks[1].Level)
	assert.Equal(t, 0.0, risks[1].Confidence)
	assert.Equal(t, "unknown", risks[1].ClauseID)

	assert.Equal(t, 0.5, risks[2].Confidence, "missing confidence defaults")
}

func TestRecommendNormalizes(t *testing.T) {
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{{Content: `[
		{"clause_id": "c1", "priority": 9, "action": "Tighten notice", "suggested_text": null, "risk_reduction": null},
		{"clause_id": "c2", "priority": 0},
		{"clause_id": "c3", "risk_reduction": "enormous"}
	]`}}}

	recs, err := newTestPipeline(mock).Recommend(context.Background(),
		[]RiskAssessment{{ClauseID: "c1", Level: RiskHigh}}, nil)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "c2", recs[0].ClauseID, "priority 0 clamps to 1")
	assert.Equal(t, 1, recs[0].Priority)
	assert.Equal(t, "Review this clause", recs[0].Action)

	assert.Equal(t, "c3", recs[1].ClauseID)
	assert.Equal(t, 3, recs[1].Priority, "missing priority defaults")
	assert.Empty(t, recs[1].RiskReduction)

	assert.Equal(t, "c1", recs[2].ClauseID)
	assert.Equal(t, 5, recs[2].Priority)
	assert.Equal(t, "Tighten notice", recs[2].Action)
	assert.Empty(t, recs[2].SuggestedText)
}

func TestRecommendNoRisksSkipsModel(t *testing.T) {
	mock := &testutil.MockLLMClient{}
	recs, err := newTestPipeline(mock).Recommend(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 0, mock.GetCallCount())
}

func TestFormatRetryRecovers(t *testing.T) {
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{
		{Content: "I found a payment clause and a liability clause."},
		{Content: `[{"type": "payment", "title": "Payment"}]`},
	}}

	clauses, err := newTestPipeline(mock).ExtractClauses(context.Background(), sampleContract)
	require.NoError(t, err)
	require.Len(t, clauses, 1)

	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	retry := reqs[1].Messages
	require.Len(t, retry, 4)
	assert.Equal(t, "assistant", retry[2].Role)
	assert.Equal(t, "user", retry[3].Role)
	assert.Contains(t, retry[3].Content, "could not be parsed")
}

func TestFormatRetryExhausted(t *testing.T) {
	mock := &testutil.MockLLMClient{Handler: func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "no json here"}, nil
	}}

	p := NewPipeline(mock, WithLogger(slog.New(slog.DiscardHandler)), WithFormatRetries(2))
	_, err := p.Run(context.Background(), "t", sampleContract, nil)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), StageExtract))
	assert.True(t, llm.IsMalformedOutput(err))
	assert.Equal(t, 2, mock.GetCallCount())
}

func TestFormatRetryReportsTruncation(t *testing.T) {
	mock := &testutil.MockLLMClient{Handler: func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: `[{"type": "payment", "title": "Pay`, FinishReason: "length"}, nil
	}}

	p := NewPipeline(mock, WithLogger(slog.New(slog.DiscardHandler)), WithFormatRetries(1), WithMaxTokens(512))
	_, err := p.ExtractClauses(context.Background(), sampleContract)
	require.Error(t, err)
	assert.True(t, llm.IsMalformedOutput(err))
	assert.Contains(t, err.Error(), "cut off at 512 tokens")
}

func TestStagesRequestJSON(t *testing.T) {
	mock := &testutil.MockLLMClient{Handler: stageHandler(map[string]string{
		"extraction": `{"clauses": [{"type": "payment", "title": "Payment"}]}`,
		"analysis":   `{"risks": [{"clause_id": "c1", "risk_level": "high"}]}`,
		"drafting":   `{"recommendations": [{"clause_id": "c1", "priority": 1, "action": "Shorten"}]}`,
	})}

	result, err := newTestPipeline(mock).Run(context.Background(), "t", sampleContract, nil)
	require.NoError(t, err)
	assert.Len(t, result.Clauses, 1)
	assert.Len(t, result.Risks, 1)
	assert.Len(t, result.Recommendations, 1)

	for _, req := range mock.Requests() {
		assert.True(t, req.JSON, "capability %s should ask for JSON", req.Capability)
		require.NotNil(t, req.Temperature)
	}
}

func TestStageErrorAbortsRun(t *testing.T) {
	boom := errors.New("provider down")
	mock := &testutil.MockLLMClient{Handler: func(req llm.Request) (*llm.Response, error) {
		if req.Capability == "analysis" {
			return nil, boom
		}
		return &llm.Response{Content: `[{"type": "payment"}]`}, nil
	}}

	_, err := newTestPipeline(mock).Run(context.Background(), "t", sampleContract, nil)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), StageAssess)
	assert.Equal(t, 2, mock.GetCallCount())
}

func TestMaxRisk(t *testing.T) {
	assert.Equal(t, RiskLow, MaxRisk())
	assert.Equal(t, RiskMedium, MaxRisk(RiskLow, RiskMedium, RiskLow))
	assert.Equal(t, RiskCritical, MaxRisk(RiskHigh, RiskCritical, RiskMedium))
}

func TestParseClauseType(t *testing.T) {
	assert.Equal(t, ClauseForceMajeure, ParseClauseType("Force_Majeure"))
	assert.Equal(t, ClauseOther, ParseClauseType(""))
	assert.Equal(t, ClauseOther, ParseClauseType("non_compete"))
}
