package analysis

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/egorvert/Sae/llm"
	"github.com/egorvert/Sae/model"
	"github.com/google/uuid"
)

// Pipeline stage names, used in logs and errors.
const (
	StageExtract   = "extract_clauses"
	StageAssess    = "assess_risks"
	StageRecommend = "recommend"
)

const (
	// defaultFormatRetries is the total number of LLM call attempts per stage
	// when the response isn't a usable JSON array. Each retry feeds the parse
	// error back to the model.
	defaultFormatRetries = 3

	defaultMaxTokens = 4096

	defaultConfidence = 0.5
	defaultPriority   = 3
)

// Stage temperatures. Recommendations get a little room to phrase suggested text.
const (
	extractTemperature          = 0.0
	assessTemperature           = 0.0
	defaultRecommendTemperature = 0.1
)

// Pipeline runs extraction, risk assessment and recommendations against an
// llm.Completer. It holds no per-run state and is safe for concurrent use.
type Pipeline struct {
	llm           llm.Completer
	logger        *slog.Logger
	newID         func() string
	maxTokens     int
	formatRetries int
	draftTemp     float64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithIDGenerator overrides clause id generation.
func WithIDGenerator(gen func() string) Option {
	return func(p *Pipeline) {
		if gen != nil {
			p.newID = gen
		}
	}
}

// WithMaxTokens caps the response length of every stage.
func WithMaxTokens(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxTokens = n
		}
	}
}

// WithFormatRetries sets how many attempts a stage gets to produce valid JSON.
func WithFormatRetries(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.formatRetries = n
		}
	}
}

// WithDraftingTemperature sets the temperature of the recommendation stage.
// Extraction and assessment always run at zero.
func WithDraftingTemperature(t float64) Option {
	return func(p *Pipeline) {
		if t >= 0 && t <= 1 {
			p.draftTemp = t
		}
	}
}

// NewPipeline creates a pipeline that calls c for every stage.
func NewPipeline(c llm.Completer, opts ...Option) *Pipeline {
	p := &Pipeline{
		llm:           c,
		logger:        slog.Default(),
		newID:         shortID,
		maxTokens:     defaultMaxTokens,
		formatRetries: defaultFormatRetries,
		draftTemp:     defaultRecommendTemperature,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// shortID returns the first 8 characters of a random UUID.
func shortID() string {
	return uuid.NewString()[:8]
}

// Run analyzes the contract text. An error from any stage aborts the run.
func (p *Pipeline) Run(ctx context.Context, contractID, text string, metadata map[string]any) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no contract text provided")
	}

	result := &Result{
		ContractID:      contractID,
		Clauses:         []Clause{},
		Risks:           []RiskAssessment{},
		Recommendations: []Recommendation{},
		Metadata:        metadata,
	}

	clauses, err := p.ExtractClauses(ctx, text)
	if err != nil {
		return nil, err
	}
	result.Clauses = clauses

	risks, err := p.AssessRisks(ctx, clauses)
	if err != nil {
		return nil, err
	}
	result.Risks = risks

	recs, err := p.Recommend(ctx, risks, clauses)
	if err != nil {
		return nil, err
	}
	result.Recommendations = recs

	levels := make([]RiskLevel, len(risks))
	for i, r := range risks {
		levels[i] = r.Level
	}
	result.OverallRisk = MaxRisk(levels...)
	result.Summary = Summarize(result)

	p.logger.Info("Contract analysis complete",
		"contract_id", contractID,
		"clauses", len(result.Clauses),
		"risks", len(result.Risks),
		"recommendations", len(result.Recommendations),
		"overall_risk", result.OverallRisk)

	return result, nil
}

type rawClause struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	Location string `json:"location"`
}

// ExtractClauses asks the model to locate and classify the contract's clauses.
func (p *Pipeline) ExtractClauses(ctx context.Context, text string) ([]Clause, error) {
	raw, err := completeArray[rawClause](ctx, p, StageExtract, extractTemperature,
		ExtractionSystemPrompt(), ExtractionUserPrompt(text))
	if err != nil {
		return nil, err
	}

	clauses := make([]Clause, 0, len(raw))
	for i, rc := range raw {
		c := Clause{
			ID:       p.newID(),
			Type:     ParseClauseType(rc.Type),
			Title:    strings.TrimSpace(rc.Title),
			Text:     rc.Text,
			Location: strings.TrimSpace(rc.Location),
		}
		if c.Title == "" {
			c.Title = fmt.Sprintf("Clause %d", i+1)
		}
		if c.Location == "" {
			c.Location = fmt.Sprintf("Section %d", i+1)
		}
		clauses = append(clauses, c)
	}

	p.logger.Debug("Extracted clauses", "count", len(clauses))
	return clauses, nil
}

type rawRisk struct {
	ClauseID      string   `json:"clause_id"`
	RiskLevel     string   `json:"risk_level"`
	Confidence    *float64 `json:"confidence"`
	Issues        []string `json:"issues"`
	Explanation   string   `json:"explanation"`
	AffectedParty string   `json:"affected_party"`
}

// AssessRisks grades each clause. No clauses means no model call.
func (p *Pipeline) AssessRisks(ctx context.Context, clauses []Clause) ([]RiskAssessment, error) {
	if len(clauses) == 0 {
		return []RiskAssessment{}, nil
	}

	raw, err := completeArray[rawRisk](ctx, p, StageAssess, assessTemperature,
		RiskSystemPrompt(), RiskUserPrompt(clauses))
	if err != nil {
		return nil, err
	}

	risks := make([]RiskAssessment, 0, len(raw))
	for _, rr := range raw {
		level, ok := ParseRiskLevel(rr.RiskLevel)
		if !ok {
			p.logger.Debug("Unknown risk level, using low", "value", rr.RiskLevel, "clause_id", rr.ClauseID)
		}
		confidence := defaultConfidence
		if rr.Confidence != nil {
			confidence = min(max(*rr.Confidence, 0), 1)
		}
		a := RiskAssessment{
			ClauseID:      cmp.Or(strings.TrimSpace(rr.ClauseID), "unknown"),
			Level:         level,
			Confidence:    confidence,
			Issues:        rr.Issues,
			Explanation:   rr.Explanation,
			AffectedParty: cmp.Or(strings.TrimSpace(rr.AffectedParty), "both"),
		}
		if a.Issues == nil {
			a.Issues = []string{}
		}
		risks = append(risks, a)
	}

	p.logger.Debug("Assessed risks", "count", len(risks))
	return risks, nil
}

type rawRecommendation struct {
	ClauseID      string  `json:"clause_id"`
	Priority      *int    `json:"priority"`
	Action        string  `json:"action"`
	Rationale     string  `json:"rationale"`
	SuggestedText *string `json:"suggested_text"`
	RiskReduction *string `json:"risk_reduction"`
}

// Recommend proposes changes for the assessed risks, most urgent first. No
// risks means no model call.
func (p *Pipeline) Recommend(ctx context.Context, risks []RiskAssessment, clauses []Clause) ([]Recommendation, error) {
	if len(risks) == 0 {
		return []Recommendation{}, nil
	}

	raw, err := completeArray[rawRecommendation](ctx, p, StageRecommend, p.draftTemp,
		RecommendationSystemPrompt(), RecommendationUserPrompt(risks, clauses))
	if err != nil {
		return nil, err
	}

	recs := make([]Recommendation, 0, len(raw))
	for _, rr := range raw {
		priority := defaultPriority
		if rr.Priority != nil {
			priority = min(max(*rr.Priority, 1), 5)
		}
		r := Recommendation{
			ClauseID:  cmp.Or(strings.TrimSpace(rr.ClauseID), "unknown"),
			Priority:  priority,
			Action:    cmp.Or(strings.TrimSpace(rr.Action), "Review this clause"),
			Rationale: rr.Rationale,
		}
		if rr.SuggestedText != nil {
			r.SuggestedText = *rr.SuggestedText
		}
		if rr.RiskReduction != nil {
			if level, ok := ParseRiskLevel(*rr.RiskReduction); ok {
				r.RiskReduction = level
			}
		}
		recs = append(recs, r)
	}

	slices.SortStableFunc(recs, func(a, b Recommendation) int {
		return cmp.Compare(a.Priority, b.Priority)
	})

	p.logger.Debug("Generated recommendations", "count", len(recs))
	return recs, nil
}

// completeArray calls the model for stage and decodes a JSON array of T from
// the reply, feeding parse errors back as a correction prompt.
func completeArray[T any](ctx context.Context, p *Pipeline, stage string, temperature float64, system, user string) ([]T, error) {
	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
	capability := model.CapabilityForStage(stage).String()

	var lastErr error
	for attempt := range p.formatRetries {
		resp, err := p.llm.Complete(ctx, llm.Request{
			Capability:  capability,
			Messages:    messages,
			Temperature: &temperature,
			MaxTokens:   p.maxTokens,
			JSON:        true,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: LLM completion: %w", stage, err)
		}

		p.logger.Debug("Stage LLM response received",
			"stage", stage,
			"model", resp.Model,
			"request_id", resp.RequestID,
			"attempt", attempt+1)

		out, parseErr := llm.DecodeJSONArray[T](resp.Content)
		if parseErr == nil {
			return out, nil
		}
		if truncated(resp.FinishReason) {
			parseErr = fmt.Errorf("reply cut off at %d tokens: %w", p.maxTokens, parseErr)
		}
		lastErr = parseErr

		if attempt+1 >= p.formatRetries {
			break
		}

		p.logger.Warn("Stage LLM format retry",
			"stage", stage,
			"attempt", attempt+1,
			"error", parseErr)

		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: formatCorrectionPrompt(parseErr)},
		)
	}

	return nil, llm.NewMalformedOutputError(stage, lastErr)
}

// truncated reports whether the provider stopped at the token limit.
func truncated(finishReason string) bool {
	return finishReason == "length" || finishReason == "max_tokens"
}

// Summarize renders the one-paragraph summary of a result.
func Summarize(r *Result) string {
	parts := []string{
		fmt.Sprintf("Analyzed contract with %d clauses.", len(r.Clauses)),
		fmt.Sprintf("Found %d potential issues.", len(r.Risks)),
	}
	if n := r.CountByLevel(RiskCritical); n > 0 {
		parts = append(parts, fmt.Sprintf("%d critical risks require immediate attention.", n))
	}
	if n := r.CountByLevel(RiskHigh); n > 0 {
		parts = append(parts, fmt.Sprintf("%d high-priority issues should be addressed.", n))
	}
	parts = append(parts, fmt.Sprintf("Generated %d recommendations for improvement.", len(r.Recommendations)))
	return strings.Join(parts, " ")
}
