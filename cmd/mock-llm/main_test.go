package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/egorvert/Sae/analysis"
	"github.com/egorvert/Sae/llm"
	_ "github.com/egorvert/Sae/llm/providers"
	"github.com/egorvert/Sae/model"
)

func TestLoadFixtures_BaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "extraction.json", `[]`)
	writeFixture(t, dir, "assessment.json", `[{"risk_level":"low"}]`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	if len(fixtures) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(fixtures))
	}
	for stage, seq := range fixtures {
		if len(seq) != 1 {
			t.Errorf("stage %q: expected 1 fixture, got %d", stage, len(seq))
		}
	}
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "assessment.1.json", `[{"risk_level":"critical"}]`)
	writeFixture(t, dir, "assessment.2.json", `[{"risk_level":"high"}]`)
	writeFixture(t, dir, "assessment.json", `[{"risk_level":"low","explanation":"fallback"}]`)
	writeFixture(t, dir, "extraction.json", `[]`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	seq := fixtures[stageAssessment]
	if len(seq) != 3 {
		t.Fatalf("assessment: expected 3 fixtures, got %d", len(seq))
	}
	if !strings.Contains(seq[0], "critical") {
		t.Errorf("fixture[0] should be critical, got: %s", seq[0])
	}
	if !strings.Contains(seq[1], "high") {
		t.Errorf("fixture[1] should be high, got: %s", seq[1])
	}
	if !strings.Contains(seq[2], "fallback") {
		t.Errorf("fixture[2] should be the fallback, got: %s", seq[2])
	}
}

func TestLoadFixtures_NumberedOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "recommendation.1.json", `[]`)
	writeFixture(t, dir, "recommendation.2.json", `[]`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	if len(fixtures[stageRecommendation]) != 2 {
		t.Fatalf("expected 2 fixtures, got %d", len(fixtures[stageRecommendation]))
	}
}

func TestLoadFixtures_Errors(t *testing.T) {
	if _, err := loadFixtures(t.TempDir()); err == nil {
		t.Error("expected error for empty directory")
	}

	dir := t.TempDir()
	writeFixture(t, dir, "planner.json", `{}`)
	if _, err := loadFixtures(dir); err == nil {
		t.Error("expected error for unknown stage")
	}

	dir = t.TempDir()
	writeFixture(t, dir, "extraction.json", `[{`)
	if _, err := loadFixtures(dir); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestDetectStage(t *testing.T) {
	tests := []struct {
		system string
		want   string
	}{
		{analysis.ExtractionSystemPrompt(), stageExtraction},
		{analysis.RiskSystemPrompt(), stageAssessment},
		{analysis.RecommendationSystemPrompt(), stageRecommendation},
		{"You are a helpful assistant.", ""},
	}
	for _, tt := range tests {
		got := detectStage([]chatMessage{{Role: "system", Content: tt.system}, {Role: "user", Content: "x"}})
		if got != tt.want {
			t.Errorf("detectStage(%.30q) = %q, want %q", tt.system, got, tt.want)
		}
	}
}

func TestFillClauseIDs(t *testing.T) {
	messages := []chatMessage{{Role: "user", Content: "CLAUSE ID: a1b2\nTYPE: payment\n\n---\n\nCLAUSE ID: c3d4\nTYPE: liability"}}
	got := fillClauseIDs(`["{{clause_id.2}}","{{clause_id.1}}","{{clause_id.3}}"]`, messages)
	if got != `["c3d4","a1b2","unknown"]` {
		t.Errorf("unexpected substitution: %s", got)
	}
}

func TestSequentialFixtureSelection(t *testing.T) {
	s := newServer(map[string][]string{
		stageAssessment: {`[{"risk_level":"critical"}]`, `[{"risk_level":"low"}]`},
		stageExtraction: {`[]`},
	}, slog.New(slog.DiscardHandler))

	if got := doCompletion(t, s, analysis.RiskSystemPrompt()); !strings.Contains(got, "critical") {
		t.Errorf("call 1: expected critical, got: %s", got)
	}
	if got := doCompletion(t, s, analysis.RiskSystemPrompt()); !strings.Contains(got, "low") {
		t.Errorf("call 2: expected low, got: %s", got)
	}
	if got := doCompletion(t, s, analysis.RiskSystemPrompt()); !strings.Contains(got, "low") {
		t.Errorf("call 3: expected the last fixture repeated, got: %s", got)
	}
	if got := doCompletion(t, s, analysis.ExtractionSystemPrompt()); got != `[]` {
		t.Errorf("extraction: expected [], got: %s", got)
	}
}

func TestUnknownStageIsNotFound(t *testing.T) {
	s := newServer(defaultFixtures(), slog.New(slog.DiscardHandler))
	body := strings.NewReader(`{"model":"x","messages":[{"role":"system","content":"other"},{"role":"user","content":"hi"}]}`)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestStatsAndRequests(t *testing.T) {
	s := newServer(defaultFixtures(), slog.New(slog.DiscardHandler))
	doCompletion(t, s, analysis.ExtractionSystemPrompt())
	doCompletion(t, s, analysis.RiskSystemPrompt())
	doCompletion(t, s, analysis.RiskSystemPrompt())

	w := httptest.NewRecorder()
	s.handleStats(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats struct {
		TotalCalls   int64          `json:"total_calls"`
		CallsByStage map[string]int `json:"calls_by_stage"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalCalls != 3 || stats.CallsByStage[stageAssessment] != 2 || stats.CallsByStage[stageExtraction] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	w = httptest.NewRecorder()
	s.handleRequests(w, httptest.NewRequest(http.MethodGet, "/requests?stage=assessment&call=2", nil))
	var reqs struct {
		RequestsByStage map[string][]capturedRequest `json:"requests_by_stage"`
	}
	if err := json.NewDecoder(w.Body).Decode(&reqs); err != nil {
		t.Fatalf("decode requests: %v", err)
	}
	got := reqs.RequestsByStage[stageAssessment]
	if len(got) != 1 || got[0].CallIndex != 2 {
		t.Errorf("expected the second assessment call, got %+v", got)
	}
	if _, ok := reqs.RequestsByStage[stageExtraction]; ok {
		t.Error("stage filter not applied")
	}
}

// TestPipelineAgainstDefaultFixtures runs the real analysis pipeline through
// the OpenAI-compatible provider against the built-in fixtures.
func TestPipelineAgainstDefaultFixtures(t *testing.T) {
	s := newServer(defaultFixtures(), slog.New(slog.DiscardHandler))
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	registry := model.NewSingleEndpointRegistry("mock", &model.EndpointConfig{
		Provider: "ollama",
		URL:      srv.URL + "/v1",
		Model:    "mock",
	})
	client := llm.NewClient(registry, llm.WithLogger(slog.New(slog.DiscardHandler)))
	pipeline := analysis.NewPipeline(client, analysis.WithLogger(slog.New(slog.DiscardHandler)))

	result, err := pipeline.Run(context.Background(), "nda-1", "MUTUAL NON-DISCLOSURE AGREEMENT ...", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Clauses) != 2 || len(result.Risks) != 2 || len(result.Recommendations) != 2 {
		t.Fatalf("unexpected result sizes: %d clauses, %d risks, %d recommendations",
			len(result.Clauses), len(result.Risks), len(result.Recommendations))
	}
	if result.OverallRisk != analysis.RiskHigh {
		t.Errorf("expected high overall risk, got %s", result.OverallRisk)
	}
	if result.Risks[1].ClauseID != result.Clauses[1].ID {
		t.Errorf("risk should reference generated clause id %s, got %s", result.Clauses[1].ID, result.Risks[1].ClauseID)
	}
	if result.Recommendations[0].Priority != 1 {
		t.Errorf("recommendations should be sorted by priority, got %+v", result.Recommendations)
	}
}

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func doCompletion(t *testing.T, s *server, system string) string {
	t.Helper()
	payload, _ := json.Marshal(chatRequest{
		Model: "mock",
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: "CLAUSE ID: c1\nTYPE: other"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(payload)))
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body: %s", w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) == 0 {
		t.Fatalf("no choices in response")
	}
	return resp.Choices[0].Message.Content
}
