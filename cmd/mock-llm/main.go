// Package main implements an offline model server for exercising Sae without
// a real LLM. It serves OpenAI-compatible /v1/chat/completions responses and
// routes each request to a fixture by analysis stage, detected from the
// system prompt.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Point Sae at it with model.provider=ollama and
// model.endpoint=http://localhost:11434/v1.
//
// Fixture files are named by stage: extraction.json, assessment.json and
// recommendation.json. Without a fixture directory a built-in NDA review is
// served.
//
// Sequential fixtures: numbered files (assessment.1.json, assessment.2.json)
// are returned in order on successive calls for that stage; the base file is
// the repeating fallback.
//
// Clause ids are generated by Sae at run time. A fixture may reference them
// as {{clause_id.N}} (1-indexed, in the order they appear in the prompt).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/egorvert/Sae/analysis"
)

// Stages served by the mock.
const (
	stageExtraction     = "extraction"
	stageAssessment     = "assessment"
	stageRecommendation = "recommendation"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Server ---

// capturedRequest stores an incoming request for test verification.
type capturedRequest struct {
	Stage     string        `json:"stage"`
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per-stage call number
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string // stage → ordered fixture contents
	logger   *slog.Logger
	calls    atomic.Int64

	mu       sync.Mutex
	perStage map[string]int
	requests map[string][]capturedRequest
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	return &server{
		fixtures: fixtures,
		logger:   logger,
		perStage: make(map[string]int),
		requests: make(map[string][]capturedRequest),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing stage fixture files (default: built-in NDA review)")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}

	fixtures := defaultFixtures()
	if *fixtureDir != "" {
		loaded, err := loadFixtures(*fixtureDir)
		if err != nil {
			logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
			os.Exit(1)
		}
		for stage, seq := range loaded {
			fixtures[stage] = seq
		}
	}
	for stage, seq := range fixtures {
		logger.Info("Stage fixtures", "stage", stage, "count", len(seq))
	}

	s := newServer(fixtures, logger)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock LLM server listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// detectStage maps the system prompt onto the analysis stage that sent it.
func detectStage(messages []chatMessage) string {
	for _, m := range messages {
		if m.Role != "system" {
			continue
		}
		switch m.Content {
		case analysis.ExtractionSystemPrompt():
			return stageExtraction
		case analysis.RiskSystemPrompt():
			return stageAssessment
		case analysis.RecommendationSystemPrompt():
			return stageRecommendation
		}
	}
	return ""
}

var clauseIDRe = regexp.MustCompile(`(?m)^CLAUSE ID: (\S+)`)

// placeholderRe matches {{clause_id.N}}.
var placeholderRe = regexp.MustCompile(`\{\{clause_id\.(\d+)\}\}`)

// fillClauseIDs substitutes clause id placeholders with the ids found in the
// user prompt. Out-of-range references become "unknown".
func fillClauseIDs(content string, messages []chatMessage) string {
	var ids []string
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		for _, match := range clauseIDRe.FindAllStringSubmatch(m.Content, -1) {
			ids = append(ids, match[1])
		}
	}
	return placeholderRe.ReplaceAllStringFunc(content, func(ph string) string {
		n, _ := strconv.Atoi(placeholderRe.FindStringSubmatch(ph)[1])
		if n < 1 || n > len(ids) {
			return "unknown"
		}
		return ids[n-1]
	})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	stage := detectStage(req.Messages)
	seq, ok := s.fixtures[stage]
	if stage == "" || !ok {
		s.logger.Warn("No fixture for request", "call", callNum, "model", req.Model, "stage", stage)
		http.Error(w, fmt.Sprintf("no fixture for stage %q", stage), http.StatusNotFound)
		return
	}

	s.mu.Lock()
	callIndex := s.perStage[stage]
	s.perStage[stage]++
	s.requests[stage] = append(s.requests[stage], capturedRequest{
		Stage:     stage,
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: callIndex + 1,
		Timestamp: time.Now().UnixMilli(),
	})
	s.mu.Unlock()

	content := seq[min(callIndex, len(seq)-1)]
	content = fillClauseIDs(content, req.Messages)

	s.logger.Info("Served completion",
		"call", callNum,
		"stage", stage,
		"model", req.Model,
		"call_index", callIndex+1,
		"bytes", len(content))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptLength(req.Messages) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      (promptLength(req.Messages) + len(content)) / 4,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func promptLength(messages []chatMessage) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}

// handleModels lists the served stages as models.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	models := make([]modelEntry, 0, len(s.fixtures))
	for stage := range s.fixtures {
		models = append(models, modelEntry{ID: stage, Object: "model", OwnedBy: "mock-llm"})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": models})
}

// handleStats returns total and per-stage call counts.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byStage := make(map[string]int, len(s.perStage))
	for stage, n := range s.perStage {
		byStage[stage] = n
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_stage": byStage,
	})
}

// handleRequests returns captured requests, optionally filtered by ?stage=
// and ?call= (1-indexed).
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	stageFilter := r.URL.Query().Get("stage")
	callFilter, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for stage, reqs := range s.requests {
		if stageFilter != "" && stage != stageFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter == 0 || req.CallIndex == callFilter {
				result[stage] = append(result[stage], req)
			}
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"requests_by_stage": result})
}

// numberedFileRe matches files like "assessment.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads stage fixtures from dir. For each stage, numbered files
// come first in numeric order, then the base file as the final fallback.
// Files for unknown stages are rejected.
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}
		content := string(data)

		stage := strings.TrimSuffix(info.Name(), ".json")
		index := 0
		if m := numberedFileRe.FindStringSubmatch(info.Name()); m != nil {
			stage = m[1]
			index, _ = strconv.Atoi(m[2])
		}
		if !isStage(stage) {
			return fmt.Errorf("%s: unknown stage %q", path, stage)
		}

		if index == 0 {
			baseFiles[stage] = content
			return nil
		}
		if numberedFiles[stage] == nil {
			numberedFiles[stage] = make(map[int]string)
		}
		numberedFiles[stage][index] = content
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	for _, stage := range []string{stageExtraction, stageAssessment, stageRecommendation} {
		var seq []string
		if numbered, ok := numberedFiles[stage]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)
			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}
		if base, ok := baseFiles[stage]; ok {
			seq = append(seq, base)
		}
		if len(seq) > 0 {
			fixtures[stage] = seq
		}
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}

func isStage(s string) bool {
	return s == stageExtraction || s == stageAssessment || s == stageRecommendation
}

// defaultFixtures is a two-clause NDA review.
func defaultFixtures() map[string][]string {
	return map[string][]string{
		stageExtraction: {`[
  {"type": "confidentiality", "title": "Confidential Information", "text": "The Receiving Party shall hold all Confidential Information in strict confidence for a period of ten (10) years.", "location": "Section 2"},
  {"type": "liability", "title": "Limitation of Liability", "text": "The Disclosing Party shall not be liable for any damages whatsoever.", "location": "Section 7"}
]`},
		stageAssessment: {`[
  {"clause_id": "{{clause_id.1}}", "risk_level": "medium", "confidence": 0.8, "issues": ["Ten year term is longer than market standard"], "explanation": "A ten year confidentiality period places a long-lived burden on the receiving party.", "affected_party": "client"},
  {"clause_id": "{{clause_id.2}}", "risk_level": "high", "confidence": 0.9, "issues": ["One-sided liability exclusion", "No carve-out for gross negligence"], "explanation": "The disclosing party excludes all liability, including for willful misconduct.", "affected_party": "client"}
]`},
		stageRecommendation: {`[
  {"clause_id": "{{clause_id.2}}", "priority": 1, "action": "Make the limitation of liability mutual and carve out gross negligence and willful misconduct", "rationale": "A one-sided exclusion leaves the receiving party without remedy.", "suggested_text": "Neither party shall be liable for indirect damages, except in cases of gross negligence or willful misconduct.", "risk_reduction": "low"},
  {"clause_id": "{{clause_id.1}}", "priority": 3, "action": "Shorten the confidentiality period to three to five years", "rationale": "Aligns with market practice for commercial NDAs.", "suggested_text": null, "risk_reduction": "low"}
]`},
	}
}
