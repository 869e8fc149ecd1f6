package model

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleRegistry = `
capabilities:
  extraction:
    description: Clause extraction
    preferred: [sonnet]
    fallback: [local]
  analysis:
    preferred: [sonnet]
endpoints:
  sonnet:
    provider: anthropic
    model: claude-sonnet-4-20250514
    max_tokens: 200000
  local:
    provider: ollama
    url: http://localhost:11434/v1
    model: llama3.2
defaults:
  model: sonnet
`

func TestParse(t *testing.T) {
	t.Run("yaml registry", func(t *testing.T) {
		r, err := Parse([]byte(sampleRegistry))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got := r.Resolve(CapabilityExtraction); got != "sonnet" {
			t.Errorf("Resolve = %q", got)
		}
		if ep := r.GetEndpoint("local"); ep == nil || ep.URL != "http://localhost:11434/v1" {
			t.Errorf("unexpected endpoint %+v", ep)
		}
		if got := r.Resolve(CapabilityDrafting); got != "sonnet" {
			t.Errorf("expected default model, got %q", got)
		}
	})

	t.Run("json wrapped in model_registry", func(t *testing.T) {
		data := []byte(`{"model_registry": {"capabilities": {"fast": {"preferred": ["m"]}}, "endpoints": {"m": {"provider": "openai", "model": "gpt-4o-mini"}}}}`)
		r, err := Parse(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got := r.Resolve(CapabilityFast); got != "m" {
			t.Errorf("Resolve = %q", got)
		}
	})

	t.Run("unknown capability", func(t *testing.T) {
		_, err := Parse([]byte("capabilities:\n  coding:\n    preferred: [m]\nendpoints:\n  m: {provider: ollama, model: x}\n"))
		if err == nil || !strings.Contains(err.Error(), "unknown capability") {
			t.Errorf("expected unknown capability error, got %v", err)
		}
	})

	t.Run("undefined endpoint", func(t *testing.T) {
		_, err := Parse([]byte("capabilities:\n  fast:\n    preferred: [missing]\n"))
		if err == nil || !strings.Contains(err.Error(), "undefined endpoint") {
			t.Errorf("expected undefined endpoint error, got %v", err)
		}
	})
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte(sampleRegistry), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(r.ListEndpoints()); got != 2 {
		t.Errorf("expected 2 endpoints, got %d", got)
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRegistryToConfig(t *testing.T) {
	r, err := Parse([]byte(sampleRegistry))
	if err != nil {
		t.Fatal(err)
	}

	cfg := r.ToConfig()
	if _, ok := cfg.Capabilities["extraction"]; !ok {
		t.Error("expected extraction capability in config")
	}
	if cfg.Defaults.Model != "sonnet" {
		t.Errorf("defaults = %q", cfg.Defaults.Model)
	}
}
