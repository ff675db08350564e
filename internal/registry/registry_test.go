package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testCatalog() []ModelDescriptor {
	return []ModelDescriptor{
		{
			ModelID:            "gpt-x",
			Provider:           "openai",
			CostPerInputToken:  0.000003,
			CostPerOutputToken: 0.000015,
			ContextWindow:      128000,
			RateLimitTPM:       90000,
			FallbackChain:      []string{"gpt-y"},
		},
		{
			ModelID:       "gpt-y",
			Provider:      "anthropic",
			ContextWindow: 200000,
			RateLimitTPM:  80000,
		},
	}
}

func TestResolve(t *testing.T) {
	r, err := New(testCatalog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m, err := r.Resolve("gpt-x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Provider != "openai" || m.RateLimitTPM != 90000 {
		t.Fatalf("unexpected descriptor: %+v", m)
	}

	if _, err := r.Resolve("nope"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("want ErrModelNotFound, got %v", err)
	}
}

func TestFallbackForSkipsTried(t *testing.T) {
	r, err := New(testCatalog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fb := r.FallbackFor("gpt-x", map[string]bool{"gpt-x": true})
	if fb == nil || fb.ModelID != "gpt-y" {
		t.Fatalf("FallbackFor = %+v, want gpt-y", fb)
	}

	fb = r.FallbackFor("gpt-x", map[string]bool{"gpt-x": true, "gpt-y": true})
	if fb != nil {
		t.Fatalf("FallbackFor with exhausted chain = %+v, want nil", fb)
	}
}

func TestValidationRejectsDanglingReference(t *testing.T) {
	models := testCatalog()
	models[0].FallbackChain = []string{"ghost"}

	_, err := New(models)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestValidationRejectsCycle(t *testing.T) {
	models := testCatalog()
	models[1].FallbackChain = []string{"gpt-x"}

	_, err := New(models)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError for cycle, got %v", err)
	}
}

func TestValidationRejectsSelfReference(t *testing.T) {
	models := testCatalog()
	models[0].FallbackChain = []string{"gpt-x"}

	_, err := New(models)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError for self reference, got %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	catalog := `models:
  - model_id: gpt-x
    provider: openai
    cost_per_input_token: 0.000003
    cost_per_output_token: 0.000015
    context_window: 128000
    rate_limit_tokens_per_minute: 90000
    fallback_chain: [gpt-y]
  - model_id: gpt-y
    provider: anthropic
    context_window: 200000
    rate_limit_tokens_per_minute: 80000
`
	if err := os.WriteFile(path, []byte(catalog), 0644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := len(r.Models()); got != 2 {
		t.Fatalf("len(Models)=%d, want 2", got)
	}
	m, err := r.Resolve("gpt-x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(m.FallbackChain) != 1 || m.FallbackChain[0] != "gpt-y" {
		t.Fatalf("fallback chain = %v", m.FallbackChain)
	}
}
