// Package registry loads and serves the static model catalog.
// The catalog is read once at startup from YAML and is immutable for the
// lifetime of a run, so no locking is needed after Load returns.
package registry

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrModelNotFound is returned by Resolve for unknown model IDs.
var ErrModelNotFound = errors.New("model not found")

// ConfigError indicates an invalid catalog (dangling fallback reference,
// fallback cycle, duplicate model). Fatal at startup.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("model catalog config error: %s", e.Reason)
}

// ModelDescriptor describes one model known to the platform.
type ModelDescriptor struct {
	ModelID            string   `yaml:"model_id"`
	Provider           string   `yaml:"provider"` // openai, anthropic, gemini
	CostPerInputToken  float64  `yaml:"cost_per_input_token"`
	CostPerOutputToken float64  `yaml:"cost_per_output_token"`
	ContextWindow      int      `yaml:"context_window"`
	RateLimitTPM       int      `yaml:"rate_limit_tokens_per_minute"`
	FallbackChain      []string `yaml:"fallback_chain"`
}

// Registry is the read-only model catalog.
type Registry struct {
	models map[string]*ModelDescriptor
	order  []string
}

type catalogFile struct {
	Models []ModelDescriptor `yaml:"models"`
}

// Load reads a model catalog from a YAML file and validates it.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog: %w", err)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}

	return New(cf.Models)
}

// New builds a registry from descriptors and validates the fallback graph.
func New(models []ModelDescriptor) (*Registry, error) {
	if len(models) == 0 {
		return nil, &ConfigError{Reason: "catalog declares no models"}
	}

	r := &Registry{models: make(map[string]*ModelDescriptor, len(models))}
	for i := range models {
		m := models[i]
		if m.ModelID == "" {
			return nil, &ConfigError{Reason: "model with empty model_id"}
		}
		if m.Provider == "" {
			return nil, &ConfigError{Reason: fmt.Sprintf("model %q has no provider", m.ModelID)}
		}
		if _, dup := r.models[m.ModelID]; dup {
			return nil, &ConfigError{Reason: fmt.Sprintf("duplicate model %q", m.ModelID)}
		}
		r.models[m.ModelID] = &m
		r.order = append(r.order, m.ModelID)
	}

	if err := r.validateFallbacks(); err != nil {
		return nil, err
	}
	return r, nil
}

// validateFallbacks rejects dangling references, self references, duplicate
// chain entries, and cycles in the fallback graph.
func (r *Registry) validateFallbacks() error {
	for id, m := range r.models {
		seen := map[string]bool{id: true}
		for _, fb := range m.FallbackChain {
			if _, ok := r.models[fb]; !ok {
				return &ConfigError{Reason: fmt.Sprintf("model %q fallback references undefined model %q", id, fb)}
			}
			if seen[fb] {
				return &ConfigError{Reason: fmt.Sprintf("model %q fallback chain revisits %q", id, fb)}
			}
			seen[fb] = true
		}
	}

	// Detect cycles across transitive fallback edges. A chain that can reach
	// itself would otherwise only be stopped by the per-call tried set.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(r.models))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		for _, fb := range r.models[id].FallbackChain {
			switch color[fb] {
			case grey:
				return &ConfigError{Reason: fmt.Sprintf("fallback cycle through %q and %q", id, fb)}
			case white:
				if err := visit(fb); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range r.models {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resolve returns the descriptor for a model ID.
func (r *Registry) Resolve(modelID string) (*ModelDescriptor, error) {
	m, ok := r.models[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModelNotFound, modelID)
	}
	return m, nil
}

// FallbackFor returns the first model in modelID's fallback chain that is
// not already in tried, or nil when the chain is exhausted. Callers own the
// tried set across a whole call chain so a model is never attempted twice.
func (r *Registry) FallbackFor(modelID string, tried map[string]bool) *ModelDescriptor {
	m, ok := r.models[modelID]
	if !ok {
		return nil
	}
	for _, fb := range m.FallbackChain {
		if tried[fb] {
			continue
		}
		if next, ok := r.models[fb]; ok {
			return next
		}
	}
	return nil
}

// Models returns descriptors in catalog order.
func (r *Registry) Models() []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.models[id])
	}
	return out
}
