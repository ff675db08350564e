// Package usage aggregates token and spend counters for a session and
// persists a JSON summary next to the chronolog. Counters are advisory;
// enforcement lives in the guard.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TokenCounts holds input/output sums plus accumulated spend.
type TokenCounts struct {
	Input  int64   `json:"input"`
	Output int64   `json:"output"`
	Total  int64   `json:"total"`
	Cost   float64 `json:"cost_usd"`
}

func (tc *TokenCounts) add(input, output int, cost float64) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
	tc.Cost += cost
}

// Summary is the aggregated view written to the output directory.
type Summary struct {
	Version    string                 `json:"version"`
	SessionID  string                 `json:"session_id"`
	StartedAt  time.Time              `json:"started_at"`
	Total      TokenCounts            `json:"total"`
	ByModel    map[string]TokenCounts `json:"by_model"`
	ByProvider map[string]TokenCounts `json:"by_provider"`
	ByStep     map[string]TokenCounts `json:"by_step"`
}

// Tracker accumulates per-session usage. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	summary Summary
}

// NewTracker creates a tracker for one session.
func NewTracker(sessionID string) *Tracker {
	return &Tracker{
		summary: Summary{
			Version:    "1.0",
			SessionID:  sessionID,
			StartedAt:  time.Now().UTC(),
			ByModel:    make(map[string]TokenCounts),
			ByProvider: make(map[string]TokenCounts),
			ByStep:     make(map[string]TokenCounts),
		},
	}
}

// Record adds one call's usage to every breakdown.
func (t *Tracker) Record(model, provider, stepID string, input, output int, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.summary.Total.add(input, output, cost)
	addToMap(t.summary.ByModel, model, input, output, cost)
	addToMap(t.summary.ByProvider, provider, input, output, cost)
	if stepID != "" {
		addToMap(t.summary.ByStep, stepID, input, output, cost)
	}
}

func addToMap(m map[string]TokenCounts, key string, input, output int, cost float64) {
	tc := m[key]
	tc.add(input, output, cost)
	m[key] = tc
}

// Summary returns a copy of the current aggregate.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.summary
	out.ByModel = copyMap(t.summary.ByModel)
	out.ByProvider = copyMap(t.summary.ByProvider)
	out.ByStep = copyMap(t.summary.ByStep)
	return out
}

func copyMap(m map[string]TokenCounts) map[string]TokenCounts {
	out := make(map[string]TokenCounts, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TotalCost reports accumulated spend in USD.
func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary.Total.Cost
}

// WriteFile persists the summary as usage.json in dir.
func (t *Tracker) WriteFile(dir string) error {
	data, err := json.MarshalIndent(t.Summary(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal usage summary: %w", err)
	}
	path := filepath.Join(dir, "usage.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write usage summary: %w", err)
	}
	return nil
}
