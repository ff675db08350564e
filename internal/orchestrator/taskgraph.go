package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Role is the closed set of agent step kinds. Unknown roles are rejected
// when the plan loads, not when the step runs.
type Role string

const (
	RoleAnalyst    Role = "analyst"
	RoleCalculator Role = "calculator"
	RoleCritic     Role = "critic"
	RoleSummarizer Role = "summarizer"
)

// roleSystemPrompts are the default system prompts per role, used when a
// step does not override them.
var roleSystemPrompts = map[Role]string{
	RoleAnalyst:    "You are a careful research analyst. Ground every claim in the provided material.",
	RoleCalculator: "You are a calculator agent. Never compute numbers yourself; emit a Go fragment in a ```chronolab-exec fenced block that computes them.",
	RoleCritic:     "You are a critical reviewer. Identify unsupported claims and methodological problems.",
	RoleSummarizer: "You are a summarizer. Produce a faithful, compact summary of the provided material.",
}

// StepSpec declares one agent step in a plan file. Prompt content is opaque
// to the core; PromptFile is resolved relative to the plan file at load.
type StepSpec struct {
	ID         string   `yaml:"id"`
	Role       Role     `yaml:"role"`
	Model      string   `yaml:"model"`
	Prompt     string   `yaml:"prompt,omitempty"`
	PromptFile string   `yaml:"prompt_file,omitempty"`
	System     string   `yaml:"system,omitempty"`
	MaxTokens  int      `yaml:"max_tokens,omitempty"`
	DependsOn  []string `yaml:"depends_on,omitempty"`
}

// SystemPrompt returns the step's system prompt, falling back to the role
// default.
func (s StepSpec) SystemPrompt() string {
	if s.System != "" {
		return s.System
	}
	return roleSystemPrompts[s.Role]
}

// Plan is a validated task graph.
type Plan struct {
	Name  string     `yaml:"name"`
	Steps []StepSpec `yaml:"steps"`
}

// PlanError reports an invalid plan file. Always fatal at startup.
type PlanError struct {
	Reason string
}

func (e *PlanError) Error() string { return "invalid plan: " + e.Reason }

// LoadPlan reads, validates, and resolves a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &PlanError{Reason: err.Error()}
	}
	if err := p.resolvePrompts(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plan) resolvePrompts(dir string) error {
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.PromptFile == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, s.PromptFile))
		if err != nil {
			return &PlanError{Reason: fmt.Sprintf("step %s: prompt file: %v", s.ID, err)}
		}
		s.Prompt = string(data)
	}
	return nil
}

// Validate checks ids, roles, prompts, and the dependency graph.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return &PlanError{Reason: "plan has no steps"}
	}

	byID := make(map[string]StepSpec, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return &PlanError{Reason: "step with empty id"}
		}
		if _, dup := byID[s.ID]; dup {
			return &PlanError{Reason: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		if _, ok := roleSystemPrompts[s.Role]; !ok {
			return &PlanError{Reason: fmt.Sprintf("step %s: unknown role %q", s.ID, s.Role)}
		}
		if s.Model == "" {
			return &PlanError{Reason: fmt.Sprintf("step %s: no model", s.ID)}
		}
		if s.Prompt == "" {
			return &PlanError{Reason: fmt.Sprintf("step %s: no prompt", s.ID)}
		}
		byID[s.ID] = s
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return &PlanError{Reason: fmt.Sprintf("step %s depends on itself", s.ID)}
			}
			if _, ok := byID[dep]; !ok {
				return &PlanError{Reason: fmt.Sprintf("step %s depends on unknown step %q", s.ID, dep)}
			}
		}
	}
	if _, err := p.Levels(); err != nil {
		return err
	}
	return nil
}

// Levels groups steps into dependency layers: every step in level n depends
// only on steps in earlier levels. Kahn's algorithm; a leftover step means
// a cycle.
func (p *Plan) Levels() ([][]StepSpec, error) {
	remaining := make(map[string]StepSpec, len(p.Steps))
	indegree := make(map[string]int, len(p.Steps))
	for _, s := range p.Steps {
		remaining[s.ID] = s
		indegree[s.ID] = len(s.DependsOn)
	}

	var levels [][]StepSpec
	for len(remaining) > 0 {
		var level []StepSpec
		// Preserve plan order within a level.
		for _, s := range p.Steps {
			if _, ok := remaining[s.ID]; ok && indegree[s.ID] == 0 {
				level = append(level, s)
			}
		}
		if len(level) == 0 {
			var stuck []string
			for id := range remaining {
				stuck = append(stuck, id)
			}
			return nil, &PlanError{Reason: fmt.Sprintf("dependency cycle among steps %v", stuck)}
		}
		for _, s := range level {
			delete(remaining, s.ID)
		}
		for _, s := range p.Steps {
			if _, ok := remaining[s.ID]; !ok {
				continue
			}
			for _, done := range level {
				for _, dep := range s.DependsOn {
					if dep == done.ID {
						indegree[s.ID]--
					}
				}
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}
