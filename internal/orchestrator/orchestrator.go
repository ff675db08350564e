// Package orchestrator is the composition root: it walks a validated task
// graph, routes each step through the gateway, hands embedded code
// fragments to the sandbox, and appends every decision to the chronolog
// before the step's result is visible to anything downstream.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chronolab/internal/chronolog"
	"chronolab/internal/gateway"
	"chronolab/internal/guard"
	"chronolab/internal/sandbox"
	"chronolab/internal/store"
	"chronolab/internal/usage"
)

// Session and step statuses.
const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusAborted   = "aborted"

	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// CallExecutor issues one logical gateway call.
type CallExecutor interface {
	Execute(ctx context.Context, req gateway.CallRequest) (gateway.CallResult, error)
}

// CodeRunner executes one sandbox job.
type CodeRunner interface {
	Run(ctx context.Context, job sandbox.Job) sandbox.Result
}

// EventLog is the chronolog surface the orchestrator needs.
type EventLog interface {
	StartSession(sessionID string) (chronolog.Event, error)
	Append(sessionID, eventType string, payload interface{}) (chronolog.Event, error)
}

// Config holds orchestrator tunables.
type Config struct {
	MaxConcurrentSteps int
	OutputDir          string // usage summary destination, empty to skip
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentSteps: 4}
}

// StepResult is one step's outcome.
type StepResult struct {
	StepID        string
	Role          Role
	Status        string
	ModelUsed     string
	Attempts      int
	TokensIn      int
	TokensOut     int
	Cost          float64
	Output        string
	SandboxValue  interface{}
	SandboxStdout string
	Error         string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// SessionResult is the outcome of one orchestrated run. Status is
// StatusSucceeded only when every step succeeded; step-local failures yield
// StatusPartial, integrity or startup failures StatusAborted.
type SessionResult struct {
	SessionID string
	Status    string
	Steps     []StepResult
	TotalCost float64
}

// Orchestrator drives one plan at a time through the core components.
// guard and stepStore may be nil; everything else is required.
type Orchestrator struct {
	cfg       Config
	gateway   CallExecutor
	sandbox   CodeRunner
	log       EventLog
	guard     *guard.Guard
	stepStore *store.Store
	logger    *zap.Logger
}

// New creates an orchestrator.
func New(cfg Config, gw CallExecutor, sb CodeRunner, log EventLog, g *guard.Guard, st *store.Store, logger *zap.Logger) *Orchestrator {
	if cfg.MaxConcurrentSteps <= 0 {
		cfg.MaxConcurrentSteps = DefaultConfig().MaxConcurrentSteps
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		gateway:   gw,
		sandbox:   sb,
		log:       log,
		guard:     g,
		stepStore: st,
		logger:    logger.Named("orchestrator"),
	}
}

// Run executes a validated plan. The returned error is non-nil only when
// the session aborted; step-local failures are reported in the result.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan) (SessionResult, error) {
	sessionID := uuid.NewString()
	res := SessionResult{SessionID: sessionID, Status: StatusAborted}

	levels, err := plan.Levels()
	if err != nil {
		return res, err
	}

	if o.guard != nil {
		o.guard.StartSession(sessionID)
	}
	if _, err := o.log.StartSession(sessionID); err != nil {
		return res, fmt.Errorf("failed to start session: %w", err)
	}
	o.logger.Info("session started",
		zap.String("session", sessionID),
		zap.String("plan", plan.Name),
		zap.Int("steps", len(plan.Steps)))

	tracker := usage.NewTracker(sessionID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]*StepResult, len(plan.Steps))
	var fatal error

	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.MaxConcurrentSteps)

		for _, step := range level {
			step := step

			mu.Lock()
			blocked := blockedBy(step, results)
			mu.Unlock()
			if blocked != "" {
				sr := &StepResult{
					StepID:     step.ID,
					Role:       step.Role,
					Status:     StepSkipped,
					Error:      fmt.Sprintf("dependency %s did not succeed", blocked),
					StartedAt:  time.Now().UTC(),
					FinishedAt: time.Now().UTC(),
				}
				if _, err := o.log.Append(sessionID, chronolog.EventStepFailed, map[string]interface{}{
					"step_id": step.ID,
					"status":  StepSkipped,
					"reason":  sr.Error,
				}); err != nil {
					fatal = err
					break
				}
				mu.Lock()
				results[step.ID] = sr
				mu.Unlock()
				continue
			}

			g.Go(func() error {
				return o.runStep(gctx, sessionID, step, tracker, &mu, results)
			})
		}

		if err := g.Wait(); err != nil {
			fatal = err
		}
		if fatal != nil {
			break
		}
	}

	res.Steps = orderedResults(plan, results)
	res.TotalCost = tracker.TotalCost()

	if fatal != nil {
		o.logger.Error("session aborted", zap.String("session", sessionID), zap.Error(fatal))
		o.persist(sessionID, plan, res)
		return res, fatal
	}

	res.Status = StatusSucceeded
	for _, sr := range res.Steps {
		if sr.Status != StepSucceeded {
			res.Status = StatusPartial
			break
		}
	}

	if _, err := o.log.Append(sessionID, chronolog.EventSessionEnd, map[string]interface{}{
		"status":         res.Status,
		"total_cost_usd": res.TotalCost,
	}); err != nil {
		res.Status = StatusAborted
		o.persist(sessionID, plan, res)
		return res, err
	}

	if o.cfg.OutputDir != "" {
		if err := tracker.WriteFile(o.cfg.OutputDir); err != nil {
			o.logger.Error("failed to write usage summary", zap.Error(err))
		}
	}
	o.persist(sessionID, plan, res)

	o.logger.Info("session finished",
		zap.String("session", sessionID),
		zap.String("status", res.Status),
		zap.Float64("total_cost_usd", res.TotalCost))
	return res, nil
}

// runStep drives one step through call, optional sandbox execution, and
// logging. A non-nil return means a chronolog append failed and the session
// must abort; step-local failures are recorded and return nil.
func (o *Orchestrator) runStep(ctx context.Context, sessionID string, step StepSpec, tracker *usage.Tracker, mu *sync.Mutex, results map[string]*StepResult) error {
	sr := &StepResult{StepID: step.ID, Role: step.Role, StartedAt: time.Now().UTC()}
	defer func() {
		sr.FinishedAt = time.Now().UTC()
		mu.Lock()
		results[step.ID] = sr
		mu.Unlock()
	}()

	if _, err := o.log.Append(sessionID, chronolog.EventStepStart, map[string]interface{}{
		"step_id": step.ID,
		"role":    string(step.Role),
		"model":   step.Model,
	}); err != nil {
		sr.Status = StepFailed
		sr.Error = err.Error()
		return err
	}

	call, err := o.gateway.Execute(ctx, gateway.CallRequest{
		ModelID:      step.Model,
		Prompt:       step.Prompt,
		SystemPrompt: step.SystemPrompt(),
		MaxTokens:    step.MaxTokens,
		SessionID:    sessionID,
		StepID:       step.ID,
	})
	if err != nil {
		sr.Status = StepFailed
		sr.Error = err.Error()
		return err
	}

	sr.ModelUsed = call.ModelUsed
	sr.Attempts = call.Attempts
	sr.TokensIn = call.TokensIn
	sr.TokensOut = call.TokensOut
	sr.Cost = call.Cost
	tracker.Record(call.ModelUsed, call.Provider, step.ID, call.TokensIn, call.TokensOut, call.Cost)

	if _, err := o.log.Append(sessionID, chronolog.EventCallResult, map[string]interface{}{
		"step_id":    step.ID,
		"model_used": call.ModelUsed,
		"success":    call.Success,
		"attempts":   call.Attempts,
		"tokens_in":  call.TokensIn,
		"tokens_out": call.TokensOut,
		"cost_usd":   call.Cost,
		"err_kind":   string(call.ErrKind),
	}); err != nil {
		sr.Status = StepFailed
		sr.Error = err.Error()
		return err
	}

	if !call.Success {
		sr.Status = StepFailed
		sr.Error = call.ErrMessage
		return o.failStep(sessionID, step.ID, string(call.ErrKind), call.ErrMessage)
	}
	sr.Output = call.Content

	if code, ok := ExtractCode(call.Content); ok {
		sres := o.sandbox.Run(ctx, sandbox.Job{
			Code: code,
			Bindings: map[string]interface{}{
				"step_id": step.ID,
			},
		})
		if _, err := o.log.Append(sessionID, chronolog.EventSandboxExec, map[string]interface{}{
			"step_id":      step.ID,
			"success":      sres.Success,
			"err_kind":     string(sres.ErrKind),
			"return_value": fmt.Sprintf("%v", sres.ReturnValue),
			"wall_time_ms": sres.WallTime.Milliseconds(),
		}); err != nil {
			sr.Status = StepFailed
			sr.Error = err.Error()
			return err
		}
		if !sres.Success {
			sr.Status = StepFailed
			sr.Error = fmt.Sprintf("sandbox %s: %s", sres.ErrKind, sres.ErrMessage)
			return o.failStep(sessionID, step.ID, string(sres.ErrKind), sres.ErrMessage)
		}
		sr.SandboxValue = sres.ReturnValue
		sr.SandboxStdout = sres.Stdout
	}

	if _, err := o.log.Append(sessionID, chronolog.EventStepComplete, map[string]interface{}{
		"step_id":    step.ID,
		"model_used": sr.ModelUsed,
		"cost_usd":   sr.Cost,
	}); err != nil {
		sr.Status = StepFailed
		sr.Error = err.Error()
		return err
	}
	sr.Status = StepSucceeded
	return nil
}

// failStep records a step-local failure. The step_failed event is part of
// the audit trail, so its append failure is still fatal.
func (o *Orchestrator) failStep(sessionID, stepID, kind, msg string) error {
	o.logger.Warn("step failed",
		zap.String("session", sessionID),
		zap.String("step", stepID),
		zap.String("kind", kind))
	_, err := o.log.Append(sessionID, chronolog.EventStepFailed, map[string]interface{}{
		"step_id": stepID,
		"status":  StepFailed,
		"kind":    kind,
		"error":   msg,
	})
	return err
}

// blockedBy returns the id of the first dependency that did not succeed,
// or "" when the step may run. Caller holds mu.
func blockedBy(step StepSpec, results map[string]*StepResult) string {
	for _, dep := range step.DependsOn {
		r, ok := results[dep]
		if !ok || r.Status != StepSucceeded {
			return dep
		}
	}
	return ""
}

func orderedResults(plan *Plan, results map[string]*StepResult) []StepResult {
	out := make([]StepResult, 0, len(results))
	for _, s := range plan.Steps {
		if r, ok := results[s.ID]; ok {
			out = append(out, *r)
		}
	}
	return out
}

// persist mirrors the outcome into sqlite for post-run inspection. Best
// effort: the chronolog already holds the authoritative record.
func (o *Orchestrator) persist(sessionID string, plan *Plan, res SessionResult) {
	if o.stepStore == nil {
		return
	}
	if err := o.stepStore.SaveSession(store.SessionRecord{
		SessionID:    sessionID,
		CreatedAt:    time.Now().UTC(),
		Status:       res.Status,
		TotalCostUSD: res.TotalCost,
	}); err != nil {
		o.logger.Error("failed to persist session", zap.Error(err))
		return
	}
	for _, sr := range res.Steps {
		if err := o.stepStore.SaveStep(store.StepRecord{
			SessionID:  sessionID,
			StepID:     sr.StepID,
			Role:       string(sr.Role),
			ModelUsed:  sr.ModelUsed,
			Status:     sr.Status,
			Attempts:   sr.Attempts,
			TokensIn:   sr.TokensIn,
			TokensOut:  sr.TokensOut,
			CostUSD:    sr.Cost,
			Output:     sr.Output,
			Error:      sr.Error,
			StartedAt:  sr.StartedAt,
			FinishedAt: sr.FinishedAt,
		}); err != nil {
			o.logger.Error("failed to persist step", zap.String("step", sr.StepID), zap.Error(err))
		}
	}
}
