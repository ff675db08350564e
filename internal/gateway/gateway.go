// Package gateway issues logical completion calls against the model catalog,
// handling admission control, bounded retries, fallback substitution, and
// usage/cost extraction. Provider failures are reported as values in
// CallResult; only audit-trail write failures surface as errors, because
// those are fatal to the whole session.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chronolab/internal/guard"
	"chronolab/internal/registry"
)

// CallState is the per-call state machine position. Terminal states are
// StateSucceeded and StateFailed.
type CallState string

const (
	StatePending   CallState = "pending"
	StateCalling   CallState = "calling"
	StateRetrying  CallState = "retrying"
	StateFallback  CallState = "fallback"
	StateSucceeded CallState = "succeeded"
	StateFailed    CallState = "failed"
)

// CallRequest describes one logical completion call.
type CallRequest struct {
	ModelID      string
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	SessionID    string
	StepID       string
}

// CallResult is the immutable outcome of a logical call.
type CallResult struct {
	Content    string
	ModelUsed  string
	Provider   string
	TokensIn   int
	TokensOut  int
	Cost       float64
	Success    bool
	ErrKind    ErrorKind
	ErrMessage string
	Attempts   int
}

// AttemptRecord describes a single provider attempt for the audit trail.
type AttemptRecord struct {
	StepID     string    `json:"step_id,omitempty"`
	Model      string    `json:"model"`
	Provider   string    `json:"provider"`
	Attempt    int       `json:"attempt"`
	State      CallState `json:"state"`
	Fallback   bool      `json:"fallback"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	Cost       float64   `json:"cost"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Recorder receives one record per provider attempt before the result is
// surfaced to the caller. A recorder failure aborts the call.
type Recorder interface {
	RecordAttempt(sessionID string, rec AttemptRecord) error
}

// Config holds gateway tunables.
type Config struct {
	MaxRetries       int           // retries per model beyond the first attempt
	BackoffBase      time.Duration // first backoff delay
	BackoffCap       time.Duration // ceiling for the exponential curve
	MaxAdmissionWait time.Duration // how long to wait for rate-window admission
	DefaultMaxTokens int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		BackoffBase:      100 * time.Millisecond,
		BackoffCap:       5 * time.Second,
		MaxAdmissionWait: 30 * time.Second,
		DefaultMaxTokens: 4096,
	}
}

// Gateway routes logical calls to providers under guard constraints.
type Gateway struct {
	cfg       Config
	registry  *registry.Registry
	guard     *guard.Guard
	providers ProviderSet
	recorder  Recorder
	logger    *zap.Logger
}

// New creates a gateway. recorder may be nil when no audit trail is wanted
// (tests); the orchestrator always supplies one.
func New(cfg Config, reg *registry.Registry, g *guard.Guard, providers ProviderSet, recorder Recorder, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:       cfg,
		registry:  reg,
		guard:     g,
		providers: providers,
		recorder:  recorder,
		logger:    logger.Named("gateway"),
	}
}

// Execute runs the full retry/fallback sequence for one logical call.
// The returned error is non-nil only when the attempt recorder fails, which
// callers must treat as fatal to the session.
func (gw *Gateway) Execute(ctx context.Context, req CallRequest) (CallResult, error) {
	tried := make(map[string]bool)
	attempts := 0
	fallback := false

	desc, err := gw.registry.Resolve(req.ModelID)
	if err != nil {
		return CallResult{
			Success:    false,
			ErrKind:    ErrKindFatalProvider,
			ErrMessage: err.Error(),
		}, nil
	}

	for desc != nil {
		tried[desc.ModelID] = true

		res, done, recErr := gw.callModel(ctx, desc, req, fallback, &attempts)
		if recErr != nil {
			return CallResult{}, recErr
		}
		if done {
			return res, nil
		}

		next := gw.registry.FallbackFor(desc.ModelID, tried)
		if next == nil {
			gw.logger.Warn("all fallbacks exhausted",
				zap.String("model", req.ModelID),
				zap.String("last_model", desc.ModelID),
				zap.Int("attempts", attempts))
			res.ErrKind = ErrKindFatalProvider
			res.Attempts = attempts
			return res, nil
		}

		gw.logger.Info("substituting fallback model",
			zap.String("from", desc.ModelID),
			zap.String("to", next.ModelID))
		fallback = true
		desc = next
	}

	// Unreachable: Resolve succeeded, so the loop runs at least once.
	return CallResult{Success: false, ErrKind: ErrKindFatalProvider, ErrMessage: "no model available"}, nil
}

// callModel runs the retry loop against a single model. done=false means the
// model is exhausted and the caller should try a fallback; the returned
// CallResult then carries the last failure for reporting.
func (gw *Gateway) callModel(ctx context.Context, desc *registry.ModelDescriptor, req CallRequest, fallback bool, attempts *int) (CallResult, bool, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = gw.cfg.DefaultMaxTokens
	}

	gw.guard.EnsureModel(desc.ModelID, desc.RateLimitTPM)
	estimated := estimateTokens(req.SystemPrompt) + estimateTokens(req.Prompt) + maxTokens

	reservation, err := gw.guard.Reserve(ctx, desc.ModelID, req.SessionID, estimated, gw.cfg.MaxAdmissionWait)
	if err != nil {
		kind := kindForAdmissionErr(err)
		// Admission refusal is terminal for the whole logical call, not just
		// this model: the budget/window state will not improve mid-call.
		return CallResult{
			Success:    false,
			ModelUsed:  desc.ModelID,
			ErrKind:    kind,
			ErrMessage: err.Error(),
			Attempts:   *attempts,
		}, true, nil
	}

	provider, err := gw.providers.Get(desc.Provider)
	if err != nil {
		reservation.Release()
		if recErr := gw.recordAttempt(req, desc, *attempts+1, StateFailed, fallback, nil, 0, 0, err); recErr != nil {
			return CallResult{}, false, recErr
		}
		*attempts++
		return CallResult{
			Success:    false,
			ModelUsed:  desc.ModelID,
			ErrMessage: err.Error(),
			Attempts:   *attempts,
		}, false, nil
	}

	var lastErr error
	for attempt := 0; attempt <= gw.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := gw.backoff(ctx, attempt); err != nil {
				reservation.Release()
				return CallResult{
					Success:    false,
					ModelUsed:  desc.ModelID,
					ErrKind:    ErrKindCancelled,
					ErrMessage: err.Error(),
					Attempts:   *attempts,
				}, true, nil
			}
		}

		*attempts++
		start := time.Now()
		resp, err := provider.Complete(ctx, ProviderRequest{
			Model:        desc.ModelID,
			SystemPrompt: req.SystemPrompt,
			Prompt:       req.Prompt,
			MaxTokens:    maxTokens,
		})
		elapsed := time.Since(start)

		if err == nil {
			cost := float64(resp.TokensIn)*desc.CostPerInputToken + float64(resp.TokensOut)*desc.CostPerOutputToken
			if recErr := gw.recordAttempt(req, desc, *attempts, StateSucceeded, fallback, resp, cost, elapsed, nil); recErr != nil {
				reservation.Release()
				return CallResult{}, false, recErr
			}
			reservation.Commit(resp.TokensIn+resp.TokensOut, cost)
			return CallResult{
				Content:   resp.Content,
				ModelUsed: desc.ModelID,
				Provider:  desc.Provider,
				TokensIn:  resp.TokensIn,
				TokensOut: resp.TokensOut,
				Cost:      cost,
				Success:   true,
				Attempts:  *attempts,
			}, true, nil
		}

		lastErr = err
		state := StateRetrying
		if attempt == gw.cfg.MaxRetries || !retryable(err) {
			state = StateFailed
		}
		if recErr := gw.recordAttempt(req, desc, *attempts, state, fallback, nil, 0, elapsed, err); recErr != nil {
			reservation.Release()
			return CallResult{}, false, recErr
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			reservation.Release()
			return CallResult{
				Success:    false,
				ModelUsed:  desc.ModelID,
				ErrKind:    ErrKindCancelled,
				ErrMessage: ctx.Err().Error(),
				Attempts:   *attempts,
			}, true, nil
		}
		if !retryable(err) {
			break
		}

		gw.logger.Debug("retrying provider call",
			zap.String("model", desc.ModelID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	// Retries exhausted on this model; the provider charged nothing we can
	// observe, so release rather than commit.
	reservation.Release()
	return CallResult{
		Success:    false,
		ModelUsed:  desc.ModelID,
		ErrMessage: lastErr.Error(),
		Attempts:   *attempts,
	}, false, nil
}

func (gw *Gateway) recordAttempt(req CallRequest, desc *registry.ModelDescriptor, attempt int, state CallState, fallback bool, resp *ProviderResponse, cost float64, elapsed time.Duration, callErr error) error {
	if gw.recorder == nil {
		return nil
	}
	rec := AttemptRecord{
		StepID:     req.StepID,
		Model:      desc.ModelID,
		Provider:   desc.Provider,
		Attempt:    attempt,
		State:      state,
		Fallback:   fallback,
		Cost:       cost,
		DurationMs: elapsed.Milliseconds(),
	}
	if resp != nil {
		rec.TokensIn = resp.TokensIn
		rec.TokensOut = resp.TokensOut
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	if err := gw.recorder.RecordAttempt(req.SessionID, rec); err != nil {
		return fmt.Errorf("failed to record call attempt: %w", err)
	}
	return nil
}

func (gw *Gateway) backoff(ctx context.Context, attempt int) error {
	delay := gw.cfg.BackoffBase << uint(attempt-1)
	if gw.cfg.BackoffCap > 0 && delay > gw.cfg.BackoffCap {
		delay = gw.cfg.BackoffCap
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// estimateTokens is a coarse pre-call token estimate used only for rate
// admission; actual usage comes from the provider response.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}
