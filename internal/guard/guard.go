// Package guard enforces token-rate and spend budgets for provider calls.
//
// Admission is a two-step reserve/commit protocol: the gateway reserves an
// estimated token count before a call is issued and commits the actual usage
// (and cost) afterwards, so a call that fails before completion never double
// counts. Windows slide; committed tokens age out as time passes.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRateLimitExceeded is returned when admission cannot be granted within
// the caller's max wait.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrBudgetExhausted is returned when a session's cumulative spend has
// reached its configured ceiling.
var ErrBudgetExhausted = errors.New("session cost budget exhausted")

// Config holds guard tunables.
type Config struct {
	Window           time.Duration // sliding rate window per model
	SessionCostLimit float64       // USD ceiling per session, 0 = unlimited
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Window:           60 * time.Second,
		SessionCostLimit: 0,
	}
}

type tokenEntry struct {
	at     time.Time
	tokens int
}

// modelWindow tracks one model's sliding window. Each window has its own
// mutex so writers for different models never contend.
type modelWindow struct {
	mu       sync.Mutex
	limit    int // tokens per window, 0 = unlimited
	entries  []tokenEntry
	reserved int
}

type costState struct {
	cumulative float64
	limit      float64
}

// Guard is the shared rate/cost state for a session's provider calls.
type Guard struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex // guards the maps, not the per-model windows
	models   map[string]*modelWindow
	sessions map[string]*costState
}

// New creates a guard.
func New(cfg Config, logger *zap.Logger) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		cfg:      cfg,
		logger:   logger.Named("guard"),
		now:      time.Now,
		models:   make(map[string]*modelWindow),
		sessions: make(map[string]*costState),
	}
}

// EnsureModel registers a model's token-per-window limit. Idempotent; the
// gateway calls it with the descriptor's rate limit before reserving.
func (g *Guard) EnsureModel(modelID string, tokensPerWindow int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.models[modelID]; !ok {
		g.models[modelID] = &modelWindow{limit: tokensPerWindow}
	}
}

// StartSession initialises cost tracking for a session.
func (g *Guard) StartSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[sessionID]; !ok {
		g.sessions[sessionID] = &costState{limit: g.cfg.SessionCostLimit}
	}
}

func (g *Guard) window(modelID string) *modelWindow {
	g.mu.RLock()
	w, ok := g.models[modelID]
	g.mu.RUnlock()
	if ok {
		return w
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok = g.models[modelID]; !ok {
		w = &modelWindow{}
		g.models[modelID] = w
	}
	return w
}

// prune drops entries that have aged out of the window. Caller holds w.mu.
func (w *modelWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(w.entries); i++ {
		if w.entries[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *modelWindow) used() int {
	total := 0
	for _, e := range w.entries {
		total += e.tokens
	}
	return total
}

// Reservation is an admitted-but-uncommitted token claim against one model
// window. Exactly one of Commit or Release must be called.
type Reservation struct {
	guard     *Guard
	window    *modelWindow
	modelID   string
	sessionID string
	estimated int
	settled   bool
}

// TryReserve attempts immediate admission for an estimated token count.
func (g *Guard) TryReserve(modelID, sessionID string, estimated int) (*Reservation, bool) {
	if err := g.checkBudget(sessionID); err != nil {
		return nil, false
	}

	w := g.window(modelID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(g.now(), g.cfg.Window)
	if w.limit > 0 && w.used()+w.reserved+estimated > w.limit {
		return nil, false
	}
	w.reserved += estimated
	return &Reservation{
		guard:     g,
		window:    w,
		modelID:   modelID,
		sessionID: sessionID,
		estimated: estimated,
	}, true
}

// Reserve blocks until admission is granted, maxWait elapses, or ctx is
// cancelled. A maxWait of zero means do not wait beyond the first attempt.
func (g *Guard) Reserve(ctx context.Context, modelID, sessionID string, estimated int, maxWait time.Duration) (*Reservation, error) {
	if err := g.checkBudget(sessionID); err != nil {
		return nil, err
	}

	deadline := g.now().Add(maxWait)
	for {
		if res, ok := g.TryReserve(modelID, sessionID, estimated); ok {
			return res, nil
		}
		if maxWait <= 0 || !g.now().Before(deadline) {
			g.logger.Warn("admission refused",
				zap.String("model", modelID),
				zap.Int("estimated_tokens", estimated),
				zap.Duration("max_wait", maxWait))
			return nil, fmt.Errorf("%w: model %s estimated %d tokens", ErrRateLimitExceeded, modelID, estimated)
		}

		wait := g.nextRetryDelay(modelID)
		if remaining := deadline.Sub(g.now()); wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// nextRetryDelay estimates how long until window capacity can free up: the
// age-out time of the oldest entry, clamped to a small polling floor.
func (g *Guard) nextRetryDelay(modelID string) time.Duration {
	w := g.window(modelID)
	w.mu.Lock()
	defer w.mu.Unlock()

	const floor = 25 * time.Millisecond
	if len(w.entries) == 0 {
		return floor
	}
	until := w.entries[0].at.Add(g.cfg.Window).Sub(g.now())
	if until < floor {
		return floor
	}
	return until
}

// Commit records actual consumption and spend, releasing the reservation.
// Failed calls that were still charged commit their actual tokens; calls the
// provider never charged commit zero.
func (r *Reservation) Commit(actualTokens int, cost float64) {
	if r.settled {
		return
	}
	r.settled = true

	r.window.mu.Lock()
	r.window.reserved -= r.estimated
	if r.window.reserved < 0 {
		r.window.reserved = 0
	}
	if actualTokens > 0 {
		r.window.entries = append(r.window.entries, tokenEntry{at: r.guard.now(), tokens: actualTokens})
	}
	r.window.mu.Unlock()

	if cost > 0 {
		r.guard.addCost(r.sessionID, cost)
	}
}

// Release drops the reservation without recording consumption.
func (r *Reservation) Release() {
	r.Commit(0, 0)
}

func (g *Guard) addCost(sessionID string, cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		s = &costState{limit: g.cfg.SessionCostLimit}
		g.sessions[sessionID] = s
	}
	s.cumulative += cost
	if s.limit > 0 && s.cumulative >= s.limit {
		g.logger.Warn("session budget exhausted",
			zap.String("session", sessionID),
			zap.Float64("cumulative_usd", s.cumulative),
			zap.Float64("limit_usd", s.limit))
	}
}

func (g *Guard) checkBudget(sessionID string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[sessionID]
	if !ok || s.limit <= 0 {
		return nil
	}
	if s.cumulative >= s.limit {
		return fmt.Errorf("%w: session %s spent %.4f of %.4f USD", ErrBudgetExhausted, sessionID, s.cumulative, s.limit)
	}
	return nil
}

// RemainingBudget reports the session's remaining spend in USD.
// Sessions without a configured limit return -1.
func (g *Guard) RemainingBudget(sessionID string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return -1
	}
	if s.limit <= 0 {
		return -1
	}
	remaining := s.limit - s.cumulative
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SessionCost reports cumulative spend for a session.
func (g *Guard) SessionCost(sessionID string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if s, ok := g.sessions[sessionID]; ok {
		return s.cumulative
	}
	return 0
}

// WindowUsage reports committed and reserved tokens in the current window.
func (g *Guard) WindowUsage(modelID string) (committed, reserved int) {
	w := g.window(modelID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(g.now(), g.cfg.Window)
	return w.used(), w.reserved
}
