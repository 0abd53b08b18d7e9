// Package policy gates every invoke call before it reaches a child server:
// caller authentication, blocked-command enforcement, concurrency and
// sliding-window rate limits, and token-budget accounting.
//
// Decisions are deterministic and side-effect-free except for counter
// mutation, which is the only shared state and is serialized per definition.
package policy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/getfleetd/fleetd/internal/clock"
	"github.com/getfleetd/fleetd/pkg/config"
	"github.com/getfleetd/fleetd/pkg/logging"
)

// Call describes one invoke attempt presented at the gate.
type Call struct {
	// Operation is the literal command/operation name.
	Operation string

	// Cost is the declared token cost of the call. Zero-cost calls skip
	// budget accounting.
	Cost int

	// Credential is the caller's API key or bearer token, empty when the
	// caller sent none.
	Credential string
}

// Snapshot is a read-only view of a definition's policy counters.
type Snapshot struct {
	DefinitionID    string    `json:"definitionId"`
	InFlight        int       `json:"inFlight"`
	WindowCount     int       `json:"windowCount"`
	RemainingBudget int       `json:"remainingBudget"`
	BudgetLimit     int       `json:"budgetLimit"`
	BudgetResetsAt  time.Time `json:"budgetResetsAt,omitempty"`
}

// Engine enforces per-definition security policy. Safe for concurrent use.
type Engine struct {
	auth        *Authenticator
	clock       clock.Clock
	resetPeriod time.Duration
	log         *slog.Logger

	mu     sync.Mutex
	states map[string]*defState
}

// defState holds one definition's counters. Guarded by Engine.mu; per-key
// contention is negligible because the critical sections are counter updates.
type defState struct {
	window   *slidingWindow
	budget   *tokenBudget
	inFlight int
}

// Option configures the Engine.
type Option func(*Engine)

// WithClock injects a clock, used by tests to drive window and budget time.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithBudgetResetPeriod overrides the default daily budget reset.
func WithBudgetResetPeriod(period time.Duration) Option {
	return func(e *Engine) {
		if period > 0 {
			e.resetPeriod = period
		}
	}
}

// NewEngine creates a policy engine using the given authenticator.
func NewEngine(auth *Authenticator, opts ...Option) *Engine {
	e := &Engine{
		auth:        auth,
		clock:       clock.Real{},
		resetPeriod: config.DefaultBudgetResetPeriod,
		log:         logging.Nop(),
		states:      make(map[string]*defState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize gates one invoke call against the definition's policy. Checks
// run in a fixed order: authentication, blocked commands, concurrency,
// request rate, token budget; the first failure wins and later counters are
// untouched. On success the returned release func must be called when the
// call completes to free its concurrency slot.
func (e *Engine) Authorize(def *config.ServerDefinition, call Call) (release func(), err error) {
	if def.Security.RequireAuth {
		if err := e.auth.Verify(call.Credential); err != nil {
			e.log.Warn("caller authentication rejected", "definition", def.ID)
			return nil, ErrAuthFailure
		}
	}

	for _, pattern := range def.Security.BlockedCommands {
		if ok, _ := doublestar.Match(pattern, call.Operation); ok {
			e.log.Warn("blocked command rejected",
				"definition", def.ID,
				"operation", call.Operation,
				"pattern", pattern,
			)
			return nil, ErrPolicyViolation
		}
	}

	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked(def)

	if max := def.Security.MaxConcurrent; max > 0 && st.inFlight >= max {
		e.log.Warn("concurrency limit rejected", "definition", def.ID, "inFlight", st.inFlight)
		return nil, ErrRateLimitExceeded
	}

	if !st.window.allow(now) {
		e.log.Warn("request rate rejected", "definition", def.ID)
		return nil, ErrRateLimitExceeded
	}

	if !st.budget.debit(now, call.Cost) {
		e.log.Warn("token budget rejected",
			"definition", def.ID,
			"cost", call.Cost,
			"remaining", st.budget.remaining,
		)
		return nil, ErrTokenBudgetExceeded
	}

	st.inFlight++
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			st.inFlight--
			e.mu.Unlock()
		})
	}, nil
}

// Snapshot returns the current counters for a definition.
func (e *Engine) Snapshot(def *config.ServerDefinition) Snapshot {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked(def)
	st.budget.rollover(now)

	snap := Snapshot{
		DefinitionID:    def.ID,
		InFlight:        st.inFlight,
		WindowCount:     st.window.count(now.Unix()),
		RemainingBudget: st.budget.remaining,
		BudgetLimit:     st.budget.limit,
	}
	if st.budget.limit > 0 {
		snap.BudgetResetsAt = st.budget.resetAt
	}
	return snap
}

// ResetBudget refills a definition's token budget (operator action).
func (e *Engine) ResetBudget(def *config.ServerDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateLocked(def).budget.reset(e.clock.Now())
}

// Forget drops all counters for a definition, called when it is deleted.
func (e *Engine) Forget(definitionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, definitionID)
}

// Invalidate rebuilds counters after a definition's security section changed.
// The new limits take effect with fresh windows and a full budget.
func (e *Engine) Invalidate(def *config.ServerDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, def.ID)
	e.stateLocked(def)
}

// stateLocked returns the definition's state, creating it on first use.
// Caller holds e.mu.
func (e *Engine) stateLocked(def *config.ServerDefinition) *defState {
	st, ok := e.states[def.ID]
	if !ok {
		st = &defState{
			window: newSlidingWindow(def.Security.RequestsPerMinute),
			budget: newTokenBudget(def.Security.TokenBudget, e.resetPeriod, e.clock.Now()),
		}
		e.states[def.ID] = st
	}
	return st
}
