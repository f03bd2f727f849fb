// internal/engine/engine.go

// Package engine owns the per-session control loop: observe the page, ask the
// decision oracle for one action, run it through the anti-loop guard and the
// browser driver, record the outcome, repeat until a terminal state or the
// step budget. One engine drives exactly one session, sequentially.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielgoes1996/facturabot/api/schemas"
	"github.com/danielgoes1996/facturabot/internal/browser"
	"github.com/danielgoes1996/facturabot/internal/config"
)

// VisualOutcome is what the coordinate-action fallback loop reports back.
type VisualOutcome struct {
	Summary     string
	Completed   bool
	NeedsReview bool
	Steps       []schemas.StepRecord
}

// VisualRunner drives the vision fallback for pages where no usable selectors
// can be derived. Optional; a nil runner disables the fallback.
type VisualRunner interface {
	Run(ctx context.Context, task schemas.TaskPayload, startStep int) (VisualOutcome, error)
}

// Engine is the orchestrator for one task run.
type Engine struct {
	driver browser.Driver
	oracle schemas.DecisionOracle
	visual VisualRunner
	cfg    config.EngineConfig
	logger *zap.Logger

	sessionID string
	sm        *StateMachine
	memory    *ElementMemory
	executor  *Executor
	ledger    *Ledger

	knownDomains   map[string]bool
	stagnation     int
	emptyCandidate int
}

// New builds an engine over a live driver. The driver is owned by the engine
// from here on and is always closed when Run returns.
func New(driver browser.Driver, oracle schemas.DecisionOracle, visual VisualRunner,
	cfg config.EngineConfig, logger *zap.Logger) *Engine {
	sessionID := uuid.NewString()
	logger = logger.Named("engine").With(zap.String("session_id", sessionID))
	memory := NewElementMemory()
	return &Engine{
		driver:       driver,
		oracle:       oracle,
		visual:       visual,
		cfg:          cfg,
		logger:       logger,
		sessionID:    sessionID,
		sm:           NewStateMachine(logger),
		memory:       memory,
		executor:     NewExecutor(driver, memory, logger),
		ledger:       NewLedger(sessionID, cfg.ArtifactDir, logger),
		knownDomains: make(map[string]bool),
	}
}

// SessionID returns the run's identifier.
func (e *Engine) SessionID() string { return e.sessionID }

// Run drives the task to a terminal state and always returns a RunResult; no
// driver error or oracle failure escapes as a panic or raw error. The browser
// context is closed before returning.
func (e *Engine) Run(ctx context.Context, task schemas.TaskPayload) schemas.RunResult {
	defer func() {
		if err := e.driver.Close(); err != nil {
			e.logger.Warn("Error closing browser session", zap.Error(err))
		}
	}()

	e.logger.Info("Run starting",
		zap.String("task_id", task.TaskID),
		zap.String("target_url", task.TargetURL),
		zap.Int("step_budget", e.cfg.MaxSteps),
	)

	if err := e.openTarget(ctx, task); err != nil {
		if ctx.Err() != nil {
			return e.finish(schemas.StateError, "cancelled")
		}
		e.sm.Transition(schemas.StateError, fmt.Sprintf("target unreachable: %v", err))
		return e.finish(schemas.StateError, fmt.Sprintf("could not open target portal: %v", err))
	}
	e.executor.PrimeObservation(ctx)
	e.noteDomain(ctx)

	for step := 0; step < e.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			return e.cancelled(step)
		}

		rec, terminal := e.step(ctx, task, step)
		if ctx.Err() != nil && !terminal {
			return e.cancelled(step)
		}
		e.ledger.Append(rec)

		if terminal {
			return e.finish(e.sm.Current(), rec.Action.Reason)
		}

		if err := e.settle(ctx); err != nil {
			return e.cancelled(step + 1)
		}
	}

	// Budget spent while non-terminal: synthetic error, run ends at the
	// budget, not one step past it.
	e.sm.Transition(schemas.StateError, "step budget exhausted")
	e.captureArtifact(context.WithoutCancel(ctx), e.ledger.Len()-1, "error")
	return e.finish(schemas.StateError, "step budget exhausted")
}

// step runs one observe-decide-execute iteration and reports whether the run
// reached a terminal state.
func (e *Engine) step(ctx context.Context, task schemas.TaskPayload, index int) (schemas.StepRecord, bool) {
	start := time.Now()
	state := e.sm.Current()
	rec := schemas.StepRecord{Index: index, State: state}

	currentURL, _ := e.driver.CurrentURL(ctx)
	dom, domErr := e.driver.DOMSnapshot(ctx)
	if domErr != nil {
		e.logger.Warn("DOM snapshot failed", zap.Error(domErr))
	}

	candidates, err := ExtractCandidates(dom, 40)
	if err != nil {
		e.logger.Warn("Candidate extraction failed", zap.Error(err))
	}

	// Selector-free pages; hand over to the vision loop when available.
	if len(candidates) == 0 && domErr == nil {
		e.emptyCandidate++
		if e.visual != nil && e.emptyCandidate >= 2 {
			return e.runVisualFallback(ctx, task, index, start)
		}
	} else {
		e.emptyCandidate = 0
	}

	pc := BuildPrompt(state, e.sm.AllowedNext(), currentURL, dom, candidates, task,
		index, e.cfg.MaxSteps, e.ledger.Summaries(6))

	decision, err := e.oracle.Decide(ctx, pc)
	if err != nil {
		if ctx.Err() != nil {
			rec.Duration = time.Since(start)
			return rec, false
		}
		decision = schemas.Decision{
			Action:    schemas.ErrorAction(fmt.Sprintf("decision backend failed: %v", err)),
			Backend:   "none",
			Malformed: true,
		}
	}

	action := decision.Action
	if err := action.Validate(); err != nil {
		action = schemas.ErrorAction(fmt.Sprintf("invalid action from %s: %v", decision.Backend, err))
		decision.Malformed = true
	}
	rec.Action = action

	e.logger.Info("Step decided",
		zap.Int("step", index),
		zap.String("state", string(state)),
		zap.String("backend", decision.Backend),
		zap.String("action", string(action.Type)),
		zap.String("selector", action.Selector),
		zap.Float64("confidence", action.Confidence),
	)

	switch action.Type {
	case schemas.ActionDone:
		e.sm.Complete(action.Reason)
		rec.Success = true
		rec.URLBefore = currentURL
		rec.URLAfter = currentURL
		rec.ScreenshotRef = e.captureArtifact(ctx, index, "final")
		rec.Duration = time.Since(start)
		return rec, true

	case schemas.ActionError:
		rec.URLBefore = currentURL
		rec.URLAfter = currentURL
		rec.Error = action.Reason
		rec.Duration = time.Since(start)
		// A reply the backend could not turn into a real decision costs
		// this turn only; the run keeps its budget. A deliberate ERROR
		// decision ends the run.
		if decision.Malformed {
			e.logger.Warn("Unusable decision, turn forfeited",
				zap.Int("step", index),
				zap.String("backend", decision.Backend),
				zap.String("reason", action.Reason),
			)
			return rec, false
		}
		e.sm.Transition(schemas.StateError, action.Reason)
		rec.ScreenshotRef = e.captureArtifact(ctx, index, "error")
		return rec, true
	}

	res := e.executor.Execute(ctx, action, index)
	rec.Success = res.Success
	rec.URLBefore = res.URLBefore
	rec.URLAfter = res.URLAfter
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	rec.ScreenshotRef = e.captureArtifact(ctx, index, "after")
	rec.Duration = time.Since(start)

	e.trackStagnation(res)
	if e.stagnation >= e.cfg.StagnationLimit {
		e.sm.Transition(schemas.StateError, "no page progress across consecutive steps")
		rec.Error = joinNonEmpty(rec.Error, "stagnation limit reached")
		return rec, true
	}

	if res.NewPage {
		e.reanchor(ctx)
	}
	e.noteDomain(ctx)

	// The oracle may propose a phase change; invalid edges are dropped by
	// the machine itself.
	if action.NextState != "" && action.NextState != state {
		e.sm.Transition(action.NextState, fmt.Sprintf("oracle: %s", action.Reason))
		if e.sm.Current().IsTerminal() {
			return rec, true
		}
	}

	return rec, false
}

func (e *Engine) runVisualFallback(ctx context.Context, task schemas.TaskPayload, index int, start time.Time) (schemas.StepRecord, bool) {
	e.logger.Info("No usable selectors, switching to coordinate loop", zap.Int("step", index))

	outcome, err := e.visual.Run(ctx, task, index)
	for _, s := range outcome.Steps {
		e.ledger.Append(s)
	}

	rec := schemas.StepRecord{
		Index:       index + len(outcome.Steps),
		State:       e.sm.Current(),
		NeedsReview: outcome.NeedsReview,
		Duration:    time.Since(start),
	}
	if err != nil {
		rec.Action = schemas.ErrorAction(fmt.Sprintf("coordinate loop failed: %v", err))
		e.sm.Transition(schemas.StateError, rec.Action.Reason)
		return rec, true
	}
	if outcome.Completed {
		rec.Action = schemas.Action{Type: schemas.ActionDone, Reason: outcome.Summary, Confidence: 1.0}
		rec.Success = true
		e.sm.Complete(outcome.Summary)
		rec.ScreenshotRef = e.captureArtifact(ctx, rec.Index, "final")
		return rec, true
	}
	rec.Action = schemas.ErrorAction(joinNonEmpty(outcome.Summary, "coordinate loop ended without completing the task"))
	e.sm.Transition(schemas.StateError, rec.Action.Reason)
	rec.ScreenshotRef = e.captureArtifact(ctx, rec.Index, "error")
	return rec, true
}

// openTarget navigates to the primary URL, falling back through the task's
// alternates in order.
func (e *Engine) openTarget(ctx context.Context, task schemas.TaskPayload) error {
	urls := append([]string{task.TargetURL}, task.AlternateURLs...)
	var lastErr error
	for _, u := range urls {
		if u == "" {
			continue
		}
		if err := e.driver.Navigate(ctx, u); err != nil {
			lastErr = err
			e.logger.Warn("Target URL unreachable, trying next", zap.String("url", u), zap.Error(err))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		e.captureArtifact(ctx, 0, "before")
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("task has no target url")
	}
	return lastErr
}

func (e *Engine) trackStagnation(res ExecutionResult) {
	if res.Progress {
		e.stagnation = 0
		return
	}
	e.stagnation++
	e.logger.Debug("No progress detected", zap.Int("stagnation", e.stagnation), zap.String("memory", e.memory.String()))
}

func (e *Engine) reanchor(ctx context.Context) {
	if err := browser.SwitchToRelevantPage(ctx, e.driver, e.logger, e.knownDomains); err != nil {
		e.logger.Warn("Failed to re-anchor on new page", zap.Error(err))
	}
}

func (e *Engine) noteDomain(ctx context.Context) {
	current, err := e.driver.CurrentURL(ctx)
	if err != nil {
		return
	}
	if u, err := url.Parse(current); err == nil && u.Hostname() != "" {
		e.knownDomains[u.Hostname()] = true
	}
}

// settle waits the configured delay between steps, abortable by cancellation.
func (e *Engine) settle(ctx context.Context) error {
	if e.cfg.SettleDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(e.cfg.SettleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) captureArtifact(ctx context.Context, stepIndex int, label string) string {
	data, err := e.driver.Screenshot(ctx)
	if err != nil {
		e.logger.Debug("Screenshot failed", zap.String("label", label), zap.Error(err))
		return ""
	}
	return e.ledger.SaveScreenshot(data, stepIndex, label)
}

func (e *Engine) cancelled(atStep int) schemas.RunResult {
	e.logger.Info("Run cancelled", zap.Int("step", atStep))
	e.sm.Transition(schemas.StateError, "cancelled")
	e.ledger.Append(schemas.StepRecord{
		Index:  atStep,
		State:  schemas.StateError,
		Action: schemas.ErrorAction("cancelled"),
	})
	return e.finish(schemas.StateError, "cancelled")
}

func (e *Engine) finish(state schemas.State, summary string) schemas.RunResult {
	success := state == schemas.StateDone
	if summary == "" {
		if success {
			summary = "document flow completed"
		} else {
			summary = "run ended without completing the document flow"
		}
	}
	e.logger.Info("Run finished",
		zap.Bool("success", success),
		zap.String("summary", summary),
		zap.Int("steps", e.ledger.Len()),
	)
	return schemas.RunResult{
		SessionID:   e.sessionID,
		Success:     success,
		Summary:     summary,
		Steps:       e.ledger.Steps(),
		Transitions: e.sm.History(),
		NeedsReview: e.ledger.NeedsReview(),
	}
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}
