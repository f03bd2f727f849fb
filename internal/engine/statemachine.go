// internal/engine/statemachine.go
package engine

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danielgoes1996/facturabot/api/schemas"
)

// allowedTransitions enumerates the directed edges of the traversal graph.
// Any state may additionally fail into StateError.
var allowedTransitions = map[schemas.State][]schemas.State{
	schemas.StateNavigation:     {schemas.StateAuthentication, schemas.StateFormFilling},
	schemas.StateAuthentication: {schemas.StateFormFilling},
	schemas.StateFormFilling:    {schemas.StateConfirmation},
	schemas.StateConfirmation:   {schemas.StateDone},
}

// StateMachine tracks the session's phase and records every transition in an
// append-only log. It holds no policy about how to act in a state.
type StateMachine struct {
	current schemas.State
	history []schemas.Transition
	logger  *zap.Logger
}

// NewStateMachine starts in StateNavigation.
func NewStateMachine(logger *zap.Logger) *StateMachine {
	return &StateMachine{
		current: schemas.StateNavigation,
		logger:  logger.Named("state_machine"),
	}
}

// Current returns the machine's state.
func (m *StateMachine) Current() schemas.State { return m.current }

// History returns a copy of the transition log.
func (m *StateMachine) History() []schemas.Transition {
	out := make([]schemas.Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Transition moves to next if the edge is allowed. Invalid transitions are
// logged as errors and ignored; the machine stays where it is and the run
// continues.
func (m *StateMachine) Transition(next schemas.State, reason string) bool {
	if !m.isAllowed(next) {
		m.logger.Error("Invalid state transition rejected",
			zap.String("from", string(m.current)),
			zap.String("to", string(next)),
			zap.String("reason", reason),
		)
		return false
	}

	m.history = append(m.history, schemas.Transition{
		From:      m.current,
		To:        next,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	m.logger.Info("State transition",
		zap.String("from", string(m.current)),
		zap.String("to", string(next)),
		zap.String("reason", reason),
	)
	m.current = next
	return true
}

func (m *StateMachine) isAllowed(next schemas.State) bool {
	if m.current.IsTerminal() {
		return false
	}
	if next == schemas.StateError {
		return true
	}
	for _, s := range allowedTransitions[m.current] {
		if s == next {
			return true
		}
	}
	return false
}

// Complete drives the machine forward through the remaining edges to
// StateDone. The graph is linear, so an early completion signal (the portal
// confirmed the document while we thought we were still filling forms) walks
// the intermediate states rather than jumping an invalid edge.
func (m *StateMachine) Complete(reason string) {
	order := []schemas.State{
		schemas.StateFormFilling, schemas.StateConfirmation, schemas.StateDone,
	}
	for _, next := range order {
		if m.current == schemas.StateDone {
			return
		}
		if m.isAllowed(next) {
			m.Transition(next, reason)
		}
	}
}

// AllowedNext lists the states reachable from the current one, including the
// universal error edge. Terminal states have no successors.
func (m *StateMachine) AllowedNext() []schemas.State {
	if m.current.IsTerminal() {
		return nil
	}
	next := append([]schemas.State{}, allowedTransitions[m.current]...)
	return append(next, schemas.StateError)
}

// stateInstructions is the per-phase guidance injected into prompts. Kept
// terse; the candidates and task data carry the specifics.
var stateInstructions = map[schemas.State]string{
	schemas.StateNavigation:     "Find the invoicing (facturación/CFDI) entry point and open it.",
	schemas.StateAuthentication: "Provide the requested credentials or receipt identifiers and submit.",
	schemas.StateFormFilling:    "Fill the fiscal data fields with the task data and advance the form.",
	schemas.StateConfirmation:   "Trigger document generation and verify the portal confirms it.",
}

// BuildPrompt assembles the oracle's view for one turn. Pure function: it
// reads its inputs and touches no machine state, so the same inputs always
// produce the same context.
func BuildPrompt(state schemas.State, allowed []schemas.State, url, domExcerpt string,
	candidates []schemas.CandidateElement, task schemas.TaskPayload,
	stepIndex, stepBudget int, history []string) schemas.PromptContext {
	return schemas.PromptContext{
		State:         state,
		Instructions:  stateInstructions[state],
		AllowedStates: allowed,
		URL:           url,
		DOMExcerpt:    domExcerpt,
		Candidates:    candidates,
		Task:          task,
		StepIndex:     stepIndex,
		StepBudget:    stepBudget,
		History:       history,
	}
}

// summarizeStep renders a one-line step summary for prompt history.
func summarizeStep(rec schemas.StepRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %d [%s] %s", rec.Index, rec.State, rec.Action.Type)
	if rec.Action.Selector != "" {
		fmt.Fprintf(&b, " %s", rec.Action.Selector)
	}
	if rec.Success {
		b.WriteString(" ok")
	} else {
		fmt.Fprintf(&b, " failed")
		if rec.Error != "" {
			fmt.Fprintf(&b, " (%s)", rec.Error)
		}
	}
	return b.String()
}
