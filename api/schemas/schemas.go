// api/schemas/schemas.go
package schemas

import (
	"fmt"
	"time"
)

// State represents a phase of the portal traversal. The engine starts in
// StateNavigation and drives toward StateDone; StateDone and StateError are
// terminal.
type State string

const (
	StateNavigation     State = "NAVIGATION"
	StateAuthentication State = "AUTHENTICATION"
	StateFormFilling    State = "FORM_FILLING"
	StateConfirmation   State = "CONFIRMATION"
	StateDone           State = "DONE"
	StateError          State = "ERROR"
)

// IsTerminal reports whether the state ends the run.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateError
}

// ActionType enumerates the closed set of actions a decision backend may emit.
type ActionType string

const (
	ActionClick    ActionType = "CLICK"
	ActionInput    ActionType = "INPUT"
	ActionScroll   ActionType = "SCROLL"
	ActionNavigate ActionType = "NAVIGATE"
	ActionWait     ActionType = "WAIT"
	ActionKeyCombo ActionType = "KEY_COMBO"
	ActionDone     ActionType = "DONE"
	ActionError    ActionType = "ERROR"
)

// Coordinate is a point in the oracle's normalized 0-1000 space. The executor
// denormalizes it against the live viewport before dispatching input.
type Coordinate struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Action is the single wire contract the engine owns. Exactly one of Selector
// or Coordinate identifies the target for CLICK/INPUT; the remaining fields
// are populated per type. Actions are immutable once emitted by a backend.
type Action struct {
	Type          ActionType  `json:"action"`
	Selector      string      `json:"selector,omitempty"`
	Coordinate    *Coordinate `json:"coordinate,omitempty"`
	Value         string      `json:"value,omitempty"`
	SubmitOnEnter bool        `json:"submit_on_enter,omitempty"`

	// Scroll parameters.
	Direction string `json:"direction,omitempty"`
	Magnitude int    `json:"magnitude,omitempty"`

	// Wait duration in milliseconds.
	DurationMs int `json:"duration_ms,omitempty"`

	// Keys for KEY_COMBO, e.g. ["Control", "Enter"].
	Keys []string `json:"keys,omitempty"`

	Reason     string  `json:"reason,omitempty"`
	NextState  State   `json:"next_state,omitempty"`
	Confidence float64 `json:"confidence"`
}

// ErrorAction builds the dedicated Error variant. Malformed or unknown
// decision shapes must be mapped through this, never surfaced as raw maps.
func ErrorAction(reason string) Action {
	return Action{Type: ActionError, Reason: reason, Confidence: 1.0}
}

// Validate normalizes the action and rejects shapes that cannot be executed.
// It never panics; callers map a returned error to an ERROR action.
func (a *Action) Validate() error {
	switch a.Type {
	case ActionClick:
		if a.Selector == "" && a.Coordinate == nil {
			return fmt.Errorf("CLICK requires a selector or coordinate")
		}
	case ActionInput:
		if a.Selector == "" && a.Coordinate == nil {
			return fmt.Errorf("INPUT requires a selector or coordinate")
		}
		if a.Value == "" {
			return fmt.Errorf("INPUT requires a value")
		}
	case ActionNavigate:
		if a.Value == "" {
			return fmt.Errorf("NAVIGATE requires a url value")
		}
	case ActionScroll:
		if a.Direction != "up" && a.Direction != "down" {
			return fmt.Errorf("SCROLL direction must be 'up' or 'down', got %q", a.Direction)
		}
		if a.Magnitude <= 0 {
			a.Magnitude = 600
		}
	case ActionWait:
		if a.DurationMs <= 0 {
			a.DurationMs = 1500
		}
	case ActionKeyCombo:
		if len(a.Keys) == 0 {
			return fmt.Errorf("KEY_COMBO requires at least one key")
		}
	case ActionDone, ActionError:
		// Summary/reason carried in Reason; nothing to validate.
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("confidence %f outside [0,1]", a.Confidence)
	}
	if a.NextState != "" {
		switch a.NextState {
		case StateNavigation, StateAuthentication, StateFormFilling, StateConfirmation, StateDone, StateError:
		default:
			return fmt.Errorf("unknown next_state %q", a.NextState)
		}
	}
	return nil
}

// CandidateType classifies a candidate element by interaction affordance.
type CandidateType string

const (
	CandidateLink    CandidateType = "link"
	CandidateButton  CandidateType = "button"
	CandidateInput   CandidateType = "input"
	CandidateGeneric CandidateType = "generic"
)

// CandidateElement is an ephemeral interaction target derived from the DOM at
// the start of an iteration. Candidates are never persisted across steps; the
// DOM may change under the engine at any time.
type CandidateElement struct {
	Type        CandidateType `json:"type"`
	Text        string        `json:"text"`
	Selector    string        `json:"selector"`
	Name        string        `json:"name,omitempty"`
	Placeholder string        `json:"placeholder,omitempty"`
	Href        string        `json:"href,omitempty"`
	Center      *Coordinate   `json:"center,omitempty"`
	Priority    float64       `json:"priority"`
}

// Transition is one edge of the state machine's append-only history.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// StepRecord captures one executed iteration for the external log store.
type StepRecord struct {
	Index         int           `json:"index"`
	State         State         `json:"state"`
	Action        Action        `json:"action"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	URLBefore     string        `json:"url_before"`
	URLAfter      string        `json:"url_after"`
	ScreenshotRef string        `json:"screenshot_ref,omitempty"`
	Duration      time.Duration `json:"duration"`
	// NeedsReview marks steps where an oracle safety checkpoint was
	// auto-acknowledged and a human should inspect the artifacts.
	NeedsReview bool `json:"needs_review,omitempty"`
}

// TaskPayload is the caller-supplied job: where to go and the fiscal data the
// portal will ask for.
type TaskPayload struct {
	TaskID        string            `json:"task_id"`
	TargetURL     string            `json:"target_url"`
	AlternateURLs []string          `json:"alternate_urls,omitempty"`
	TaxID         string            `json:"tax_id,omitempty"`
	Email         string            `json:"email,omitempty"`
	Total         string            `json:"total,omitempty"`
	Folio         string            `json:"folio,omitempty"`
	Date          string            `json:"date,omitempty"`
	FiscalProfile map[string]string `json:"fiscal_profile,omitempty"`
}

// RunResult is the terminal object handed back to the caller. The engine
// always returns one; driver failures never escape as panics or raw errors.
type RunResult struct {
	SessionID   string       `json:"session_id"`
	Success     bool         `json:"success"`
	Summary     string       `json:"summary"`
	Steps       []StepRecord `json:"steps"`
	Transitions []Transition `json:"transitions"`
	NeedsReview bool         `json:"needs_review,omitempty"`
}
