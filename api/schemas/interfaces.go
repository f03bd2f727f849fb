// api/schemas/interfaces.go
package schemas

import "context"

// PromptContext is everything a decision backend may look at for one turn.
type PromptContext struct {
	State         State
	Instructions  string
	AllowedStates []State
	URL           string
	DOMExcerpt    string
	Candidates    []CandidateElement
	Task          TaskPayload
	StepIndex     int
	StepBudget    int
	// History carries short one-line summaries of recent steps so a backend
	// can avoid repeating itself.
	History []string
}

// Decision is a backend's answer for one turn.
type Decision struct {
	Action  Action
	Backend string
	// Malformed marks a reply that could not be parsed or validated into
	// an executable action. The engine records such a turn as a failed
	// step and keeps going; only a deliberate ERROR action ends the run.
	Malformed bool
}

// DecisionOracle is the pluggable component that, given page state, returns a
// structured next action. Both the rule backend and the model backend satisfy
// it; so does the failover chain that composes them.
type DecisionOracle interface {
	Decide(ctx context.Context, pc PromptContext) (Decision, error)
	Name() string
}

// GenerationRequest is the provider-agnostic payload for a text completion.
type GenerationRequest struct {
	SystemPrompt    string
	UserPrompt      string
	ForceJSONFormat bool
	Temperature     float32
}

// LLMClient abstracts a text-generation provider. Implementations may pool
// connections across sessions but hold no per-conversation state.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	Provider() string
}
