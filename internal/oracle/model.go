// internal/oracle/model.go
package oracle

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/danielgoes1996/facturabot/api/schemas"
	"github.com/danielgoes1996/facturabot/internal/llmclient"
	"github.com/danielgoes1996/facturabot/internal/llmutil"
)

// ModelOracle asks a language model for the next action. The router behind
// it handles primary/secondary provider failover; this backend only errors
// when every provider does, which lets the caller fall through to rules.
type ModelOracle struct {
	router        *llmclient.Router
	logger        *zap.Logger
	maxCandidates int
	maxDOMChars   int
}

var _ schemas.DecisionOracle = (*ModelOracle)(nil)

// NewModelOracle wires the backend over an existing router. The router is
// pooled across sessions; this backend holds no per-conversation state.
func NewModelOracle(router *llmclient.Router, maxCandidates, maxDOMChars int, logger *zap.Logger) *ModelOracle {
	if maxCandidates <= 0 {
		maxCandidates = 12
	}
	if maxDOMChars <= 0 {
		maxDOMChars = 6000
	}
	return &ModelOracle{
		router:        router,
		logger:        logger.Named("oracle.model"),
		maxCandidates: maxCandidates,
		maxDOMChars:   maxDOMChars,
	}
}

// Name identifies the backend in step records and logs.
func (o *ModelOracle) Name() string { return "model" }

const decisionSystemPrompt = `You are an automation agent driving a web invoicing portal on behalf of a user.
You will be given the current phase, the page URL, a trimmed DOM excerpt, a numbered list of
interactive candidate elements, and the fiscal data available for the task.

Respond with EXACTLY ONE JSON object and nothing else:
{"action": "CLICK|INPUT|SCROLL|NAVIGATE|WAIT|KEY_COMBO|DONE|ERROR",
 "selector": "<css selector from the candidate list, when applicable>",
 "value": "<text to type or url to open, when applicable>",
 "reason": "<one sentence>",
 "next_state": "<omit unless the page clearly entered a new phase>",
 "confidence": <0.0-1.0>}

Rules:
- Prefer selectors from the candidate list. Do not invent selectors.
- Use INPUT with "value" to fill form fields with the fiscal data provided.
- Use DONE only when the document has clearly been generated.
- Use ERROR when the portal is unusable or the task is impossible.`

// Decide serializes the prompt context, calls the router, and parses the
// single-object JSON reply. A malformed reply becomes a Malformed decision
// carrying an ERROR action, which costs the run one turn; only provider
// failure propagates as an error return.
func (o *ModelOracle) Decide(ctx context.Context, pc schemas.PromptContext) (schemas.Decision, error) {
	req := schemas.GenerationRequest{
		SystemPrompt:    decisionSystemPrompt,
		UserPrompt:      o.buildUserPrompt(pc),
		ForceJSONFormat: true,
		Temperature:     0.2,
	}

	raw, provider, err := o.router.Generate(ctx, req)
	if err != nil {
		return schemas.Decision{}, fmt.Errorf("model backend unavailable: %w", err)
	}

	parsed, err := llmutil.ParseJSONResponse[schemas.Action](raw)
	if err != nil {
		o.logger.Warn("Model returned unparseable decision",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return schemas.Decision{
			Action:    schemas.ErrorAction("model response was not a valid decision object"),
			Backend:   o.Name(),
			Malformed: true,
		}, nil
	}

	action := *parsed
	if err := action.Validate(); err != nil {
		o.logger.Warn("Model decision failed validation",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return schemas.Decision{
			Action:    schemas.ErrorAction(fmt.Sprintf("model decision invalid: %v", err)),
			Backend:   o.Name(),
			Malformed: true,
		}, nil
	}

	o.logger.Debug("Model decision",
		zap.String("provider", provider),
		zap.String("action", string(action.Type)),
		zap.String("selector", action.Selector),
		zap.Float64("confidence", action.Confidence),
	)
	return schemas.Decision{Action: action, Backend: o.Name() + ":" + provider}, nil
}

func (o *ModelOracle) buildUserPrompt(pc schemas.PromptContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "PHASE: %s (step %d of %d)\n", pc.State, pc.StepIndex+1, pc.StepBudget)
	fmt.Fprintf(&b, "URL: %s\n", pc.URL)
	if len(pc.AllowedStates) > 0 {
		states := make([]string, len(pc.AllowedStates))
		for i, s := range pc.AllowedStates {
			states[i] = string(s)
		}
		fmt.Fprintf(&b, "ALLOWED NEXT PHASES: %s\n", strings.Join(states, ", "))
	}
	if pc.Instructions != "" {
		fmt.Fprintf(&b, "PHASE GUIDANCE: %s\n", pc.Instructions)
	}

	b.WriteString("\nTASK DATA:\n")
	writeField(&b, "tax_id", pc.Task.TaxID)
	writeField(&b, "email", pc.Task.Email)
	writeField(&b, "total", pc.Task.Total)
	writeField(&b, "folio", pc.Task.Folio)
	writeField(&b, "date", pc.Task.Date)
	for k, v := range pc.Task.FiscalProfile {
		writeField(&b, k, v)
	}

	b.WriteString("\nCANDIDATE ELEMENTS:\n")
	n := len(pc.Candidates)
	if n > o.maxCandidates {
		n = o.maxCandidates
	}
	for i := 0; i < n; i++ {
		c := pc.Candidates[i]
		fmt.Fprintf(&b, "%d. [%s] selector=%q text=%q", i+1, c.Type, c.Selector, llmutil.Truncate(c.Text, 80))
		if c.Name != "" {
			fmt.Fprintf(&b, " name=%q", c.Name)
		}
		if c.Placeholder != "" {
			fmt.Fprintf(&b, " placeholder=%q", c.Placeholder)
		}
		b.WriteString("\n")
	}
	if n == 0 {
		b.WriteString("(none extracted)\n")
	}

	if len(pc.History) > 0 {
		b.WriteString("\nRECENT STEPS:\n")
		for _, h := range pc.History {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	fmt.Fprintf(&b, "\nDOM EXCERPT:\n%s\n", llmutil.Truncate(pc.DOMExcerpt, o.maxDOMChars))
	return b.String()
}

func writeField(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", key, value)
}
