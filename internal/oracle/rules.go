// internal/oracle/rules.go
package oracle

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/danielgoes1996/facturabot/api/schemas"
)

// RuleOracle is the deterministic backend: keyword heuristics over candidate
// elements plus a default action per state. It never fails; it always has an
// opinion, even if that opinion is a blind scroll.
type RuleOracle struct {
	logger *zap.Logger
}

var _ schemas.DecisionOracle = (*RuleOracle)(nil)

// NewRuleOracle builds the heuristic backend.
func NewRuleOracle(logger *zap.Logger) *RuleOracle {
	return &RuleOracle{logger: logger.Named("oracle.rules")}
}

// Name identifies the backend in step records and logs.
func (o *RuleOracle) Name() string { return "rules" }

// Keyword tables. Spanish terms come first because the target portals are
// predominantly Mexican invoicing sites; English fallbacks cover the rest.
var (
	entryKeywords = []string{
		"facturación", "facturacion", "factura", "facturar", "cfdi",
		"comprobante", "timbrado", "invoice", "invoicing", "billing",
	}
	advanceKeywords = []string{
		"continuar", "siguiente", "continue", "next", "aceptar",
		"buscar", "consultar", "enviar", "submit",
	}
	confirmKeywords = []string{
		"generar", "timbrar", "confirmar", "descargar", "generate",
		"confirm", "download", "finalizar",
	}
	loginKeywords = []string{
		"ingresar", "entrar", "iniciar", "login", "sign in", "acceder",
	}
)

// Field keyword tables used to map fiscal task data onto form inputs.
var fieldMatchers = []struct {
	keywords []string
	value    func(t schemas.TaskPayload) string
}{
	{[]string{"rfc", "tax", "nit", "ruc"}, func(t schemas.TaskPayload) string { return t.TaxID }},
	{[]string{"email", "correo", "mail"}, func(t schemas.TaskPayload) string { return t.Email }},
	{[]string{"total", "monto", "importe", "amount"}, func(t schemas.TaskPayload) string { return t.Total }},
	{[]string{"folio", "ticket", "referencia", "reference", "orden", "order"}, func(t schemas.TaskPayload) string { return t.Folio }},
	{[]string{"fecha", "date"}, func(t schemas.TaskPayload) string { return t.Date }},
}

// Decide produces a ranked heuristic action for the current state. The rule
// backend never forces next_state on a Click; whether the page actually moved
// is the engine's call, not a keyword's.
func (o *RuleOracle) Decide(_ context.Context, pc schemas.PromptContext) (schemas.Decision, error) {
	var action schemas.Action
	switch pc.State {
	case schemas.StateNavigation:
		action = o.decideNavigation(pc)
	case schemas.StateAuthentication:
		action = o.decideAuthentication(pc)
	case schemas.StateFormFilling:
		action = o.decideFormFilling(pc)
	case schemas.StateConfirmation:
		action = o.decideConfirmation(pc)
	default:
		action = schemas.ErrorAction(fmt.Sprintf("rule backend has no policy for state %s", pc.State))
	}

	o.logger.Debug("Rule decision",
		zap.String("state", string(pc.State)),
		zap.String("action", string(action.Type)),
		zap.String("selector", action.Selector),
		zap.Float64("confidence", action.Confidence),
	)
	return schemas.Decision{Action: action, Backend: o.Name()}, nil
}

func (o *RuleOracle) decideNavigation(pc schemas.PromptContext) schemas.Action {
	if c, score := bestKeywordMatch(pc.Candidates, entryKeywords, schemas.CandidateLink, schemas.CandidateButton); c != nil {
		return clickOn(c, score, "entry point matched invoicing keyword")
	}
	if c, score := bestKeywordMatch(pc.Candidates, advanceKeywords, schemas.CandidateLink, schemas.CandidateButton); c != nil {
		return clickOn(c, score*0.8, "advance control matched")
	}
	// Nothing recognizable above the fold; scroll to discover more.
	return schemas.Action{
		Type:       schemas.ActionScroll,
		Direction:  "down",
		Magnitude:  600,
		Reason:     "no invoicing entry point visible, scrolling to discover",
		Confidence: 0.4,
	}
}

func (o *RuleOracle) decideAuthentication(pc schemas.PromptContext) schemas.Action {
	if a, ok := o.fillNextField(pc); ok {
		return a
	}
	if c, score := bestKeywordMatch(pc.Candidates, loginKeywords, schemas.CandidateButton, schemas.CandidateLink); c != nil {
		return clickOn(c, score, "login control matched")
	}
	if c, score := bestKeywordMatch(pc.Candidates, advanceKeywords, schemas.CandidateButton, schemas.CandidateLink); c != nil {
		return clickOn(c, score*0.8, "advance control matched")
	}
	return schemas.Action{
		Type:       schemas.ActionWait,
		DurationMs: 1500,
		Reason:     "no credential fields or login controls recognized, waiting for render",
		Confidence: 0.3,
	}
}

func (o *RuleOracle) decideFormFilling(pc schemas.PromptContext) schemas.Action {
	if a, ok := o.fillNextField(pc); ok {
		return a
	}
	// All recognizable fields carry values; push the form forward.
	if c, score := bestKeywordMatch(pc.Candidates, advanceKeywords, schemas.CandidateButton, schemas.CandidateLink); c != nil {
		return clickOn(c, score, "form fields exhausted, advancing")
	}
	if c, score := bestKeywordMatch(pc.Candidates, confirmKeywords, schemas.CandidateButton, schemas.CandidateLink); c != nil {
		return clickOn(c, score, "confirmation control matched")
	}
	return schemas.Action{
		Type:       schemas.ActionScroll,
		Direction:  "down",
		Magnitude:  600,
		Reason:     "no fillable fields or advance controls visible, scrolling",
		Confidence: 0.4,
	}
}

func (o *RuleOracle) decideConfirmation(pc schemas.PromptContext) schemas.Action {
	if c, score := bestKeywordMatch(pc.Candidates, confirmKeywords, schemas.CandidateButton, schemas.CandidateLink); c != nil {
		return clickOn(c, score, "generation control matched")
	}
	// The document may already be issued; look for a success signal in the
	// page text before giving up.
	lower := strings.ToLower(pc.DOMExcerpt)
	for _, marker := range []string{"factura generada", "cfdi generado", "descarga tu factura", "invoice generated", "successfully generated"} {
		if strings.Contains(lower, marker) {
			return schemas.Action{
				Type:       schemas.ActionDone,
				Reason:     "page reports the document was generated",
				NextState:  schemas.StateDone,
				Confidence: 0.75,
			}
		}
	}
	return schemas.Action{
		Type:       schemas.ActionWait,
		DurationMs: 2000,
		Reason:     "awaiting document generation",
		Confidence: 0.3,
	}
}

// fillNextField finds the first input candidate that matches a fiscal field
// we hold data for and has not already been filled this run (tracked via the
// prompt history summaries).
func (o *RuleOracle) fillNextField(pc schemas.PromptContext) (schemas.Action, bool) {
	for _, c := range pc.Candidates {
		if c.Type != schemas.CandidateInput {
			continue
		}
		haystack := strings.ToLower(c.Name + " " + c.Placeholder + " " + c.Text)
		for _, m := range fieldMatchers {
			value := m.value(pc.Task)
			if value == "" {
				continue
			}
			if !containsAny(haystack, m.keywords) {
				continue
			}
			if alreadyFilled(pc.History, c.Selector) {
				continue
			}
			return schemas.Action{
				Type:       schemas.ActionInput,
				Selector:   c.Selector,
				Value:      value,
				Reason:     fmt.Sprintf("field %q matched fiscal data", firstNonEmpty(c.Name, c.Placeholder, c.Selector)),
				Confidence: 0.85,
			}, true
		}
	}
	return schemas.Action{}, false
}

// bestKeywordMatch scores candidates of the allowed types against a keyword
// table and returns the winner. Earlier keywords in the table score higher.
func bestKeywordMatch(candidates []schemas.CandidateElement, keywords []string, types ...schemas.CandidateType) (*schemas.CandidateElement, float64) {
	var best *schemas.CandidateElement
	bestScore := 0.0
	for i := range candidates {
		c := &candidates[i]
		if !typeAllowed(c.Type, types) {
			continue
		}
		haystack := strings.ToLower(c.Text + " " + c.Href + " " + c.Name)
		for rank, kw := range keywords {
			if !strings.Contains(haystack, kw) {
				continue
			}
			score := 0.9 - float64(rank)*0.01 + c.Priority*0.01
			if score > 1.0 {
				score = 1.0
			}
			if score > bestScore {
				bestScore = score
				best = c
			}
			break
		}
	}
	return best, bestScore
}

func clickOn(c *schemas.CandidateElement, confidence float64, reason string) schemas.Action {
	if confidence > 1.0 {
		confidence = 1.0
	}
	return schemas.Action{
		Type:       schemas.ActionClick,
		Selector:   c.Selector,
		Reason:     fmt.Sprintf("%s: %q", reason, candidateLabel(c)),
		Confidence: confidence,
	}
}

func candidateLabel(c *schemas.CandidateElement) string {
	if c.Text != "" {
		return c.Text
	}
	return c.Selector
}

func typeAllowed(t schemas.CandidateType, allowed []schemas.CandidateType) bool {
	for _, a := range allowed {
		if t == a {
			return true
		}
	}
	return false
}

func containsAny(haystack string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func alreadyFilled(history []string, selector string) bool {
	if selector == "" {
		return false
	}
	for _, h := range history {
		if strings.Contains(h, "INPUT") && strings.Contains(h, selector) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
