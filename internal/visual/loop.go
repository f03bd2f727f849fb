// internal/visual/loop.go

// Package visual drives the coordinate-action fallback: a vision model that
// sees screenshots and answers with function calls in a normalized 0-1000
// coordinate space. It exists for portals where the DOM yields no usable
// selectors (canvas widgets, heavy client rendering).
package visual

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/danielgoes1996/facturabot/api/schemas"
	"github.com/danielgoes1996/facturabot/internal/browser"
	"github.com/danielgoes1996/facturabot/internal/config"
	"github.com/danielgoes1996/facturabot/internal/engine"
)

// generator is the slice of the genai surface the loop calls.
// *genai.Models satisfies it.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Loop owns one conversation with the vision model per run. The genai client
// is pooled; conversation history is never shared across runs.
type Loop struct {
	gen      generator
	model    string
	maxTurns int
	driver   browser.Driver
	logger   *zap.Logger
}

var _ engine.VisualRunner = (*Loop)(nil)

// New builds the loop over a live driver.
func New(ctx context.Context, cfg config.VisualConfig, driver browser.Driver, logger *zap.Logger) (*Loop, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("visual loop requires an API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 18
	}
	return &Loop{
		gen:      client.Models,
		model:    cfg.Model,
		maxTurns: maxTurns,
		driver:   driver,
		logger:   logger.Named("visual"),
	}, nil
}

const visualSystemPrompt = `You are operating a web browser through screenshots to obtain a tax invoice (factura/CFDI) for a purchase.
You see the page; you act by calling the provided functions. Coordinates are normalized: (0,0) is the top-left and (1000,1000) the bottom-right of the screenshot.

Work step by step: observe the screenshot, pick ONE OR TWO actions, then wait for the new screenshot.
Before submitting personal or payment data, call request_confirmation.

When the invoice has been generated, stop calling functions and reply with a single line:
SUCCESS: <what was obtained>
If the task cannot be completed, reply:
FAILURE: <why>`

// Run drives the conversation until the model concludes or the turn budget is
// spent. Every executed call becomes a step record; the engine folds them into
// the session ledger.
func (l *Loop) Run(ctx context.Context, task schemas.TaskPayload, startStep int) (engine.VisualOutcome, error) {
	var out engine.VisualOutcome

	shot, err := l.driver.Screenshot(ctx)
	if err != nil {
		return out, fmt.Errorf("failed to capture initial screenshot: %w", err)
	}
	currentURL, _ := l.driver.CurrentURL(ctx)

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(l.taskBrief(task, currentURL)),
			genai.NewPartFromBytes(shot, "image/png"),
		}, genai.RoleUser),
	}

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(visualSystemPrompt, genai.RoleUser),
		Tools:             browserTools(),
		Temperature:       genai.Ptr[float32](0.2),
	}

	acked := false

	for turn := 0; turn < l.maxTurns; turn++ {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		resp, err := l.gen.GenerateContent(ctx, l.model, contents, genCfg)
		if err != nil {
			return out, fmt.Errorf("vision model call failed: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return out, fmt.Errorf("vision model returned no content")
		}
		modelContent := resp.Candidates[0].Content
		contents = append(contents, modelContent)

		calls := functionCalls(modelContent)
		if len(calls) == 0 {
			// Text-only reply ends the loop.
			text := contentText(modelContent)
			out.Summary, out.Completed = parseConclusion(text)
			l.logger.Info("Vision loop concluded",
				zap.Int("turns", turn+1),
				zap.Bool("completed", out.Completed),
			)
			return out, nil
		}

		var responses []*genai.Part
		for _, call := range calls {
			l.logger.Debug("Vision tool call", zap.String("tool", call.Name), zap.Any("args", call.Args))

			if call.Name == toolRequestConfirm {
				reason, _ := call.Args["reason"].(string)
				out.NeedsReview = true
				if acked {
					out.Summary = fmt.Sprintf("second confirmation requested (%s), stopping for review", reason)
					return out, nil
				}
				acked = true
				l.logger.Warn("Safety checkpoint auto-acknowledged, flagging for review",
					zap.String("reason", reason))
				responses = append(responses, genai.NewPartFromFunctionResponse(call.Name,
					map[string]any{"acknowledged": true, "note": "proceed; a human will review this step"}))
				continue
			}

			rec, execErr := l.execute(ctx, call, startStep+len(out.Steps))
			if acked {
				rec.NeedsReview = true
			}
			out.Steps = append(out.Steps, rec)

			result := map[string]any{"success": execErr == nil}
			if execErr != nil {
				result["error"] = execErr.Error()
			}
			if u, err := l.driver.CurrentURL(ctx); err == nil {
				result["url"] = u
			}
			responses = append(responses, genai.NewPartFromFunctionResponse(call.Name, result))
		}

		// One fresh screenshot per turn rides along with the responses.
		if shot, err := l.driver.Screenshot(ctx); err == nil {
			responses = append(responses, genai.NewPartFromBytes(shot, "image/png"))
		}
		contents = append(contents, genai.NewContentFromParts(responses, genai.RoleUser))
	}

	out.Summary = "turn budget exhausted"
	return out, nil
}

// execute maps a tool call onto the driver and records it as a step.
func (l *Loop) execute(ctx context.Context, call *genai.FunctionCall, index int) (schemas.StepRecord, error) {
	start := time.Now()
	rec := schemas.StepRecord{Index: index, State: schemas.StateFormFilling}
	rec.URLBefore, _ = l.driver.CurrentURL(ctx)

	var err error
	switch call.Name {
	case toolClickAt:
		c := coordArg(call.Args)
		rec.Action = schemas.Action{Type: schemas.ActionClick, Coordinate: &c, Confidence: 1}
		var x, y float64
		if x, y, err = l.denormalize(ctx, &c); err == nil {
			err = l.driver.ClickAt(ctx, x, y)
		}

	case toolTypeTextAt:
		c := coordArg(call.Args)
		text, _ := call.Args["text"].(string)
		enter, _ := call.Args["press_enter"].(bool)
		rec.Action = schemas.Action{Type: schemas.ActionInput, Coordinate: &c, Value: text, SubmitOnEnter: enter, Confidence: 1}
		var x, y float64
		if x, y, err = l.denormalize(ctx, &c); err == nil {
			err = l.driver.TypeAt(ctx, x, y, text, enter)
		}

	case toolScrollDocument:
		dir, amount := scrollArgs(call.Args)
		rec.Action = schemas.Action{Type: schemas.ActionScroll, Direction: dir, Magnitude: amount, Confidence: 1}
		err = l.driver.Scroll(ctx, dir, amount)

	case toolScrollAt:
		c := coordArg(call.Args)
		dir, amount := scrollArgs(call.Args)
		deltaY := float64(amount)
		if dir == "up" {
			deltaY = -deltaY
		}
		rec.Action = schemas.Action{Type: schemas.ActionScroll, Coordinate: &c, Direction: dir, Magnitude: amount, Confidence: 1}
		var x, y float64
		if x, y, err = l.denormalize(ctx, &c); err == nil {
			err = l.driver.ScrollAt(ctx, x, y, deltaY)
		}

	case toolNavigate:
		u, _ := call.Args["url"].(string)
		rec.Action = schemas.Action{Type: schemas.ActionNavigate, Value: u, Confidence: 1}
		err = l.driver.Navigate(ctx, u)

	case toolGoBack:
		rec.Action = schemas.Action{Type: schemas.ActionNavigate, Reason: "history back", Confidence: 1}
		err = l.driver.Back(ctx)

	case toolGoForward:
		rec.Action = schemas.Action{Type: schemas.ActionNavigate, Reason: "history forward", Confidence: 1}
		err = l.driver.Forward(ctx)

	case toolKeyCombination:
		keys := stringSliceArg(call.Args["keys"])
		rec.Action = schemas.Action{Type: schemas.ActionKeyCombo, Keys: keys, Confidence: 1}
		err = l.driver.KeyCombo(ctx, keys)

	case toolWait:
		secs := intArg(call.Args, "seconds", 2)
		if secs > 10 {
			secs = 10
		}
		rec.Action = schemas.Action{Type: schemas.ActionWait, DurationMs: secs * 1000, Confidence: 1}
		select {
		case <-time.After(time.Duration(secs) * time.Second):
		case <-ctx.Done():
			err = ctx.Err()
		}

	default:
		err = fmt.Errorf("unknown tool %q", call.Name)
		rec.Action = schemas.ErrorAction(err.Error())
	}

	rec.URLAfter, _ = l.driver.CurrentURL(ctx)
	rec.Success = err == nil
	if err != nil {
		rec.Error = err.Error()
	}
	rec.Duration = time.Since(start)
	return rec, err
}

func (l *Loop) denormalize(ctx context.Context, c *schemas.Coordinate) (float64, float64, error) {
	w, h, err := l.driver.ViewportSize(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read viewport size: %w", err)
	}
	return engine.DenormalizeCoordinate(c, w, h)
}

func (l *Loop) taskBrief(task schemas.TaskPayload, currentURL string) string {
	var b strings.Builder
	b.WriteString("Obtain the invoice for this purchase.\n")
	fmt.Fprintf(&b, "Current page: %s\n", currentURL)
	if task.TaxID != "" {
		fmt.Fprintf(&b, "RFC / tax id: %s\n", task.TaxID)
	}
	if task.Email != "" {
		fmt.Fprintf(&b, "Email: %s\n", task.Email)
	}
	if task.Total != "" {
		fmt.Fprintf(&b, "Purchase total: %s\n", task.Total)
	}
	if task.Folio != "" {
		fmt.Fprintf(&b, "Ticket/folio: %s\n", task.Folio)
	}
	if task.Date != "" {
		fmt.Fprintf(&b, "Purchase date: %s\n", task.Date)
	}
	for k, v := range task.FiscalProfile {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	b.WriteString("The current screenshot is attached.")
	return b.String()
}

// parseConclusion interprets the model's closing text.
func parseConclusion(text string) (summary string, completed bool) {
	trimmed := strings.TrimSpace(text)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "SUCCESS:"):
		return strings.TrimSpace(trimmed[len("SUCCESS:"):]), true
	case strings.HasPrefix(upper, "FAILURE:"):
		return strings.TrimSpace(trimmed[len("FAILURE:"):]), false
	default:
		return trimmed, false
	}
}

func functionCalls(c *genai.Content) []*genai.FunctionCall {
	var calls []*genai.FunctionCall
	for _, p := range c.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, p.FunctionCall)
		}
	}
	return calls
}

func contentText(c *genai.Content) string {
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Text != "" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Argument helpers. genai decodes JSON numbers as float64.

func coordArg(args map[string]any) schemas.Coordinate {
	return schemas.Coordinate{
		X: intArg(args, "x", 0),
		Y: intArg(args, "y", 0),
	}
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func scrollArgs(args map[string]any) (string, int) {
	dir, _ := args["direction"].(string)
	if dir != "up" && dir != "down" {
		dir = "down"
	}
	amount := intArg(args, "amount", 500)
	if amount <= 0 {
		amount = 500
	}
	return dir, amount
}

func stringSliceArg(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
