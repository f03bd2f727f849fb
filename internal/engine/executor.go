// internal/engine/executor.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/danielgoes1996/facturabot/api/schemas"
	"github.com/danielgoes1996/facturabot/internal/browser"
)

// ErrRejectedByGuard marks actions the anti-loop guard refused. The run loop
// treats it as a soft failure: no browser call happened, pick another move.
var ErrRejectedByGuard = errors.New("action rejected by element memory guard")

// ExecutionResult is the executor's verdict for one action.
type ExecutionResult struct {
	Success   bool
	Progress  bool
	URLBefore string
	URLAfter  string
	NewPage   bool
	Err       error
}

// Executor dispatches validated actions to the browser driver and runs the
// anti-loop guard for element interactions. One executor per session.
type Executor struct {
	driver browser.Driver
	memory *ElementMemory
	logger *zap.Logger

	lastDOMHash   string
	lastPageCount int
}

// NewExecutor builds the executor over a live driver.
func NewExecutor(driver browser.Driver, memory *ElementMemory, logger *zap.Logger) *Executor {
	return &Executor{
		driver: driver,
		memory: memory,
		logger: logger.Named("executor"),
	}
}

// Execute runs one action. For CLICK/INPUT the guard is consulted first and
// the attempt is recorded before the browser call, so a crash mid-execution
// still spends the selector's retry budget. Progress (URL change, DOM
// structural change, or a new page) decides whether the attempt counts as
// succeeded.
func (e *Executor) Execute(ctx context.Context, action schemas.Action, stepIndex int) ExecutionResult {
	urlBefore, err := e.driver.CurrentURL(ctx)
	if err != nil {
		return ExecutionResult{Err: fmt.Errorf("failed to read current url: %w", err)}
	}
	res := ExecutionResult{URLBefore: urlBefore, URLAfter: urlBefore}

	guarded := action.Type == schemas.ActionClick || action.Type == schemas.ActionInput
	if guarded && action.Selector != "" {
		if reason := e.memory.Check(action.Selector, urlBefore, stepIndex); reason != "" {
			e.logger.Warn("Guard rejected action",
				zap.String("selector", action.Selector),
				zap.String("reason", reason),
				zap.Int("attempts", e.memory.Attempts(action.Selector)),
			)
			res.Err = fmt.Errorf("%w: %s (selector %q)", ErrRejectedByGuard, reason, action.Selector)
			return res
		}
		e.memory.Record(action.Selector, urlBefore, stepIndex)
	}

	execErr := e.dispatch(ctx, action)

	urlAfter, err := e.driver.CurrentURL(ctx)
	if err == nil {
		res.URLAfter = urlAfter
	}
	res.Progress, res.NewPage = e.detectProgress(ctx, res.URLBefore, res.URLAfter)

	if execErr != nil {
		res.Err = execErr
		if guarded {
			e.memory.MarkOutcome(action.Selector, urlBefore, false)
		}
		return res
	}

	res.Success = true
	if guarded {
		// A clean call with no page movement still burns the retry budget.
		e.memory.MarkOutcome(action.Selector, urlBefore, res.Progress)
	}
	return res
}

func (e *Executor) dispatch(ctx context.Context, action schemas.Action) error {
	switch action.Type {
	case schemas.ActionClick:
		if action.Coordinate != nil {
			x, y, err := e.denormalize(ctx, action.Coordinate)
			if err != nil {
				return err
			}
			return e.driver.ClickAt(ctx, x, y)
		}
		return e.driver.Click(ctx, action.Selector)

	case schemas.ActionInput:
		if action.Coordinate != nil {
			x, y, err := e.denormalize(ctx, action.Coordinate)
			if err != nil {
				return err
			}
			return e.driver.TypeAt(ctx, x, y, action.Value, action.SubmitOnEnter)
		}
		return e.driver.Fill(ctx, action.Selector, action.Value, action.SubmitOnEnter)

	case schemas.ActionScroll:
		return e.driver.Scroll(ctx, action.Direction, action.Magnitude)

	case schemas.ActionNavigate:
		return e.driver.Navigate(ctx, action.Value)

	case schemas.ActionWait:
		select {
		case <-time.After(time.Duration(action.DurationMs) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case schemas.ActionKeyCombo:
		return e.driver.KeyCombo(ctx, action.Keys)

	case schemas.ActionDone, schemas.ActionError:
		// Terminal actions carry no browser work.
		return nil

	default:
		return fmt.Errorf("executor cannot dispatch action type %q", action.Type)
	}
}

// denormalize maps the oracle's 0-1000 coordinate space onto the live
// viewport and clamps to its bounds. The size is read fresh every time; the
// portal may resize the window mid-session.
func (e *Executor) denormalize(ctx context.Context, c *schemas.Coordinate) (float64, float64, error) {
	w, h, err := e.driver.ViewportSize(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read viewport size: %w", err)
	}
	return DenormalizeCoordinate(c, w, h)
}

// DenormalizeCoordinate converts a normalized 0-1000 point to viewport
// pixels, clamped within bounds.
func DenormalizeCoordinate(c *schemas.Coordinate, width, height int64) (float64, float64, error) {
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid viewport %dx%d", width, height)
	}
	x := float64(c.X) / 1000.0 * float64(width)
	y := float64(c.Y) / 1000.0 * float64(height)
	x = clamp(x, 0, float64(width-1))
	y = clamp(y, 0, float64(height-1))
	return x, y, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// detectProgress compares the page against the last observation: a URL
// change, a DOM structural hash change, or a newly opened page all count.
func (e *Executor) detectProgress(ctx context.Context, urlBefore, urlAfter string) (progress, newPage bool) {
	if urlAfter != "" && urlAfter != urlBefore {
		progress = true
	}

	if dom, err := e.driver.DOMSnapshot(ctx); err == nil {
		hash := browser.StructuralHash(dom)
		if e.lastDOMHash != "" && hash != e.lastDOMHash {
			progress = true
		}
		e.lastDOMHash = hash
	}

	if pages, err := e.driver.Pages(ctx); err == nil {
		if e.lastPageCount > 0 && len(pages) > e.lastPageCount {
			progress = true
			newPage = true
		}
		e.lastPageCount = len(pages)
	}

	return progress, newPage
}

// PrimeObservation seeds the progress baseline after initial navigation so
// the first real action is not spuriously credited with a DOM change.
func (e *Executor) PrimeObservation(ctx context.Context) {
	if dom, err := e.driver.DOMSnapshot(ctx); err == nil {
		e.lastDOMHash = browser.StructuralHash(dom)
	}
	if pages, err := e.driver.Pages(ctx); err == nil {
		e.lastPageCount = len(pages)
	}
}
