// internal/engine/engine_test.go
package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielgoes1996/facturabot/api/schemas"
	"github.com/danielgoes1996/facturabot/internal/config"
)

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxSteps:        20,
		SettleDelay:     0,
		StagnationLimit: 4,
	}
}

func testTask() schemas.TaskPayload {
	return schemas.TaskPayload{
		TaskID:    "t-1",
		TargetURL: "https://portal.example.com/",
		TaxID:     "XAXX010101000",
		Email:     "cliente@example.com",
	}
}

func TestEngine_CompletesOnDoneAction(t *testing.T) {
	d := newFakeDriver()
	o := &fakeOracle{decide: func(_ context.Context, pc schemas.PromptContext) (schemas.Decision, error) {
		return schemas.Decision{Action: schemas.Action{
			Type:       schemas.ActionDone,
			Reason:     "document generated",
			Confidence: 1,
		}, Backend: "fake"}, nil
	}}

	eng := New(d, o, nil, testEngineConfig(), testLogger())
	result := eng.Run(context.Background(), testTask())

	assert.True(t, result.Success)
	assert.Equal(t, "document generated", result.Summary)
	assert.NotEmpty(t, result.SessionID)
	require.Len(t, result.Steps, 1)
	assert.True(t, result.Steps[0].Success)
	assert.True(t, d.closed, "browser context closed at run end")

	require.NotEmpty(t, result.Transitions)
	assert.Equal(t, schemas.StateDone, result.Transitions[len(result.Transitions)-1].To)
}

func TestEngine_StepBudgetExhaustion(t *testing.T) {
	// Scenario: the oracle always has a fresh selector and every click makes
	// progress, so neither the guard nor stagnation ends the run. The budget
	// must: five steps, then a synthetic error, never a sixth action.
	d := newFakeDriver()
	step := 0
	d.onClick = func(d *fakeDriver, _ string) {
		d.setURL(fmt.Sprintf("https://portal.example.com/p%d", step))
	}

	o := &fakeOracle{decide: func(_ context.Context, pc schemas.PromptContext) (schemas.Decision, error) {
		step++
		return schemas.Decision{Action: schemas.Action{
			Type:       schemas.ActionClick,
			Selector:   fmt.Sprintf("#link-%d", step),
			Confidence: 0.9,
		}, Backend: "fake"}, nil
	}}

	cfg := testEngineConfig()
	cfg.MaxSteps = 5
	eng := New(d, o, nil, cfg, testLogger())
	result := eng.Run(context.Background(), testTask())

	assert.False(t, result.Success)
	assert.Equal(t, "step budget exhausted", result.Summary)
	assert.Len(t, result.Steps, 5, "run ends at the budget, not one past it")
	assert.Len(t, d.clicks, 5)

	require.NotEmpty(t, result.Transitions)
	last := result.Transitions[len(result.Transitions)-1]
	assert.Equal(t, schemas.StateError, last.To)
	assert.Equal(t, "step budget exhausted", last.Reason)
	assert.True(t, d.closed)
}

func TestEngine_Cancellation(t *testing.T) {
	d := newFakeDriver()
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	o := &fakeOracle{decide: func(ctx context.Context, pc schemas.PromptContext) (schemas.Decision, error) {
		calls++
		if calls == 2 {
			// Cancellation fires mid-run; the oracle call is a suspension
			// point and must abort.
			cancel()
			return schemas.Decision{}, ctx.Err()
		}
		return schemas.Decision{Action: schemas.Action{
			Type: schemas.ActionScroll, Direction: "down", Magnitude: 600, Confidence: 0.5,
		}, Backend: "fake"}, nil
	}}

	eng := New(d, o, nil, testEngineConfig(), testLogger())
	result := eng.Run(ctx, testTask())

	assert.False(t, result.Success)
	assert.Equal(t, "cancelled", result.Summary)
	assert.True(t, d.closed, "browser context closed on cancellation")

	require.NotEmpty(t, result.Steps)
	last := result.Steps[len(result.Steps)-1]
	assert.Equal(t, schemas.ActionError, last.Action.Type)
	assert.Equal(t, "cancelled", last.Action.Reason)
}

func TestEngine_CancelledBeforeStart(t *testing.T) {
	d := newFakeDriver()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := &fakeOracle{decide: func(context.Context, schemas.PromptContext) (schemas.Decision, error) {
		t.Fatal("oracle must not be consulted after cancellation")
		return schemas.Decision{}, nil
	}}

	eng := New(d, o, nil, testEngineConfig(), testLogger())
	result := eng.Run(ctx, testTask())

	assert.False(t, result.Success)
	assert.True(t, d.closed)
}

func TestEngine_AlternateURLRetry(t *testing.T) {
	d := newFakeDriver()
	d.navErr = fmt.Errorf("connection refused")

	o := &fakeOracle{decide: func(context.Context, schemas.PromptContext) (schemas.Decision, error) {
		return schemas.Decision{Action: schemas.ErrorAction("unused")}, nil
	}}

	task := testTask()
	task.AlternateURLs = []string{"https://alt1.example.com/", "https://alt2.example.com/"}

	eng := New(d, o, nil, testEngineConfig(), testLogger())
	result := eng.Run(context.Background(), task)

	assert.False(t, result.Success)
	assert.Contains(t, result.Summary, "could not open target portal")
	assert.Equal(t, []string{
		"https://portal.example.com/",
		"https://alt1.example.com/",
		"https://alt2.example.com/",
	}, d.navigations, "all alternates tried in order")
}

func TestEngine_StagnationForcesError(t *testing.T) {
	// Oracle keeps emitting fresh selectors but the page never moves; the
	// stagnation counter must end the run before the step budget.
	d := newFakeDriver()
	step := 0
	o := &fakeOracle{decide: func(context.Context, schemas.PromptContext) (schemas.Decision, error) {
		step++
		return schemas.Decision{Action: schemas.Action{
			Type:       schemas.ActionClick,
			Selector:   fmt.Sprintf("#dead-%d", step),
			Confidence: 0.9,
		}, Backend: "fake"}, nil
	}}

	cfg := testEngineConfig()
	cfg.StagnationLimit = 3
	eng := New(d, o, nil, cfg, testLogger())
	result := eng.Run(context.Background(), testTask())

	assert.False(t, result.Success)
	assert.Len(t, result.Steps, 3, "run ends when the stagnation limit is hit")

	require.NotEmpty(t, result.Transitions)
	assert.Equal(t, schemas.StateError, result.Transitions[len(result.Transitions)-1].To)
}

func TestEngine_ErrorActionTerminates(t *testing.T) {
	d := newFakeDriver()
	o := &fakeOracle{decide: func(context.Context, schemas.PromptContext) (schemas.Decision, error) {
		return schemas.Decision{Action: schemas.ErrorAction("portal demands captcha")}, nil
	}}

	eng := New(d, o, nil, testEngineConfig(), testLogger())
	result := eng.Run(context.Background(), testTask())

	assert.False(t, result.Success)
	assert.Equal(t, "portal demands captcha", result.Summary)
	require.Len(t, result.Steps, 1)
}

func TestEngine_MalformedReplyCostsOneTurn(t *testing.T) {
	// Scenario: the model backend hands back the ERROR action it
	// synthesizes for an unparseable reply, then recovers. One bad reply
	// forfeits its turn; the run still completes.
	d := newFakeDriver()
	calls := 0
	o := &fakeOracle{decide: func(context.Context, schemas.PromptContext) (schemas.Decision, error) {
		calls++
		if calls == 1 {
			return schemas.Decision{
				Action:    schemas.ErrorAction("model response was not a valid decision object"),
				Backend:   "model",
				Malformed: true,
			}, nil
		}
		return schemas.Decision{Action: schemas.Action{
			Type: schemas.ActionDone, Reason: "document generated", Confidence: 1,
		}, Backend: "model:gemini"}, nil
	}}

	eng := New(d, o, nil, testEngineConfig(), testLogger())
	result := eng.Run(context.Background(), testTask())

	assert.Equal(t, 2, calls, "the run must survive the bad reply and ask again")
	assert.True(t, result.Success)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, schemas.ActionError, result.Steps[0].Action.Type)
	assert.False(t, result.Steps[0].Success)
	assert.NotEmpty(t, result.Steps[0].Error)
	assert.True(t, result.Steps[1].Success)
}

func TestEngine_InvalidOracleActionForfeitsTurn(t *testing.T) {
	d := newFakeDriver()
	calls := 0
	o := &fakeOracle{decide: func(context.Context, schemas.PromptContext) (schemas.Decision, error) {
		calls++
		if calls == 1 {
			// A click without any target is unexecutable.
			return schemas.Decision{Action: schemas.Action{Type: schemas.ActionClick, Confidence: 1}, Backend: "fake"}, nil
		}
		return schemas.Decision{Action: schemas.Action{
			Type: schemas.ActionDone, Reason: "document generated", Confidence: 1,
		}, Backend: "fake"}, nil
	}}

	eng := New(d, o, nil, testEngineConfig(), testLogger())
	result := eng.Run(context.Background(), testTask())

	assert.True(t, result.Success)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, schemas.ActionError, result.Steps[0].Action.Type)
	assert.False(t, result.Steps[0].Success)
}

func TestEngine_PersistentMalformedRepliesExhaustBudget(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxSteps = 5
	d := newFakeDriver()
	o := &fakeOracle{decide: func(context.Context, schemas.PromptContext) (schemas.Decision, error) {
		return schemas.Decision{
			Action:    schemas.ErrorAction("model response was not a valid decision object"),
			Backend:   "model",
			Malformed: true,
		}, nil
	}}

	eng := New(d, o, nil, cfg, testLogger())
	result := eng.Run(context.Background(), testTask())

	assert.False(t, result.Success)
	assert.Equal(t, "step budget exhausted", result.Summary)
	require.Len(t, result.Steps, 5, "every forfeited turn still spends budget")
}

func TestEngine_VisualFallbackInvoked(t *testing.T) {
	d := newFakeDriver()
	d.dom = "<html><body><canvas id=\"app\"></canvas></body></html>"

	vr := &fakeVisual{outcome: VisualOutcome{
		Summary:     "invoice downloaded",
		Completed:   true,
		NeedsReview: true,
		Steps: []schemas.StepRecord{
			{Index: 2, State: schemas.StateFormFilling, Success: true,
				Action: schemas.Action{Type: schemas.ActionClick, Coordinate: &schemas.Coordinate{X: 500, Y: 500}, Confidence: 1}},
		},
	}}

	o := &fakeOracle{decide: func(context.Context, schemas.PromptContext) (schemas.Decision, error) {
		return schemas.Decision{Action: schemas.Action{
			Type: schemas.ActionWait, DurationMs: 1, Confidence: 0.3,
		}, Backend: "fake"}, nil
	}}

	eng := New(d, o, vr, testEngineConfig(), testLogger())
	result := eng.Run(context.Background(), testTask())

	assert.True(t, result.Success)
	assert.Equal(t, "invoice downloaded", result.Summary)
	assert.True(t, result.NeedsReview, "auto-acknowledged safety checkpoint propagates")
	assert.Equal(t, 1, vr.calls, "fallback fires after consecutive selector-free pages")
}

type fakeVisual struct {
	outcome VisualOutcome
	calls   int
}

func (f *fakeVisual) Run(context.Context, schemas.TaskPayload, int) (VisualOutcome, error) {
	f.calls++
	return f.outcome, nil
}
