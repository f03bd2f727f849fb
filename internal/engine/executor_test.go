// internal/engine/executor_test.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielgoes1996/facturabot/api/schemas"
)

func newTestExecutor(d *fakeDriver) *Executor {
	return NewExecutor(d, NewElementMemory(), testLogger())
}

func clickAction(selector string) schemas.Action {
	return schemas.Action{Type: schemas.ActionClick, Selector: selector, Confidence: 1}
}

func TestExecutor_SilentFailureSpendsBudget(t *testing.T) {
	// Scenario: #submit clicks succeed at the browser level but the page
	// never moves. Three attempts spend the budget; the fourth is refused
	// without touching the browser.
	d := newFakeDriver()
	ex := newTestExecutor(d)
	ex.PrimeObservation(context.Background())

	for i, step := range []int{0, 2, 4} {
		res := ex.Execute(context.Background(), clickAction("#submit"), step)
		require.NoErrorf(t, res.Err, "attempt %d should reach the browser", i+1)
		assert.True(t, res.Success)
		assert.False(t, res.Progress, "page did not move")
	}
	require.Len(t, d.clicks, 3)

	res := ex.Execute(context.Background(), clickAction("#submit"), 6)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrRejectedByGuard))
	assert.Len(t, d.clicks, 3, "guard must refuse before the browser call")
}

func TestExecutor_CooldownBetweenAttempts(t *testing.T) {
	d := newFakeDriver()
	ex := newTestExecutor(d)
	ex.PrimeObservation(context.Background())

	res := ex.Execute(context.Background(), clickAction("#submit"), 0)
	require.NoError(t, res.Err)

	res = ex.Execute(context.Background(), clickAction("#submit"), 1)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrRejectedByGuard))

	res = ex.Execute(context.Background(), clickAction("#submit"), 2)
	require.NoError(t, res.Err, "cooldown of two steps has elapsed")
}

func TestExecutor_SuccessfulClickJoinsClickedSet(t *testing.T) {
	d := newFakeDriver()
	d.onClick = func(d *fakeDriver, _ string) {
		d.setURL("https://portal.example.com/cfdi")
	}
	ex := newTestExecutor(d)
	ex.PrimeObservation(context.Background())

	res := ex.Execute(context.Background(), clickAction("#facturar"), 0)
	require.NoError(t, res.Err)
	assert.True(t, res.Progress, "url changed")
	assert.Equal(t, "https://portal.example.com/", res.URLBefore)
	assert.Equal(t, "https://portal.example.com/cfdi", res.URLAfter)

	// Back on the original page the pair would be rejected; the guard keys
	// on the url at click time.
	d.setURL("https://portal.example.com/")
	res = ex.Execute(context.Background(), clickAction("#facturar"), 5)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrRejectedByGuard))
}

func TestExecutor_BrowserErrorStillSpendsAttempt(t *testing.T) {
	d := newFakeDriver()
	d.clickErr = fmt.Errorf("node not found")
	ex := newTestExecutor(d)
	ex.PrimeObservation(context.Background())

	res := ex.Execute(context.Background(), clickAction("#gone"), 0)
	require.Error(t, res.Err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, ex.memory.Attempts("#gone"), "attempt recorded before execution")
}

func TestExecutor_DOMChangeIsProgress(t *testing.T) {
	d := newFakeDriver()
	d.onClick = func(d *fakeDriver, _ string) {
		d.setDOM(`<html><body><form><input name="rfc"></form></body></html>`)
	}
	ex := newTestExecutor(d)
	ex.PrimeObservation(context.Background())

	res := ex.Execute(context.Background(), clickAction("#facturar"), 0)
	require.NoError(t, res.Err)
	assert.True(t, res.Progress, "structural DOM change counts as progress")
}

func TestExecutor_UnguardedActions(t *testing.T) {
	d := newFakeDriver()
	ex := newTestExecutor(d)
	ex.PrimeObservation(context.Background())

	scroll := schemas.Action{Type: schemas.ActionScroll, Direction: "down", Magnitude: 600, Confidence: 1}
	for step := 0; step < 3; step++ {
		res := ex.Execute(context.Background(), scroll, step)
		require.NoError(t, res.Err, "scrolls are never guarded")
	}

	nav := schemas.Action{Type: schemas.ActionNavigate, Value: "https://alt.example.com/", Confidence: 1}
	res := ex.Execute(context.Background(), nav, 3)
	require.NoError(t, res.Err)
	assert.True(t, res.Progress)
	assert.Equal(t, []string{"https://alt.example.com/"}, d.navigations)
}

func TestExecutor_CoordinateClickTracksViewportResize(t *testing.T) {
	// The portal may resize the window; the executor must read the live
	// viewport for every coordinate action rather than cache the first one.
	d := newFakeDriver()
	d.setViewport(1000, 1000)
	ex := newTestExecutor(d)
	ex.PrimeObservation(context.Background())

	center := schemas.Action{Type: schemas.ActionClick, Coordinate: &schemas.Coordinate{X: 500, Y: 500}, Confidence: 1}

	res := ex.Execute(context.Background(), center, 0)
	require.NoError(t, res.Err)

	d.setViewport(500, 200)
	res = ex.Execute(context.Background(), center, 2)
	require.NoError(t, res.Err)

	require.Len(t, d.coordClicks, 2)
	assert.Equal(t, [2]float64{500, 500}, d.coordClicks[0])
	assert.Equal(t, [2]float64{250, 100}, d.coordClicks[1])
}

func TestDenormalizeCoordinate(t *testing.T) {
	// 0-1000 space onto a 960x540 viewport.
	x, y, err := DenormalizeCoordinate(&schemas.Coordinate{X: 500, Y: 500}, 960, 540)
	require.NoError(t, err)
	assert.InDelta(t, 480, x, 1e-9)
	assert.InDelta(t, 270, y, 1e-9)

	// Out-of-range input clamps to the viewport.
	x, y, err = DenormalizeCoordinate(&schemas.Coordinate{X: 2000, Y: -5}, 960, 540)
	require.NoError(t, err)
	assert.InDelta(t, 959, x, 1e-9)
	assert.InDelta(t, 0, y, 1e-9)

	_, _, err = DenormalizeCoordinate(&schemas.Coordinate{X: 1, Y: 1}, 0, 540)
	require.Error(t, err)
}
