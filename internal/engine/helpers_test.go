// internal/engine/helpers_test.go
package engine

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/danielgoes1996/facturabot/api/schemas"
	"github.com/danielgoes1996/facturabot/internal/browser"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDriver is an in-memory browser.Driver for engine tests. Tests mutate
// url/dom through the onClick hook to simulate page behavior.
type fakeDriver struct {
	mu sync.Mutex

	url    string
	dom    string
	pages  []browser.PageInfo
	width  int64
	height int64

	clickErr error
	navErr   error
	onClick  func(d *fakeDriver, selector string)

	clicks      []string
	coordClicks [][2]float64
	fills       []string
	navigations []string
	closed      bool
}

var _ browser.Driver = (*fakeDriver)(nil)

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		url:    "https://portal.example.com/",
		dom:    `<html><body><a id="facturar" href="/cfdi">Facturación</a></body></html>`,
		width:  1280,
		height: 800,
	}
}

func (d *fakeDriver) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navigations = append(d.navigations, url)
	if d.navErr != nil {
		return d.navErr
	}
	d.url = url
	return nil
}

func (d *fakeDriver) Back(context.Context) error    { return nil }
func (d *fakeDriver) Forward(context.Context) error { return nil }

func (d *fakeDriver) CurrentURL(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

func (d *fakeDriver) DOMSnapshot(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dom, nil
}

func (d *fakeDriver) Screenshot(context.Context) ([]byte, error) {
	return []byte("png"), nil
}

func (d *fakeDriver) ViewportSize(context.Context) (int64, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height, nil
}

func (d *fakeDriver) Click(_ context.Context, selector string) error {
	d.mu.Lock()
	d.clicks = append(d.clicks, selector)
	hook := d.onClick
	d.mu.Unlock()
	if d.clickErr != nil {
		return d.clickErr
	}
	if hook != nil {
		hook(d, selector)
	}
	return nil
}

func (d *fakeDriver) Fill(_ context.Context, selector, text string, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fills = append(d.fills, selector+"="+text)
	return nil
}

func (d *fakeDriver) ClickAt(_ context.Context, x, y float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.coordClicks = append(d.coordClicks, [2]float64{x, y})
	return nil
}
func (d *fakeDriver) TypeAt(context.Context, float64, float64, string, bool) error { return nil }
func (d *fakeDriver) Scroll(context.Context, string, int) error                 { return nil }
func (d *fakeDriver) ScrollAt(context.Context, float64, float64, float64) error { return nil }
func (d *fakeDriver) KeyCombo(context.Context, []string) error                  { return nil }

func (d *fakeDriver) Pages(context.Context) ([]browser.PageInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pages == nil {
		return []browser.PageInfo{{TargetID: "t1", URL: d.url}}, nil
	}
	return d.pages, nil
}

func (d *fakeDriver) SwitchToPage(context.Context, string) error { return nil }

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) setDOM(dom string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dom = dom
}

func (d *fakeDriver) setURL(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = url
}

func (d *fakeDriver) setViewport(w, h int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.width, d.height = w, h
}

// fakeOracle answers with the supplied function.
type fakeOracle struct {
	decide func(ctx context.Context, pc schemas.PromptContext) (schemas.Decision, error)
}

var _ schemas.DecisionOracle = (*fakeOracle)(nil)

func (o *fakeOracle) Name() string { return "fake" }

func (o *fakeOracle) Decide(ctx context.Context, pc schemas.PromptContext) (schemas.Decision, error) {
	return o.decide(ctx, pc)
}

func testLogger() *zap.Logger { return zap.NewNop() }
