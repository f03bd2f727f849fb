// internal/browser/interfaces.go
package browser

import "context"

// PageInfo describes one open page (tab) in the browser.
type PageInfo struct {
	TargetID string
	URL      string
	Title    string
	Opener   string
}

// Driver is the thin adapter the orchestration engine talks to. One Driver is
// one browser context bound to one task; it is never shared across sessions.
// All methods honor context cancellation.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error

	CurrentURL(ctx context.Context) (string, error)
	DOMSnapshot(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	ViewportSize(ctx context.Context) (width, height int64, err error)

	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, text string, submitOnEnter bool) error
	ClickAt(ctx context.Context, x, y float64) error
	TypeAt(ctx context.Context, x, y float64, text string, submitOnEnter bool) error
	Scroll(ctx context.Context, direction string, magnitude int) error
	ScrollAt(ctx context.Context, x, y float64, deltaY float64) error
	KeyCombo(ctx context.Context, keys []string) error

	Pages(ctx context.Context) ([]PageInfo, error)
	SwitchToPage(ctx context.Context, targetID string) error

	Close() error
}
