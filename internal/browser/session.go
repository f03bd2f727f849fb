// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielgoes1996/facturabot/internal/config"
)

// Session is the chromedp-backed Driver implementation. One Session is one
// tab context; the active tab can change via SwitchToPage but the Session is
// never shared between orchestration runs.
type Session struct {
	id     string
	logger *zap.Logger
	cfg    config.BrowserConfig

	mu      sync.Mutex
	tabCtx  context.Context
	cancels []context.CancelFunc

	quality   int
	onClose   func()
	closeOnce sync.Once
}

var _ Driver = (*Session)(nil)

func newSession(allocatorCtx context.Context, logger *zap.Logger, cfg config.BrowserConfig, onClose func()) *Session {
	id := uuid.NewString()
	tabCtx, cancel := chromedp.NewContext(allocatorCtx)
	return &Session{
		id:      id,
		logger:  logger.Named("browser_session").With(zap.String("session_id", id)),
		cfg:     cfg,
		tabCtx:  tabCtx,
		cancels: []context.CancelFunc{cancel},
		quality: 70,
		onClose: onClose,
	}
}

// ID returns the session identifier used to key artifacts.
func (s *Session) ID() string { return s.id }

// SetScreenshotQuality overrides the capture quality (1-100).
func (s *Session) SetScreenshotQuality(q int) {
	if q > 0 && q <= 100 {
		s.quality = q
	}
}

// run executes chromedp actions against the active tab, honoring both the
// session lifecycle and the caller's context.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	tabCtx := s.tabCtx
	s.mu.Unlock()

	if tabCtx.Err() != nil {
		return fmt.Errorf("browser session closed: %w", tabCtx.Err())
	}

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(tabCtx, actions...)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Navigate loads a URL and waits for the document body.
func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()

	s.logger.Info("Navigating", zap.String("url", url))
	if err := s.run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigation to %q failed: %w", url, err)
	}
	return nil
}

// Back navigates one history entry back.
func (s *Session) Back(ctx context.Context) error {
	return s.run(ctx, chromedp.NavigateBack())
}

// Forward navigates one history entry forward.
func (s *Session) Forward(ctx context.Context) error {
	return s.run(ctx, chromedp.NavigateForward())
}

// CurrentURL returns the active tab's location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.run(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return url, nil
}

// DOMSnapshot serializes the live document.
func (s *Session) DOMSnapshot(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to capture DOM snapshot: %w", err)
	}
	return html, nil
}

// Screenshot captures the current viewport.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.FullScreenshot(&buf, s.quality)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// ViewportSize reports the live inner window dimensions. Coordinate actions
// are denormalized against these, never against configured values, because
// the portal may have resized the window.
func (s *Session) ViewportSize(ctx context.Context) (int64, int64, error) {
	var dims []int64
	if err := s.run(ctx, chromedp.Evaluate(`[window.innerWidth, window.innerHeight]`, &dims)); err != nil {
		return 0, 0, fmt.Errorf("failed to read viewport size: %w", err)
	}
	if len(dims) != 2 || dims[0] <= 0 || dims[1] <= 0 {
		return 0, 0, fmt.Errorf("invalid viewport dimensions: %v", dims)
	}
	return dims[0], dims[1], nil
}

// Click dispatches a click on the first visible match for the selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	if err := s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click on %q failed: %w", selector, err)
	}
	return nil
}

// Fill clears the field and types the text, optionally pressing Enter.
func (s *Session) Fill(ctx context.Context, selector, text string, submitOnEnter bool) error {
	keys := text
	if submitOnEnter {
		keys += kb.Enter
	}
	if err := s.run(ctx,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, keys, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("fill on %q failed: %w", selector, err)
	}
	return nil
}

// ClickAt dispatches a raw mouse click at viewport pixel coordinates.
func (s *Session) ClickAt(ctx context.Context, x, y float64) error {
	if err := s.run(ctx, chromedp.MouseClickXY(x, y)); err != nil {
		return fmt.Errorf("coordinate click at (%.0f,%.0f) failed: %w", x, y, err)
	}
	return nil
}

// TypeAt focuses the point with a click, then types.
func (s *Session) TypeAt(ctx context.Context, x, y float64, text string, submitOnEnter bool) error {
	keys := text
	if submitOnEnter {
		keys += kb.Enter
	}
	if err := s.run(ctx,
		chromedp.MouseClickXY(x, y),
		chromedp.KeyEvent(keys),
	); err != nil {
		return fmt.Errorf("coordinate type at (%.0f,%.0f) failed: %w", x, y, err)
	}
	return nil
}

// Scroll moves the document by magnitude pixels in the given direction.
func (s *Session) Scroll(ctx context.Context, direction string, magnitude int) error {
	delta := magnitude
	if direction == "up" {
		delta = -magnitude
	}
	script := fmt.Sprintf(`window.scrollBy({top: %d, behavior: "instant"})`, delta)
	if err := s.run(ctx, chromedp.Evaluate(script, nil)); err != nil {
		return fmt.Errorf("scroll %s failed: %w", direction, err)
	}
	return nil
}

// ScrollAt dispatches a wheel event at a point, for scrollable sub-regions.
func (s *Session) ScrollAt(ctx context.Context, x, y float64, deltaY float64) error {
	p := input.DispatchMouseEvent(input.MouseWheel, x, y).
		WithDeltaX(0).
		WithDeltaY(deltaY)
	if err := s.run(ctx, p); err != nil {
		return fmt.Errorf("wheel scroll at (%.0f,%.0f) failed: %w", x, y, err)
	}
	return nil
}

// KeyCombo presses a modifier combination, e.g. ["Control","Enter"]. The last
// entry is the key; everything before it must be a modifier name.
func (s *Session) KeyCombo(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("empty key combination")
	}

	var modifiers input.Modifier
	for _, k := range keys[:len(keys)-1] {
		switch strings.ToLower(k) {
		case "alt":
			modifiers |= input.ModifierAlt
		case "control", "ctrl":
			modifiers |= input.ModifierCtrl
		case "meta", "cmd":
			modifiers |= input.ModifierMeta
		case "shift":
			modifiers |= input.ModifierShift
		default:
			return fmt.Errorf("unknown modifier %q in key combination", k)
		}
	}
	key := keys[len(keys)-1]

	keyDown := input.DispatchKeyEvent(input.KeyDown).WithModifiers(modifiers).WithKey(key)
	keyUp := input.DispatchKeyEvent(input.KeyUp).WithModifiers(modifiers).WithKey(key)
	if err := s.run(ctx, keyDown, keyUp); err != nil {
		return fmt.Errorf("failed to dispatch key combination %v: %w", keys, err)
	}
	return nil
}

// Pages enumerates open page targets in the browser.
func (s *Session) Pages(ctx context.Context) ([]PageInfo, error) {
	s.mu.Lock()
	tabCtx := s.tabCtx
	s.mu.Unlock()

	if tabCtx.Err() != nil {
		return nil, fmt.Errorf("browser session closed: %w", tabCtx.Err())
	}

	infos, err := chromedp.Targets(tabCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}

	var pages []PageInfo
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		pages = append(pages, PageInfo{
			TargetID: string(info.TargetID),
			URL:      info.URL,
			Title:    info.Title,
			Opener:   string(info.OpenerID),
		})
	}
	return pages, nil
}

// SwitchToPage re-anchors the session on an existing target, typically a tab
// opened by a click. The previous tab context stays alive until Close.
func (s *Session) SwitchToPage(ctx context.Context, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tabCtx.Err() != nil {
		return fmt.Errorf("browser session closed: %w", s.tabCtx.Err())
	}

	newCtx, cancel := chromedp.NewContext(s.tabCtx, chromedp.WithTargetID(target.ID(targetID)))
	// Attaching is lazy; run a no-op to verify the target exists.
	if err := chromedp.Run(newCtx, chromedp.Evaluate(`1`, nil)); err != nil {
		cancel()
		return fmt.Errorf("failed to attach to target %s: %w", targetID, err)
	}

	s.tabCtx = newCtx
	s.cancels = append(s.cancels, cancel)
	s.logger.Info("Switched active page", zap.String("target_id", targetID))
	return nil
}

// Close tears down every tab context owned by the session. Safe to call more
// than once; always called at run end regardless of outcome.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("Closing browser session.")
		s.mu.Lock()
		for i := len(s.cancels) - 1; i >= 0; i-- {
			s.cancels[i]()
		}
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
