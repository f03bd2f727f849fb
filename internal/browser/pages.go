// internal/browser/pages.go
package browser

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// relevanceKeywords mark URLs that look like part of an invoicing flow.
var relevanceKeywords = []string{
	"factura", "facturacion", "cfdi", "invoice", "billing",
	"comprobante", "fiscal", "timbrado",
}

// ScorePage rates one open page for the invoicing task. Keyword matches in
// the URL or title dominate; a domain the run has not visited yet earns a
// novelty bonus because new tabs opened by a click usually land off-domain.
func ScorePage(p PageInfo, knownDomains map[string]bool) float64 {
	var score float64

	lowerURL := strings.ToLower(p.URL)
	lowerTitle := strings.ToLower(p.Title)
	for _, kw := range relevanceKeywords {
		if strings.Contains(lowerURL, kw) {
			score += 3
		}
		if strings.Contains(lowerTitle, kw) {
			score += 1.5
		}
	}

	if u, err := url.Parse(p.URL); err == nil && u.Hostname() != "" {
		if !knownDomains[u.Hostname()] {
			score += 2
		}
	}

	// Blank and internal pages are never relevant.
	if p.URL == "" || strings.HasPrefix(lowerURL, "about:") || strings.HasPrefix(lowerURL, "chrome:") {
		score = -1
	}
	return score
}

// SwitchToRelevantPage re-anchors the session on the best-scoring open page.
// Called after actions that may have spawned a tab; a no-op when the current
// page already wins or nothing else is open.
func SwitchToRelevantPage(ctx context.Context, s Driver, logger *zap.Logger, knownDomains map[string]bool) error {
	pages, err := s.Pages(ctx)
	if err != nil {
		return err
	}
	if len(pages) <= 1 {
		return nil
	}

	currentURL, err := s.CurrentURL(ctx)
	if err != nil {
		return err
	}

	best := -1
	bestScore := 0.0
	var currentScore float64
	for i, p := range pages {
		score := ScorePage(p, knownDomains)
		if p.URL == currentURL {
			currentScore = score
			continue
		}
		if best == -1 || score > bestScore {
			best = i
			bestScore = score
		}
	}

	if best == -1 || bestScore <= currentScore {
		return nil
	}

	logger.Info("Re-anchoring on newly relevant page",
		zap.String("url", pages[best].URL),
		zap.Float64("score", bestScore))
	return s.SwitchToPage(ctx, pages[best].TargetID)
}
