// internal/llmclient/router.go
package llmclient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/danielgoes1996/facturabot/api/schemas"
	"github.com/danielgoes1996/facturabot/internal/config"
)

// Router routes generation requests to a primary client and fails over to
// a secondary when the primary errors. Both slots are optional; an empty
// router reports ErrNoProviders.
type Router struct {
	primary   schemas.LLMClient
	secondary schemas.LLMClient
	logger    *zap.Logger
}

// ErrNoProviders indicates no model backend could be constructed, usually
// because no API keys were configured.
var ErrNoProviders = errors.New("no model providers configured")

// NewRouter builds clients for the configured primary and secondary models.
// A single limiter is shared across both so provider traffic stays bounded
// regardless of which backend serves a request.
func NewRouter(cfg config.OracleConfig, logger *zap.Logger) (*Router, error) {
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}

	r := &Router{logger: logger.Named("llm_router")}

	primary, err := newClient(cfg.Primary, limiter, logger)
	if err != nil {
		r.logger.Warn("Primary model backend unavailable", zap.String("provider", cfg.Primary.Provider), zap.Error(err))
	} else {
		r.primary = primary
	}

	secondary, err := newClient(cfg.Secondary, limiter, logger)
	if err != nil {
		r.logger.Warn("Secondary model backend unavailable", zap.String("provider", cfg.Secondary.Provider), zap.Error(err))
	} else {
		r.secondary = secondary
	}

	if r.primary == nil && r.secondary == nil {
		return nil, ErrNoProviders
	}
	return r, nil
}

// NewRouterWithClients wires pre-built clients. Used by tests and by
// callers that manage client construction themselves.
func NewRouterWithClients(primary, secondary schemas.LLMClient, logger *zap.Logger) *Router {
	return &Router{primary: primary, secondary: secondary, logger: logger.Named("llm_router")}
}

func newClient(cfg config.ModelConfig, limiter *rate.Limiter, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, limiter, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, limiter, logger)
	case "":
		return nil, fmt.Errorf("no provider configured")
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

// Generate tries the primary client first and falls back to the secondary
// on any error. The returned provider name identifies which one answered.
func (r *Router) Generate(ctx context.Context, req schemas.GenerationRequest) (string, string, error) {
	var lastErr error

	if r.primary != nil {
		out, err := r.primary.Generate(ctx, req)
		if err == nil {
			return out, r.primary.Provider(), nil
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		lastErr = err
		r.logger.Warn("Primary provider failed, failing over",
			zap.String("provider", r.primary.Provider()),
			zap.Error(err),
		)
	}

	if r.secondary != nil {
		out, err := r.secondary.Generate(ctx, req)
		if err == nil {
			return out, r.secondary.Provider(), nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return "", "", fmt.Errorf("all model providers failed: %w", lastErr)
	}
	return "", "", ErrNoProviders
}

// HasProvider reports whether at least one backend is available.
func (r *Router) HasProvider() bool {
	return r != nil && (r.primary != nil || r.secondary != nil)
}
