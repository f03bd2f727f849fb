// internal/oracle/oracle.go

// Package oracle decides the next browser action for a session. Two backends
// satisfy the same DecisionOracle contract: a deterministic rule backend built
// on keyword heuristics, and a model backend that prompts a language model for
// a structured decision. The failover chain composes them so a run never stalls
// on provider outages.
package oracle

import (
	"context"

	"go.uber.org/zap"

	"github.com/danielgoes1996/facturabot/api/schemas"
	"github.com/danielgoes1996/facturabot/internal/config"
	"github.com/danielgoes1996/facturabot/internal/llmclient"
)

// Chain tries the model backend first and falls through to rules when the
// model backend returns an error (all providers down). A model decision that
// parses, even an ERROR action, is authoritative and does not fall through.
type Chain struct {
	model  schemas.DecisionOracle
	rules  schemas.DecisionOracle
	logger *zap.Logger
}

var _ schemas.DecisionOracle = (*Chain)(nil)

// New builds the oracle for the configured mode. "rules" skips providers
// entirely; "model" and "auto" construct the router, with "auto" degrading to
// rules-only when no provider keys are configured.
func New(cfg config.OracleConfig, logger *zap.Logger) (schemas.DecisionOracle, error) {
	rules := NewRuleOracle(logger)

	if cfg.Mode == config.OracleModeRules {
		return rules, nil
	}

	router, err := llmclient.NewRouter(cfg, logger)
	if err != nil {
		if cfg.Mode == config.OracleModeAuto {
			logger.Named("oracle").Info("No model providers configured, using rule backend only")
			return rules, nil
		}
		return nil, err
	}

	model := NewModelOracle(router, cfg.MaxCandidates, cfg.MaxDOMChars, logger)
	return NewChain(model, rules, logger), nil
}

// NewChain composes a model backend with a rule fallback.
func NewChain(model, rules schemas.DecisionOracle, logger *zap.Logger) *Chain {
	return &Chain{model: model, rules: rules, logger: logger.Named("oracle.chain")}
}

// Name identifies the backend in step records and logs.
func (c *Chain) Name() string { return "chain" }

// Decide delegates to the model backend, falling back to rules on provider
// failure. Context cancellation propagates instead of falling back.
func (c *Chain) Decide(ctx context.Context, pc schemas.PromptContext) (schemas.Decision, error) {
	if c.model != nil {
		d, err := c.model.Decide(ctx, pc)
		if err == nil {
			return d, nil
		}
		if ctx.Err() != nil {
			return schemas.Decision{}, ctx.Err()
		}
		c.logger.Warn("Model backend failed, falling back to rules", zap.Error(err))
	}
	return c.rules.Decide(ctx, pc)
}
