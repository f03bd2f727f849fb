// internal/config/config.go
package config

import (
	"fmt"
	"time"

	homedir "github.com/mitchellh/go-homedir"
)

// Provider identifiers for the model-backed decision oracle.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Oracle modes. "auto" prefers the model backend and degrades to rules when
// no provider is configured or all providers fail.
const (
	OracleModeRules = "rules"
	OracleModeModel = "model"
	OracleModeAuto  = "auto"
)

// Config is the root configuration, unmarshalled from config.yaml plus
// FACTURA_* environment overrides by the cmd package.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Oracle  OracleConfig  `mapstructure:"oracle" yaml:"oracle"`
	Visual  VisualConfig  `mapstructure:"visual" yaml:"visual"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Args              []string      `mapstructure:"args" yaml:"args"`
}

// EngineConfig configures the orchestration run loop.
type EngineConfig struct {
	// MaxSteps is the per-run step budget. Values are clamped to [18,25];
	// zero selects the default of 20.
	MaxSteps int `mapstructure:"max_steps" yaml:"max_steps"`
	// SettleDelay is the fixed pause after each action that lets dynamic
	// content settle. It is cancellable, never a blind sleep.
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	// StagnationLimit is how many consecutive no-progress actions are
	// tolerated before the run escalates toward ERROR.
	StagnationLimit int `mapstructure:"stagnation_limit" yaml:"stagnation_limit"`
	// ArtifactDir is where per-step screenshots are written. Supports "~".
	ArtifactDir string `mapstructure:"artifact_dir" yaml:"artifact_dir"`
	// ScreenshotQuality is the JPEG/WebP quality (1-100) for captures.
	ScreenshotQuality int `mapstructure:"screenshot_quality" yaml:"screenshot_quality"`
	// Concurrency bounds how many sessions the CLI runs at once.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// ModelConfig describes one model provider endpoint.
type ModelConfig struct {
	Provider   string        `mapstructure:"provider" yaml:"provider"`
	Model      string        `mapstructure:"model" yaml:"model"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxTokens  int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// OracleConfig wires the decision backends. When the primary provider fails,
// the secondary is tried; when both fail the rule backend answers.
type OracleConfig struct {
	// Mode selects "rules", "model", or "auto" (model with rule fallback).
	Mode      string      `mapstructure:"mode" yaml:"mode"`
	Primary   ModelConfig `mapstructure:"primary" yaml:"primary"`
	Secondary ModelConfig `mapstructure:"secondary" yaml:"secondary"`
	// RequestsPerMinute limits provider calls across all sessions sharing
	// the pooled client.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	// MaxCandidates is the top-N candidate elements serialized per prompt.
	MaxCandidates int `mapstructure:"max_candidates" yaml:"max_candidates"`
	// MaxDOMChars truncates the DOM excerpt sent to the model backend.
	MaxDOMChars int `mapstructure:"max_dom_chars" yaml:"max_dom_chars"`
}

// VisualConfig configures the coordinate-action loop.
type VisualConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Model    string `mapstructure:"model" yaml:"model"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	MaxTurns int    `mapstructure:"max_turns" yaml:"max_turns"`
}

// NewDefaultConfig returns a Config with production defaults applied.
func NewDefaultConfig() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			ServiceName: "facturabot",
			MaxSize:     50,
			MaxBackups:  3,
			MaxAge:      14,
			Colors: ColorConfig{
				Debug: "cyan", Info: "green", Warn: "yellow",
				Error: "red", DPanic: "magenta", Panic: "magenta", Fatal: "red",
			},
		},
		Browser: BrowserConfig{
			Headless:          true,
			ViewportWidth:     1280,
			ViewportHeight:    800,
			NavigationTimeout: 45 * time.Second,
			UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		},
		Engine: EngineConfig{
			MaxSteps:          20,
			SettleDelay:       1500 * time.Millisecond,
			StagnationLimit:   4,
			ArtifactDir:       "./artifacts",
			ScreenshotQuality: 70,
			Concurrency:       2,
		},
		Oracle: OracleConfig{
			Mode:              "auto",
			RequestsPerMinute: 30,
			MaxCandidates:     12,
			MaxDOMChars:       8000,
			Primary: ModelConfig{
				Provider:   ProviderGemini,
				Model:      "gemini-2.0-flash",
				APITimeout: 45 * time.Second,
				MaxTokens:  1024,
			},
			Secondary: ModelConfig{
				Provider:   ProviderOpenAI,
				Model:      "gpt-4o-mini",
				APITimeout: 45 * time.Second,
				MaxTokens:  1024,
			},
		},
		Visual: VisualConfig{
			Model:    "gemini-2.0-flash",
			MaxTurns: 18,
		},
	}
}

// Validate normalizes derived fields and rejects unusable configurations.
func (c *Config) Validate() error {
	switch {
	case c.Engine.MaxSteps == 0:
		c.Engine.MaxSteps = 20
	case c.Engine.MaxSteps < 18:
		c.Engine.MaxSteps = 18
	case c.Engine.MaxSteps > 25:
		c.Engine.MaxSteps = 25
	}
	if c.Engine.SettleDelay <= 0 {
		c.Engine.SettleDelay = 1500 * time.Millisecond
	}
	if c.Engine.StagnationLimit <= 0 {
		c.Engine.StagnationLimit = 4
	}
	if c.Engine.Concurrency <= 0 {
		c.Engine.Concurrency = 1
	}
	if c.Engine.ScreenshotQuality <= 0 || c.Engine.ScreenshotQuality > 100 {
		c.Engine.ScreenshotQuality = 70
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport dimensions must be positive (got %dx%d)",
			c.Browser.ViewportWidth, c.Browser.ViewportHeight)
	}
	switch c.Oracle.Mode {
	case "", OracleModeAuto:
		c.Oracle.Mode = OracleModeAuto
	case OracleModeRules, OracleModeModel:
	default:
		return fmt.Errorf("oracle mode must be one of rules|model|auto, got %q", c.Oracle.Mode)
	}
	if c.Oracle.MaxCandidates <= 0 {
		c.Oracle.MaxCandidates = 12
	}
	if c.Oracle.MaxDOMChars <= 0 {
		c.Oracle.MaxDOMChars = 8000
	}
	if c.Visual.MaxTurns <= 0 {
		c.Visual.MaxTurns = 18
	}

	expanded, err := homedir.Expand(c.Engine.ArtifactDir)
	if err != nil {
		return fmt.Errorf("failed to expand artifact dir %q: %w", c.Engine.ArtifactDir, err)
	}
	c.Engine.ArtifactDir = expanded
	return nil
}
