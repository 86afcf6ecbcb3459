// Package config owns the process-wide Configuration value: its layered
// construction at startup (bundled defaults, optional JSON file,
// environment variables) and the small set of admin mutators that
// change its live fields afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clawroute/clawroute/internal/catalog"
	"github.com/clawroute/clawroute/pkg/models"
)

// Configuration is the process-wide live value. Scalar mutable fields
// (Enabled, DryRun, Overrides) are guarded by mu; every other field is
// set once at startup and treated as immutable afterward, per the
// reference repo's "single owned handle" configuration style.
type Configuration struct {
	mu sync.RWMutex

	// Immutable after startup.
	ProxyPort               int
	ProxyHost                string
	AuthToken                string
	RetentionDays            int
	MinConfidence            float64
	Debug                    bool
	LogContent               bool
	ToolAwareEscalation      bool
	ConservativeMode         bool
	MaxRetries               int
	RetryDelayMs             int
	AlwaysFallbackToOriginal bool
	APIKeys                  map[string]string // provider -> key, empty = unavailable
	Models                   map[models.Tier]models.TierModelConfig
	CORSOrigins              []string
	OTelEnabled              bool

	// Mutable via admin endpoints.
	enabled   bool
	dryRun    bool
	overrides models.Overrides
}

// fileLayer is the optional JSON user-config file shape; every field is
// optional and only overrides a default when present.
type fileLayer struct {
	ProxyPort                *int               `json:"proxyPort"`
	ProxyHost                *string            `json:"proxyHost"`
	RetentionDays            *int               `json:"retentionDays"`
	MinConfidence            *float64           `json:"minConfidence"`
	ToolAwareEscalation      *bool              `json:"toolAwareEscalation"`
	ConservativeMode         *bool              `json:"conservativeMode"`
	MaxRetries               *int               `json:"maxRetries"`
	RetryDelayMs             *int               `json:"retryDelayMs"`
	AlwaysFallbackToOriginal *bool              `json:"alwaysFallbackToOriginal"`
	Enabled                  *bool              `json:"enabled"`
	DryRun                   *bool              `json:"dryRun"`
}

// Load builds the Configuration from bundled defaults, an optional JSON
// file (path from CLAWROUTE_CONFIG_FILE), and environment variables, in
// that order — each layer only overrides fields the previous layer set.
// Returns a configuration error (fatal at startup) if validation fails.
func Load() (*Configuration, error) {
	c := &Configuration{
		ProxyPort:                8089,
		ProxyHost:                "127.0.0.1",
		RetentionDays:            30,
		MinConfidence:            0.6,
		MaxRetries:               2,
		RetryDelayMs:             250,
		AlwaysFallbackToOriginal: true,
		ToolAwareEscalation:      true,
		ConservativeMode:         true,
		Models:                   catalog.DefaultTierConfig(),
		CORSOrigins:              []string{"*"},
		enabled:                  true,
		overrides: models.Overrides{
			Sessions: make(map[string]*models.SessionOverride),
		},
	}

	if path := os.Getenv("CLAWROUTE_CONFIG_FILE"); path != "" {
		if err := c.applyFile(path); err != nil {
			return nil, fmt.Errorf("configuration error: %w", err)
		}
	}

	c.applyEnv()

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return c, nil
}

func (c *Configuration) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	var f fileLayer
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	if f.ProxyPort != nil {
		c.ProxyPort = *f.ProxyPort
	}
	if f.ProxyHost != nil {
		c.ProxyHost = *f.ProxyHost
	}
	if f.RetentionDays != nil {
		c.RetentionDays = *f.RetentionDays
	}
	if f.MinConfidence != nil {
		c.MinConfidence = *f.MinConfidence
	}
	if f.ToolAwareEscalation != nil {
		c.ToolAwareEscalation = *f.ToolAwareEscalation
	}
	if f.ConservativeMode != nil {
		c.ConservativeMode = *f.ConservativeMode
	}
	if f.MaxRetries != nil {
		c.MaxRetries = *f.MaxRetries
	}
	if f.RetryDelayMs != nil {
		c.RetryDelayMs = *f.RetryDelayMs
	}
	if f.AlwaysFallbackToOriginal != nil {
		c.AlwaysFallbackToOriginal = *f.AlwaysFallbackToOriginal
	}
	if f.Enabled != nil {
		c.enabled = *f.Enabled
	}
	if f.DryRun != nil {
		c.dryRun = *f.DryRun
	}
	return nil
}

func (c *Configuration) applyEnv() {
	c.APIKeys = map[string]string{
		"anthropic":  os.Getenv("ANTHROPIC_API_KEY"),
		"openai":     os.Getenv("OPENAI_API_KEY"),
		"google":     os.Getenv("GOOGLE_API_KEY"),
		"deepseek":   os.Getenv("DEEPSEEK_API_KEY"),
		"openrouter": os.Getenv("OPENROUTER_API_KEY"),
	}
	c.ProxyPort = envInt("CLAWROUTE_PORT", c.ProxyPort)
	c.ProxyHost = envStr("CLAWROUTE_HOST", c.ProxyHost)
	c.AuthToken = envStr("CLAWROUTE_TOKEN", c.AuthToken)
	c.enabled = envBool("CLAWROUTE_ENABLED", c.enabled)
	c.dryRun = envBool("CLAWROUTE_DRY_RUN", c.dryRun)
	c.Debug = envBool("CLAWROUTE_DEBUG", c.Debug)
	c.LogContent = envBool("CLAWROUTE_LOG_CONTENT", false)
	c.OTelEnabled = envBool("CLAWROUTE_OTEL_ENABLED", false)
	if origins := os.Getenv("CLAWROUTE_CORS_ORIGINS"); origins != "" {
		c.CORSOrigins = splitCSV(origins)
	}
}

func (c *Configuration) validate() error {
	if c.ProxyPort < 1 || c.ProxyPort > 65535 {
		return fmt.Errorf("proxyPort %d out of range [1,65535]", c.ProxyPort)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retentionDays must be >= 1, got %d", c.RetentionDays)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("minConfidence must be in [0,1], got %f", c.MinConfidence)
	}
	anyKey := false
	for _, v := range c.APIKeys {
		if v != "" {
			anyKey = true
			break
		}
	}
	if !anyKey {
		return fmt.Errorf("at least one provider API key must be configured")
	}
	for _, t := range models.AllTiers {
		tc, ok := c.Models[t]
		if !ok || tc.Primary == "" || tc.Fallback == "" {
			return fmt.Errorf("tier %s missing primary/fallback model config", t)
		}
	}
	return nil
}

// ── Reads ───────────────────────────────────────────────────

func (c *Configuration) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

func (c *Configuration) DryRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dryRun
}

// Overrides returns a snapshot copy of the live overrides, safe for the
// caller to read without further locking.
func (c *Configuration) Overrides() models.Overrides {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sessions := make(map[string]*models.SessionOverride, len(c.overrides.Sessions))
	for k, v := range c.overrides.Sessions {
		cp := *v
		sessions[k] = &cp
	}
	return models.Overrides{GlobalForceModel: c.overrides.GlobalForceModel, Sessions: sessions}
}

// KeyFor returns the configured API key for a provider ("" if unavailable).
func (c *Configuration) KeyFor(provider string) string {
	return c.APIKeys[provider]
}

// Redacted returns a JSON-serializable snapshot of the configuration with
// every secret replaced by "[REDACTED]", for GET /api/config.
func (c *Configuration) Redacted() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	redactedKeys := make(map[string]string, len(c.APIKeys))
	for p, k := range c.APIKeys {
		if k == "" {
			redactedKeys[p] = ""
		} else {
			redactedKeys[p] = "[REDACTED]"
		}
	}
	return map[string]any{
		"proxyPort":                c.ProxyPort,
		"proxyHost":                c.ProxyHost,
		"authToken":                redactToken(c.AuthToken),
		"retentionDays":            c.RetentionDays,
		"minConfidence":            c.MinConfidence,
		"toolAwareEscalation":      c.ToolAwareEscalation,
		"conservativeMode":         c.ConservativeMode,
		"maxRetries":               c.MaxRetries,
		"retryDelayMs":             c.RetryDelayMs,
		"alwaysFallbackToOriginal": c.AlwaysFallbackToOriginal,
		"apiKeys":                  redactedKeys,
		"models":                   c.Models,
		"enabled":                  c.enabled,
		"dryRun":                   c.dryRun,
		"overrides":                c.overrides,
	}
}

func redactToken(token string) string {
	if token == "" {
		return ""
	}
	return "[REDACTED]"
}

// ── Admin mutators ──────────────────────────────────────────
// Each mutator takes the write lock briefly and returns; none of them
// perform I/O, matching the "atomic reads of scalar fields, a
// single guarding lock" shared-resource policy.

func (c *Configuration) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

func (c *Configuration) SetDryRun(dryRun bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dryRun = dryRun
}

// SetGlobalOverride pins every request to model regardless of classification.
func (c *Configuration) SetGlobalOverride(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides.GlobalForceModel = model
}

// ClearGlobalOverride removes the global force-model override.
func (c *Configuration) ClearGlobalOverride() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides.GlobalForceModel = ""
}

// UpsertSessionOverride pins sessionID to model for turns remaining turns
// (models.Infinite for unbounded).
func (c *Configuration) UpsertSessionOverride(sessionID, model string, turns int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides.Sessions[sessionID] = &models.SessionOverride{
		Model:          model,
		RemainingTurns: turns,
		CreatedAt:      time.Now(),
	}
}

// DeleteSessionOverride removes a session override.
func (c *Configuration) DeleteSessionOverride(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overrides.Sessions, sessionID)
}

// DecrementSession reduces a session override's remaining-turns counter by
// one and removes it once exhausted. No-op for unbounded sessions or
// sessions that don't exist. Nothing in the request flow calls this:
// session ids are not currently extracted from requests (see DESIGN.md),
// so this path is implemented but dormant.
func (c *Configuration) DecrementSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.overrides.Sessions[sessionID]
	if !ok || s.RemainingTurns < 0 {
		return
	}
	s.RemainingTurns--
	if s.RemainingTurns <= 0 {
		delete(c.overrides.Sessions, sessionID)
	}
}

// ── env helpers (reference repo's envStr/envInt/envBool pattern) ────

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
