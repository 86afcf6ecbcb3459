// Package catalog resolves model ids to pricing/capability records and
// supplies the fixed per-provider base URLs and authentication header
// shapes the executor needs to dispatch a request upstream.
package catalog

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/clawroute/clawroute/pkg/models"
)

// Catalog is a thread-safe lookup table of ModelEntry records. Reads
// vastly outnumber writes (writes only happen if an operator registers
// a model at runtime), so it is guarded by a RWMutex rather than a
// channel or actor, matching the reference control-plane's catalog.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*models.ModelEntry
}

// New builds a Catalog pre-populated with the bundled default entries.
func New() *Catalog {
	c := &Catalog{entries: make(map[string]*models.ModelEntry)}
	for _, e := range builtinDefaults() {
		entry := e
		c.entries[entry.ID] = &entry
	}
	return c
}

// Register adds or replaces a catalog entry.
func (c *Catalog) Register(entry models.ModelEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.ID] = &entry
}

// Lookup resolves a model id to its catalog entry. Resolution order:
// exact match, suffix match against "provider/name", then case-insensitive
// substring match. The last two are best-effort for unregistered models.
func (c *Catalog) Lookup(modelID string) (*models.ModelEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.entries[modelID]; ok {
		return e, true
	}

	for id, e := range c.entries {
		if strings.HasSuffix(id, "/"+modelID) || strings.HasSuffix(modelID, "/"+idSuffix(id)) {
			return e, true
		}
	}

	lower := strings.ToLower(modelID)
	for id, e := range c.entries {
		if strings.Contains(strings.ToLower(id), lower) || strings.Contains(lower, strings.ToLower(idSuffix(id))) {
			return e, true
		}
	}

	return nil, false
}

func idSuffix(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Provider infers the provider for a model id: the "/" prefix when it
// names a known provider, else a name-based heuristic, defaulting to
// openai.
func Provider(modelID string) string {
	if i := strings.Index(modelID, "/"); i >= 0 {
		prefix := modelID[:i]
		if isKnownProvider(prefix) {
			return prefix
		}
	}
	lower := strings.ToLower(modelID)
	switch {
	case strings.Contains(lower, "claude"):
		return "anthropic"
	case strings.Contains(lower, "gpt"), strings.Contains(lower, "o1"), strings.Contains(lower, "o3"):
		return "openai"
	case strings.Contains(lower, "gemini"):
		return "google"
	case strings.Contains(lower, "deepseek"):
		return "deepseek"
	default:
		return "openai"
	}
}

func isKnownProvider(p string) bool {
	switch p {
	case "anthropic", "openai", "google", "deepseek", "openrouter":
		return true
	default:
		return false
	}
}

// unknownModelDefault is charged for models absent from the catalog so
// that cost-savings estimates are never overestimated downward.
var unknownModelDefault = models.ModelEntry{
	ID: "unknown", Provider: "openai",
	InputCostPerMillion: 15, OutputCostPerMillion: 75,
	MaxContext: 128000, ToolCapable: true, Multimodal: true, Enabled: true,
}

// Cost computes the USD cost of a request against the catalog entry for
// modelID, falling back to a conservative high-tier default for unknown
// models.
func (c *Catalog) Cost(modelID string, inTokens, outTokens int) float64 {
	entry, ok := c.Lookup(modelID)
	if !ok {
		entry = &unknownModelDefault
	}
	in := float64(inTokens) / 1_000_000 * entry.InputCostPerMillion
	out := float64(outTokens) / 1_000_000 * entry.OutputCostPerMillion
	return math.Round((in+out)*1_000_000) / 1_000_000
}

// BaseURL returns the fixed API base URL for a provider.
func BaseURL(provider string) string {
	switch provider {
	case "anthropic":
		return "https://api.anthropic.com/v1"
	case "openai":
		return "https://api.openai.com/v1"
	case "google":
		return "https://generativelanguage.googleapis.com/v1beta/openai"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

// AuthHeaders returns the provider-specific authentication headers for a
// credential. Anthropic uses x-api-key plus an explicit anthropic-version;
// every other provider uses a bearer Authorization header.
func AuthHeaders(provider, key string) map[string]string {
	if provider == "anthropic" {
		return map[string]string{
			"x-api-key":         key,
			"anthropic-version": "2023-06-01",
		}
	}
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", key),
	}
}

// builtinDefaults mirrors the bundled model table a fresh install ships
// with — five providers, one entry per tier's primary/fallback model.
func builtinDefaults() []models.ModelEntry {
	return []models.ModelEntry{
		{ID: "google/gemini-2.5-flash-lite", Provider: "google", InputCostPerMillion: 0.1, OutputCostPerMillion: 0.4, MaxContext: 1_000_000, ToolCapable: true, Multimodal: true, Enabled: true},
		{ID: "openai/gpt-4o-mini", Provider: "openai", InputCostPerMillion: 0.15, OutputCostPerMillion: 0.6, MaxContext: 128_000, ToolCapable: true, Multimodal: true, Enabled: true},
		{ID: "deepseek/deepseek-chat", Provider: "deepseek", InputCostPerMillion: 0.27, OutputCostPerMillion: 1.1, MaxContext: 64_000, ToolCapable: true, Multimodal: false, Enabled: true},
		{ID: "anthropic/claude-3-5-haiku", Provider: "anthropic", InputCostPerMillion: 0.8, OutputCostPerMillion: 4, MaxContext: 200_000, ToolCapable: true, Multimodal: false, Enabled: true},
		{ID: "openai/gpt-4o", Provider: "openai", InputCostPerMillion: 2.5, OutputCostPerMillion: 10, MaxContext: 128_000, ToolCapable: true, Multimodal: true, Enabled: true},
		{ID: "google/gemini-2.5-pro", Provider: "google", InputCostPerMillion: 1.25, OutputCostPerMillion: 10, MaxContext: 2_000_000, ToolCapable: true, Multimodal: true, Enabled: true},
		{ID: "anthropic/claude-sonnet-4-5", Provider: "anthropic", InputCostPerMillion: 3, OutputCostPerMillion: 15, MaxContext: 200_000, ToolCapable: true, Multimodal: true, Enabled: true},
		{ID: "openai/o3", Provider: "openai", InputCostPerMillion: 10, OutputCostPerMillion: 40, MaxContext: 200_000, ToolCapable: true, Multimodal: true, Enabled: true},
		{ID: "anthropic/claude-opus-4-1", Provider: "anthropic", InputCostPerMillion: 15, OutputCostPerMillion: 75, MaxContext: 200_000, ToolCapable: true, Multimodal: true, Enabled: true},
		{ID: "openrouter/auto", Provider: "openrouter", InputCostPerMillion: 5, OutputCostPerMillion: 15, MaxContext: 128_000, ToolCapable: true, Multimodal: true, Enabled: true},
	}
}

// DefaultTierConfig is the bundled primary/fallback pairing per tier.
func DefaultTierConfig() map[models.Tier]models.TierModelConfig {
	return map[models.Tier]models.TierModelConfig{
		models.Heartbeat: {Primary: "google/gemini-2.5-flash-lite", Fallback: "openai/gpt-4o-mini"},
		models.Simple:    {Primary: "openai/gpt-4o-mini", Fallback: "deepseek/deepseek-chat"},
		models.Moderate:  {Primary: "anthropic/claude-3-5-haiku", Fallback: "openai/gpt-4o"},
		models.Complex:   {Primary: "openai/gpt-4o", Fallback: "google/gemini-2.5-pro"},
		models.Frontier:  {Primary: "anthropic/claude-sonnet-4-5", Fallback: "openai/o3"},
	}
}
