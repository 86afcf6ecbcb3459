package classifier_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/clawroute/clawroute/internal/classifier"
	"github.com/clawroute/clawroute/internal/config"
	"github.com/clawroute/clawroute/pkg/models"
)

func msg(role, text string) models.ChatMessage {
	raw, _ := json.Marshal(text)
	return models.ChatMessage{Role: role, RawContent: raw}
}

func baseConfig(t *testing.T) *config.Configuration {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "k")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("DEEPSEEK_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("CLAWROUTE_CONFIG_FILE", "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestHeartbeatWords(t *testing.T) {
	cfg := baseConfig(t)
	for _, word := range []string{"ping", "Ping!", "status", "heartbeat", "hi", "yo."} {
		req := &models.ChatRequest{Model: "anthropic/claude-sonnet-4-5", Messages: []models.ChatMessage{msg("user", word)}}
		got := classifier.Classify(req, cfg)
		if got.Tier != models.Heartbeat {
			t.Errorf("Classify(%q).Tier = %s, want Heartbeat", word, got.Tier)
		}
		if !got.SafeToRetry {
			t.Errorf("Classify(%q).SafeToRetry = false, want true", word)
		}
	}
}

func TestAreYouTherePhrasing(t *testing.T) {
	cfg := baseConfig(t)
	req := &models.ChatRequest{Model: "gpt-4o", Messages: []models.ChatMessage{msg("user", "are you there?")}}
	got := classifier.Classify(req, cfg)
	if got.Tier != models.Heartbeat {
		t.Errorf("Tier = %s, want Heartbeat", got.Tier)
	}
}

func TestFencedCodeBlockIsFrontier(t *testing.T) {
	cfg := baseConfig(t)
	req := &models.ChatRequest{Model: "gpt-4o", Messages: []models.ChatMessage{
		msg("user", "fix this:\n```go\nfunc f() {}\n```"),
	}}
	got := classifier.Classify(req, cfg)
	if got.Tier != models.Frontier {
		t.Errorf("Tier = %s, want Frontier", got.Tier)
	}
}

func TestToolsWithActiveToolChoiceIsFrontier(t *testing.T) {
	cfg := baseConfig(t)
	req := &models.ChatRequest{
		Model:      "gpt-4o",
		Messages:   []models.ChatMessage{msg("user", "do the thing")},
		Tools:      []models.ToolDef{{Type: "function", Function: json.RawMessage(`{"name":"do_thing"}`)}},
		ToolChoice: json.RawMessage(`"auto"`),
	}
	got := classifier.Classify(req, cfg)
	if got.Tier != models.Frontier {
		t.Errorf("Tier = %s, want Frontier", got.Tier)
	}
}

// Tools present always implies safeToRetry = false, regardless of tier.
func TestToolsAlwaysUnsafeToRetry(t *testing.T) {
	cfg := baseConfig(t)
	req := &models.ChatRequest{
		Model:    "gpt-4o",
		Messages: []models.ChatMessage{msg("user", "ping")},
		Tools:    []models.ToolDef{{Type: "function", Function: json.RawMessage(`{"name":"x"}`)}},
	}
	got := classifier.Classify(req, cfg)
	if got.SafeToRetry {
		t.Error("SafeToRetry = true with tools present, want false")
	}
}

func TestToolsWithoutChoiceIsComplex(t *testing.T) {
	cfg := baseConfig(t)
	cfg.ToolAwareEscalation = false
	req := &models.ChatRequest{
		Model:    "gpt-4o",
		Messages: []models.ChatMessage{msg("user", "please use a tool for this task today")},
		Tools:    []models.ToolDef{{Type: "function", Function: json.RawMessage(`{"name":"x"}`)}},
	}
	got := classifier.Classify(req, cfg)
	if got.Tier != models.Complex {
		t.Errorf("Tier = %s, want Complex", got.Tier)
	}
}

func TestAcknowledgmentIsSimple(t *testing.T) {
	cfg := baseConfig(t)
	for _, word := range []string{"thanks", "ok", "sounds good", "lol"} {
		req := &models.ChatRequest{Model: "gpt-4o", Messages: []models.ChatMessage{
			msg("user", "a long earlier exchange that isn't short"),
			msg("assistant", "sure, here you go with plenty of detail"),
			msg("user", word),
		}}
		got := classifier.Classify(req, cfg)
		if got.Tier != models.Simple {
			t.Errorf("Classify(%q).Tier = %s, want Simple", word, got.Tier)
		}
	}
}

func TestDefaultIsModerate(t *testing.T) {
	cfg := baseConfig(t)
	cfg.ConservativeMode = false // isolate the plain rule cascade from the confidence clamp
	req := &models.ChatRequest{Model: "gpt-4o", Messages: []models.ChatMessage{
		msg("user", "what do you think about the weather patterns in the pacific northwest this time of year"),
	}}
	got := classifier.Classify(req, cfg)
	if got.Tier != models.Moderate {
		t.Errorf("Tier = %s, want Moderate", got.Tier)
	}
}

func TestConservativeModeBumpThenFrontierJumpOrder(t *testing.T) {
	cfg := baseConfig(t)
	cfg.ConservativeMode = true
	cfg.MinConfidence = 0.99 // forces the bump branch on virtually everything

	// A Moderate default has confidence 0.0 < 0.5, so the
	// one-step bump (Moderate -> Complex) must apply first, then the
	// direct jump to Frontier fires because confidence is still < 0.5.
	req := &models.ChatRequest{Model: "gpt-4o", Messages: []models.ChatMessage{
		msg("user", "what do you think about the weather patterns in the pacific northwest this time of year"),
	}}
	got := classifier.Classify(req, cfg)
	if got.Tier != models.Frontier {
		t.Errorf("Tier = %s, want Frontier after bump+jump", got.Tier)
	}

	signalSet := strings.Join(got.Signals, ",")
	bumpIdx := strings.Index(signalSet, "conservative_bump")
	jumpIdx := strings.Index(signalSet, "conservative_frontier_jump")
	if bumpIdx == -1 || jumpIdx == -1 || bumpIdx > jumpIdx {
		t.Errorf("expected conservative_bump before conservative_frontier_jump in signals, got %v", got.Signals)
	}
}

// When MinConfidence is itself 0, a confidence of exactly 0 is not
// strictly less than MinConfidence, so the one-step bump must not fire —
// but it is still below 0.5, so the direct jump to Frontier must fire
// regardless. The two checks are independent, not nested.
func TestConservativeModeFrontierJumpIndependentOfBump(t *testing.T) {
	cfg := baseConfig(t)
	cfg.ConservativeMode = true
	cfg.MinConfidence = 0.0

	req := &models.ChatRequest{Model: "gpt-4o", Messages: []models.ChatMessage{
		msg("user", "what do you think about the weather patterns in the pacific northwest this time of year"),
	}}
	got := classifier.Classify(req, cfg)
	if got.Confidence != 0.0 {
		t.Fatalf("test setup invalid: confidence %v, want 0.0 (Moderate default)", got.Confidence)
	}
	if got.Tier != models.Frontier {
		t.Errorf("Tier = %s, want Frontier (confidence %v < 0.5 even though it's not < MinConfidence)", got.Tier, got.Confidence)
	}

	signalSet := strings.Join(got.Signals, ",")
	if strings.Contains(signalSet, "conservative_bump") {
		t.Errorf("conservative_bump should not fire when confidence is not strictly less than MinConfidence, got signals %v", got.Signals)
	}
	if !strings.Contains(signalSet, "conservative_frontier_jump") {
		t.Errorf("expected conservative_frontier_jump in signals, got %v", got.Signals)
	}
}

// Classify is pure and deterministic.
func TestClassifyDeterministic(t *testing.T) {
	cfg := baseConfig(t)
	req := &models.ChatRequest{Model: "gpt-4o", Messages: []models.ChatMessage{msg("user", "explain how tcp congestion control works")}}
	a := classifier.Classify(req, cfg)
	b := classifier.Classify(req, cfg)
	if !equalClassification(a, b) {
		t.Errorf("classify not deterministic: %+v vs %+v", a, b)
	}
}

func equalClassification(a, b models.ClassificationResult) bool {
	if a.Tier != b.Tier || a.Confidence != b.Confidence || a.Reason != b.Reason || a.ToolsDetected != b.ToolsDetected || a.SafeToRetry != b.SafeToRetry {
		return false
	}
	if len(a.Signals) != len(b.Signals) {
		return false
	}
	for i := range a.Signals {
		if a.Signals[i] != b.Signals[i] {
			return false
		}
	}
	return true
}

// Classify stays sub-5ms on inputs up to 10KB.
func TestClassifyIsFast(t *testing.T) {
	cfg := baseConfig(t)
	big := strings.Repeat("lorem ipsum dolor sit amet ", 350) // ~9.8KB
	req := &models.ChatRequest{Model: "gpt-4o", Messages: []models.ChatMessage{msg("user", big)}}
	start := time.Now()
	classifier.Classify(req, cfg)
	if elapsed := time.Since(start); elapsed > 5*time.Millisecond {
		t.Errorf("Classify took %s, want <= 5ms", elapsed)
	}
}

func TestModelNameHint(t *testing.T) {
	cfg := baseConfig(t)
	req := &models.ChatRequest{Model: "heartbeat", Messages: []models.ChatMessage{msg("user", "is the system operational right now")}}
	got := classifier.Classify(req, cfg)
	if got.Tier != models.Heartbeat {
		t.Errorf("Tier = %s, want Heartbeat from model-name hint", got.Tier)
	}
}
