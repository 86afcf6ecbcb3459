package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clawroute/clawroute/internal/api/handlers"
	"github.com/clawroute/clawroute/internal/catalog"
	"github.com/clawroute/clawroute/internal/config"
	"github.com/clawroute/clawroute/internal/executor"
	"github.com/clawroute/clawroute/internal/metrics"
)

func testHandlers(t *testing.T) *handlers.Handlers {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "openai-key")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("DEEPSEEK_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("CLAWROUTE_CONFIG_FILE", "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cat := catalog.New()
	exec := executor.New(cfg, cat)
	sink := metrics.NewMemorySink()
	return handlers.New(cfg, cat, exec, sink, sink, "test-version")
}

func TestChatCompletionsRejectsMissingModel(t *testing.T) {
	h := testHandlers(t)
	body := bytes.NewBufferString(`{"messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChatCompletionsRejectsMissingMessages(t *testing.T) {
	h := testHandlers(t)
	body := bytes.NewBufferString(`{"model":"gpt-4o"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChatCompletionsRejectsMalformedJSON(t *testing.T) {
	h := testHandlers(t)
	body := bytes.NewBufferString(`not json at all`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMessagesPlaceholderReturnsUnsupported(t *testing.T) {
	h := testHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()

	h.MessagesPlaceholder(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	errBody, _ := body["error"].(map[string]any)
	if errBody["code"] != "unsupported_format" {
		t.Errorf("error.code = %v, want unsupported_format", errBody["code"])
	}
}

func TestHealthReportsEnabledAndDryRun(t *testing.T) {
	h := testHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["enabled"] != true {
		t.Errorf("enabled field = %v, want true", body["enabled"])
	}
	if body["dryRun"] != false {
		t.Errorf("dryRun field = %v, want false", body["dryRun"])
	}
}

func TestVersionInfo(t *testing.T) {
	h := testHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()

	h.VersionInfo(rec, req)
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["version"] != "test-version" {
		t.Errorf("version = %q, want test-version", body["version"])
	}
}

func TestGetConfigRedactsAPIKey(t *testing.T) {
	h := testHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()

	h.GetConfig(rec, req)
	if bytes.Contains(rec.Body.Bytes(), []byte("openai-key")) {
		t.Error("GetConfig leaked the raw API key")
	}
}

func TestEnableDisableRoundTrip(t *testing.T) {
	h := testHandlers(t)

	rec := httptest.NewRecorder()
	h.Disable(rec, httptest.NewRequest(http.MethodPost, "/api/disable", nil))
	if h.Config.Enabled() {
		t.Error("Enabled() = true after Disable")
	}

	rec = httptest.NewRecorder()
	h.Enable(rec, httptest.NewRequest(http.MethodPost, "/api/enable", nil))
	if !h.Config.Enabled() {
		t.Error("Enabled() = false after Enable")
	}
}

func TestDryRunRoundTrip(t *testing.T) {
	h := testHandlers(t)

	h.DryRunEnable(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/dry-run/enable", nil))
	if !h.Config.DryRun() {
		t.Error("DryRun() = false after DryRunEnable")
	}
	h.DryRunDisable(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/dry-run/disable", nil))
	if h.Config.DryRun() {
		t.Error("DryRun() = true after DryRunDisable")
	}
}

func TestOverrideGlobalSetAndClear(t *testing.T) {
	h := testHandlers(t)

	setBody := bytes.NewBufferString(`{"model":"openai/gpt-4o"}`)
	rec := httptest.NewRecorder()
	h.OverrideGlobal(rec, httptest.NewRequest(http.MethodPost, "/api/override/global", setBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := h.Config.Overrides().GlobalForceModel; got != "openai/gpt-4o" {
		t.Errorf("GlobalForceModel = %q, want openai/gpt-4o", got)
	}

	clearBody := bytes.NewBufferString(`{"enabled":false}`)
	rec = httptest.NewRecorder()
	h.OverrideGlobal(rec, httptest.NewRequest(http.MethodPost, "/api/override/global", clearBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := h.Config.Overrides().GlobalForceModel; got != "" {
		t.Errorf("GlobalForceModel = %q, want cleared", got)
	}
}

func TestOverrideGlobalRejectsEmptyModel(t *testing.T) {
	h := testHandlers(t)
	body := bytes.NewBufferString(`{}`)
	rec := httptest.NewRecorder()
	h.OverrideGlobal(rec, httptest.NewRequest(http.MethodPost, "/api/override/global", body))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestOverrideSessionUpsertAndDelete(t *testing.T) {
	h := testHandlers(t)

	upsertBody := bytes.NewBufferString(`{"sessionId":"s1","model":"openai/gpt-4o-mini","turns":3}`)
	rec := httptest.NewRecorder()
	h.OverrideSessionUpsert(rec, httptest.NewRequest(http.MethodPost, "/api/override/session", upsertBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	session, ok := h.Config.Overrides().Sessions["s1"]
	if !ok || session.Model != "openai/gpt-4o-mini" || session.RemainingTurns != 3 {
		t.Fatalf("unexpected session state: %+v", session)
	}

	deleteBody := bytes.NewBufferString(`{"sessionId":"s1"}`)
	rec = httptest.NewRecorder()
	h.OverrideSessionDelete(rec, httptest.NewRequest(http.MethodDelete, "/api/override/session", deleteBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, ok := h.Config.Overrides().Sessions["s1"]; ok {
		t.Error("expected session override removed")
	}
}

func TestOverrideSessionUpsertRejectsMissingFields(t *testing.T) {
	h := testHandlers(t)
	body := bytes.NewBufferString(`{"sessionId":"s1"}`)
	rec := httptest.NewRecorder()
	h.OverrideSessionUpsert(rec, httptest.NewRequest(http.MethodPost, "/api/override/session", body))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	handlers.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
