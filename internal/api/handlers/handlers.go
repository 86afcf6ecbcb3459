// Package handlers implements ClawRoute's HTTP surface: the
// OpenAI-compatible proxy endpoint and the authenticated admin
// surface that drives the live Configuration.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clawroute/clawroute/internal/catalog"
	"github.com/clawroute/clawroute/internal/classifier"
	"github.com/clawroute/clawroute/internal/config"
	"github.com/clawroute/clawroute/internal/executor"
	"github.com/clawroute/clawroute/internal/metrics"
	"github.com/clawroute/clawroute/internal/router"
	"github.com/clawroute/clawroute/pkg/models"
)

// maxRequestBodyBytes bounds how much of a client's request body the
// proxy will read before giving up; chat-completions payloads are
// small text, so this is generous rather than tight.
const maxRequestBodyBytes = 8 << 20 // 8 MiB

// Handlers holds every dependency the HTTP layer needs: the live
// configuration, model catalog, executor, and metrics sink/aggregator.
type Handlers struct {
	Config     *config.Configuration
	Catalog    *catalog.Catalog
	Executor   *executor.Executor
	Sink       metrics.Sink
	Aggregator metrics.Aggregator
	Version    string
}

func New(cfg *config.Configuration, cat *catalog.Catalog, exec *executor.Executor, sink metrics.Sink, agg metrics.Aggregator, version string) *Handlers {
	return &Handlers{Config: cfg, Catalog: cat, Executor: exec, Sink: sink, Aggregator: agg, Version: version}
}

// ══════════════════════════════════════════════════════════════
// ── Proxy surface ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ChatCompletions implements POST /v1/chat/completions: classify, route,
// execute, and either stream or return the upstream body verbatim.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error", "bad_request_body")
		return
	}

	var req models.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" || len(req.Messages) == 0 {
		writeAPIError(w, http.StatusBadRequest, "request body is not a valid chat-completions request", "invalid_request_error", "invalid_request_body")
		return
	}

	cls, decision := h.classifyAndRoute(&req)

	if req.Stream {
		h.serveStreaming(ctx, w, &req, decision, cls, start)
		return
	}
	h.serveNonStreaming(ctx, w, &req, decision, cls, start)
}

// classifyAndRoute runs the pure classify→route pipeline, recovering
// from any unexpected panic by failing open to a pass-through decision
// targeting the client's originally requested model (a "core
// internal error").
func (h *Handlers) classifyAndRoute(req *models.ChatRequest) (cls models.ClassificationResult, decision models.RoutingDecision) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("model", req.Model).Msg("classifier/router panic; failing open to original model")
			cls = models.ClassificationResult{Tier: models.Moderate, Reason: "core internal error"}
			decision = models.RoutingDecision{
				OriginalModel: req.Model,
				RoutedModel:   req.Model,
				Tier:          models.Moderate,
				Reason:        "core internal error; pass-through to original model",
				IsPassthrough: true,
			}
		}
	}()

	cls = classifier.Classify(req, h.Config)
	decision = router.Route(cls, req, h.Config, h.Catalog, estimateInputTokens(req))
	return
}

func (h *Handlers) serveNonStreaming(ctx context.Context, w http.ResponseWriter, req *models.ChatRequest, decision models.RoutingDecision, cls models.ClassificationResult, start time.Time) {
	result, err := h.Executor.Execute(ctx, req, decision)
	if err != nil {
		log.Error().Err(err).Str("model", decision.RoutedModel).Msg("all upstream attempts exhausted")
		h.recordMetrics(ctx, req, decision, cls, nil, start)
		writeAPIError(w, http.StatusInternalServerError, "all upstream attempts failed", "internal_error", "internal_error")
		return
	}

	status := result.StatusCode
	if status < 100 || status > 599 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-ClawRoute-Model", result.ActualModel)
	w.Header().Set("X-ClawRoute-Tier", result.RoutingDecision.Tier.String())
	w.Header().Set("X-ClawRoute-Escalated", strconv.FormatBool(result.Escalated))
	w.WriteHeader(status)
	w.Write(result.Response)

	h.recordMetrics(ctx, req, decision, cls, result, start)
}

func (h *Handlers) serveStreaming(ctx context.Context, w http.ResponseWriter, req *models.ChatRequest, decision models.RoutingDecision, cls models.ClassificationResult, start time.Time) {
	committed := false
	onCommit := func() {
		committed = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.Header().Set("X-ClawRoute-Model", decision.RoutedModel)
		w.Header().Set("X-ClawRoute-Tier", decision.Tier.String())
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	outcome := h.Executor.ExecuteStreaming(ctx, req, decision, w, onCommit)
	if outcome.PreStreamError != nil {
		log.Error().Err(outcome.PreStreamError).Str("model", decision.RoutedModel).Msg("all streaming dispatch attempts failed before commit")
		if !committed {
			h.recordMetrics(ctx, req, decision, cls, nil, start)
			writeAPIError(w, http.StatusInternalServerError, "all upstream attempts failed", "internal_error", "internal_error")
		}
		return
	}

	h.recordMetrics(ctx, req, decision, cls, outcome.ExecutionResult, start)
}

// MessagesPlaceholder implements the documented placeholder for
// Anthropic's native /v1/messages shape: the core speaks only OpenAI
// chat-completions on the wire today.
func (h *Handlers) MessagesPlaceholder(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, http.StatusBadRequest, "the /v1/messages wire format is not supported by this proxy", "invalid_request_error", "unsupported_format")
}

func (h *Handlers) recordMetrics(ctx context.Context, req *models.ChatRequest, decision models.RoutingDecision, cls models.ClassificationResult, result *models.ExecutionResult, start time.Time) {
	if h.Sink == nil {
		return
	}
	reqID := middleware.GetReqID(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	rec := models.MetricsRecord{
		RequestID:      reqID,
		Timestamp:      time.Now(),
		OriginalModel:  decision.OriginalModel,
		RoutedModel:    decision.RoutedModel,
		Tier:           decision.Tier,
		ClassifyReason: cls.Reason,
		Confidence:     cls.Confidence,
		DryRun:         decision.IsDryRun,
		Override:       decision.IsOverride,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if result != nil {
		rec.ActualModel = result.ActualModel
		rec.InputTokens = result.InputTokens
		rec.OutputTokens = result.OutputTokens
		rec.OriginalCostUsd = result.OriginalCostUsd
		rec.ActualCostUsd = result.ActualCostUsd
		rec.SavingsUsd = result.SavingsUsd
		rec.Escalated = result.Escalated
		rec.EscalationChain = result.EscalationChain
		rec.HadToolCalls = result.HadToolCalls
	} else {
		rec.ActualModel = decision.RoutedModel
	}
	// Record is non-blocking by contract; the sink implementation owns
	// making that true, the handler never waits on it.
	h.Sink.Record(context.Background(), rec)
}

func estimateInputTokens(req *models.ChatRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Text())
	}
	return (chars + 3) / 4
}

// ══════════════════════════════════════════════════════════════
// ── Admin & health surface ──────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   h.Version,
		"enabled":   h.Config.Enabled(),
		"dryRun":    h.Config.DryRun(),
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handlers) VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"version": h.Version, "service": "clawroute"})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	if h.Aggregator == nil {
		respondJSON(w, http.StatusOK, metrics.StatsSnapshot{ByTier: map[string]int64{}})
		return
	}
	respondJSON(w, http.StatusOK, h.Aggregator.Snapshot())
}

func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Config.Redacted())
}

func (h *Handlers) Enable(w http.ResponseWriter, r *http.Request) {
	h.Config.SetEnabled(true)
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (h *Handlers) Disable(w http.ResponseWriter, r *http.Request) {
	h.Config.SetEnabled(false)
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (h *Handlers) DryRunEnable(w http.ResponseWriter, r *http.Request) {
	h.Config.SetDryRun(true)
	respondJSON(w, http.StatusOK, map[string]bool{"dryRun": true})
}

func (h *Handlers) DryRunDisable(w http.ResponseWriter, r *http.Request) {
	h.Config.SetDryRun(false)
	respondJSON(w, http.StatusOK, map[string]bool{"dryRun": false})
}

type globalOverrideRequest struct {
	Model   string `json:"model"`
	Enabled *bool  `json:"enabled"`
}

// OverrideGlobal implements POST /api/override/global: body {model} sets
// the global force-model override, body {enabled:false} clears it.
func (h *Handlers) OverrideGlobal(w http.ResponseWriter, r *http.Request) {
	var req globalOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "bad_request_body")
		return
	}
	if req.Enabled != nil && !*req.Enabled {
		h.Config.ClearGlobalOverride()
		respondJSON(w, http.StatusOK, map[string]bool{"cleared": true})
		return
	}
	if req.Model == "" {
		writeAPIError(w, http.StatusBadRequest, "model is required unless enabled=false", "invalid_request_error", "missing_field")
		return
	}
	h.Config.SetGlobalOverride(req.Model)
	respondJSON(w, http.StatusOK, map[string]string{"globalForceModel": req.Model})
}

type sessionOverrideRequest struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
	Turns     *int   `json:"turns"`
}

// OverrideSessionUpsert implements POST /api/override/session.
func (h *Handlers) OverrideSessionUpsert(w http.ResponseWriter, r *http.Request) {
	var req sessionOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Model == "" {
		writeAPIError(w, http.StatusBadRequest, "sessionId and model are required", "invalid_request_error", "missing_field")
		return
	}
	turns := models.Infinite
	if req.Turns != nil {
		turns = *req.Turns
	}
	h.Config.UpsertSessionOverride(req.SessionID, req.Model, turns)
	respondJSON(w, http.StatusOK, map[string]string{"sessionId": req.SessionID, "model": req.Model})
}

type sessionOverrideDeleteRequest struct {
	SessionID string `json:"sessionId"`
}

// OverrideSessionDelete implements DELETE /api/override/session.
func (h *Handlers) OverrideSessionDelete(w http.ResponseWriter, r *http.Request) {
	var req sessionOverrideDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeAPIError(w, http.StatusBadRequest, "sessionId is required", "invalid_request_error", "missing_field")
		return
	}
	h.Config.DeleteSessionOverride(req.SessionID)
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// NotFound implements the normalized-error-body 404 for unknown routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, http.StatusNotFound, "no such route", "invalid_request_error", "not_found")
}

// ══════════════════════════════════════════════════════════════
// ── Response helpers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func writeAPIError(w http.ResponseWriter, status int, message, errType, code string) {
	respondJSON(w, status, models.APIError{Error: models.APIErrorDetail{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
}
