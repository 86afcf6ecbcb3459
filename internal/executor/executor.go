// Package executor obtains a single, client-safe HTTP response from the
// upstream provider fleet. It owns the only I/O and the only retry
// logic in the core: the non-streaming loop validates and may escalate
// across tiers, while the streaming path hands off to the stream pump
// the instant the first byte could be observed by the client, after
// which no retry is ever permitted.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/clawroute/clawroute/internal/catalog"
	"github.com/clawroute/clawroute/internal/config"
	"github.com/clawroute/clawroute/internal/router"
	"github.com/clawroute/clawroute/internal/streampump"
	"github.com/clawroute/clawroute/internal/validator"
	"github.com/clawroute/clawroute/pkg/models"
)

// Executor dispatches requests to providers. It keeps a dedicated
// streaming client with no timeout, separate from the normal client,
// matching the reference proxy's split between a bounded-timeout client
// for request/response calls and an unbounded one for SSE reads.
type Executor struct {
	cfg          *config.Configuration
	catalog      *catalog.Catalog
	client       *http.Client
	streamClient *http.Client
}

func New(cfg *config.Configuration, cat *catalog.Catalog) *Executor {
	return &Executor{
		cfg:     cfg,
		catalog: cat,
		client:  &http.Client{Timeout: 60 * time.Second},
		// No timeout: SSE connections can legitimately stay open for
		// minutes; cancellation is driven by context, not a clock.
		streamClient: &http.Client{},
	}
}

// dispatchOutcome is the internal result of one provider HTTP attempt.
type dispatchOutcome struct {
	statusCode int
	body       []byte
	resp       *http.Response // non-nil only for the streaming path, caller owns closing it
	err        error
}

// isRetryableStatusCode reports whether an upstream status is one of the
// auth/quota/timeout/rate-limit statuses (401/402/403/408/429) or a 5xx.
func isRetryableStatusCode(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden,
		http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// Execute runs the non-streaming path: dispatch, validate, escalate,
// fail open.
func (e *Executor) Execute(ctx context.Context, req *models.ChatRequest, decision models.RoutingDecision) (*models.ExecutionResult, error) {
	start := time.Now()

	currentModel := decision.RoutedModel
	currentTier := decision.Tier
	// A pass-through or dry-run decision must result in exactly one
	// upstream call to the original/routed model: no escalation to a
	// different provider and no fail-open, regardless of what that one
	// call returns.
	singleShot := decision.IsPassthrough || decision.IsDryRun

	var escalationChain []string
	var lastOutcome dispatchOutcome
	var lastValidation validator.Result
	escalated := false

	attempt := 0
	for attempt <= e.cfg.MaxRetries {
		escalationChain = append(escalationChain, currentModel)
		outcome := e.dispatchNonStreaming(ctx, req, currentModel)
		lastOutcome = outcome

		if outcome.err != nil {
			if !singleShot && attempt < e.cfg.MaxRetries && decision.SafeToRetry {
				nextTier, nextModel, ok := router.NextEscalation(currentTier, e.cfg)
				if ok {
					e.sleepRetryDelay(ctx)
					currentModel, currentTier = nextModel, nextTier
					escalated = true
					attempt++
					continue
				}
			}
			break
		}

		lastValidation = validator.Validate(outcome.statusCode, outcome.body, req, currentTier)
		if lastValidation.Valid {
			return e.buildResult(decision, currentModel, escalationChain, escalated, outcome, lastValidation, start), nil
		}

		// Tool calls are returned verbatim, retry forbidden. A
		// single-shot decision also returns its one response verbatim.
		if lastValidation.HadToolCalls || !decision.SafeToRetry || singleShot {
			return e.buildResult(decision, currentModel, escalationChain, escalated, outcome, lastValidation, start), nil
		}

		if attempt < e.cfg.MaxRetries {
			nextTier, nextModel, ok := router.NextEscalation(currentTier, e.cfg)
			if ok {
				e.sleepRetryDelay(ctx)
				currentModel, currentTier = nextModel, nextTier
				escalated = true
				attempt++
				continue
			}
		}
		break
	}

	// Fail open to the originally requested model, exactly once, if
	// it hasn't been tried yet. Pass-through/dry-run decisions never
	// fall open: they've already made their one and only call above.
	if !singleShot && e.cfg.AlwaysFallbackToOriginal && currentModel != decision.OriginalModel {
		outcome := e.dispatchNonStreaming(ctx, req, decision.OriginalModel)
		escalationChain = append(escalationChain, decision.OriginalModel)
		if outcome.err == nil {
			validation := validator.Validate(outcome.statusCode, outcome.body, req, currentTier)
			return e.buildResult(decision, decision.OriginalModel, escalationChain, true, outcome, validation, start), nil
		}
		lastOutcome = outcome
	}

	if lastOutcome.err != nil {
		return nil, fmt.Errorf("internal_error: %w", lastOutcome.err)
	}
	return e.buildResult(decision, currentModel, escalationChain, escalated, lastOutcome, lastValidation, start), nil
}

func (e *Executor) buildResult(decision models.RoutingDecision, actualModel string, chain []string, escalated bool, outcome dispatchOutcome, validation validator.Result, start time.Time) *models.ExecutionResult {
	inTokens, outTokens := extractUsage(outcome.body)
	originalCost := e.catalog.Cost(decision.OriginalModel, inTokens, outTokens)
	actualCost := e.catalog.Cost(actualModel, inTokens, outTokens)
	savings := originalCost - actualCost
	if savings < 0 {
		savings = 0
	}
	return &models.ExecutionResult{
		Response:        outcome.body,
		RoutingDecision: decision,
		ActualModel:     actualModel,
		Escalated:       escalated,
		EscalationChain: chain,
		InputTokens:     inTokens,
		OutputTokens:    outTokens,
		OriginalCostUsd: originalCost,
		ActualCostUsd:   actualCost,
		SavingsUsd:      savings,
		ResponseTimeMs:  time.Since(start).Milliseconds(),
		HadToolCalls:    validation.HadToolCalls,
		StatusCode:      outcome.statusCode,
	}
}

func (e *Executor) sleepRetryDelay(ctx context.Context) {
	b := backoff.NewConstantBackOff(time.Duration(e.cfg.RetryDelayMs) * time.Millisecond)
	timer := time.NewTimer(b.NextBackOff())
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

type usageBody struct {
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func extractUsage(body []byte) (int, int) {
	var u usageBody
	if err := json.Unmarshal(body, &u); err != nil {
		return 0, 0
	}
	return u.Usage.PromptTokens, u.Usage.CompletionTokens
}

// dispatchNonStreaming performs one upstream HTTP call and buffers the
// full body for validation.
func (e *Executor) dispatchNonStreaming(ctx context.Context, req *models.ChatRequest, modelID string) dispatchOutcome {
	httpReq, provider, err := e.buildRequest(ctx, req, modelID, false)
	if err != nil {
		return dispatchOutcome{err: err}
	}
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return dispatchOutcome{err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return dispatchOutcome{err: err}
	}
	_ = provider
	return dispatchOutcome{statusCode: resp.StatusCode, body: body}
}

// DispatchStreaming performs the upstream HTTP call for a streaming
// request and returns the live *http.Response for the caller to pump,
// without reading the body. Once this call returns with a 2xx
// status the caller must not retry.
func (e *Executor) DispatchStreaming(ctx context.Context, req *models.ChatRequest, modelID string) (*http.Response, error) {
	httpReq, _, err := e.buildRequest(ctx, req, modelID, true)
	if err != nil {
		return nil, err
	}
	return e.streamClient.Do(httpReq)
}

func (e *Executor) buildRequest(ctx context.Context, req *models.ChatRequest, modelID string, stream bool) (*http.Request, string, error) {
	provider := catalog.Provider(modelID)
	bareModel := bareModelName(modelID)

	if provider == "anthropic" {
		// Anthropic's native /messages endpoint does not accept an
		// OpenAI-shaped chat-completions body 1:1; ClawRoute does not
		// implement a wire-protocol translation layer (that would be a
		// wire-protocol mutation beyond model/auth headers, which is out
		// of scope). The request is still sent in OpenAI shape; this
		// limitation is surfaced in the logs rather than silently guessed.
		log.Warn().Str("model", modelID).Msg("anthropic dispatch uses an OpenAI-compatible body; native /messages shape is not translated")
	}

	key := e.cfg.KeyFor(provider)

	reqCopy := *req
	reqCopy.Model = bareModel
	reqCopy.Stream = stream
	payload, err := json.Marshal(reqCopy)
	if err != nil {
		return nil, provider, fmt.Errorf("marshal request: %w", err)
	}

	url := catalog.BaseURL(provider) + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, provider, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range catalog.AuthHeaders(provider, key) {
		httpReq.Header.Set(k, v)
	}
	return httpReq, provider, nil
}

func bareModelName(modelID string) string {
	if i := strings.Index(modelID, "/"); i >= 0 {
		return modelID[i+1:]
	}
	return modelID
}

// StreamOutcome is the result of running the full streaming path.
type StreamOutcome struct {
	ExecutionResult *models.ExecutionResult
	PreStreamError  error // set when dispatch failed before any byte was written
}

// ExecuteStreaming implements the streaming half of execution: it
// dispatches, and if the response is not OK, falls back to the
// non-streaming escalation logic (nothing has been
// emitted yet). Once a 2xx status is obtained, it attaches a stream pump
// and retries are permanently forbidden from that point forward.
//
// onCommit is invoked exactly once, the instant a 2xx upstream response
// is obtained and before any byte of its body is copied to client — the
// caller uses it to write the client's own status line and SSE headers.
// Nothing is written to client before onCommit runs, so a caller that
// never sees onCommit called (PreStreamError set) may still emit a
// normal JSON error response.
func (e *Executor) ExecuteStreaming(ctx context.Context, req *models.ChatRequest, decision models.RoutingDecision, client io.Writer, onCommit func()) StreamOutcome {
	start := time.Now()

	currentModel := decision.RoutedModel
	currentTier := decision.Tier
	// See Execute: a pass-through or dry-run decision gets exactly one
	// upstream attempt, no escalation, no fail-open.
	singleShot := decision.IsPassthrough || decision.IsDryRun
	var escalationChain []string
	escalated := false

	attempt := 0
	for attempt <= e.cfg.MaxRetries {
		escalationChain = append(escalationChain, currentModel)
		resp, err := e.DispatchStreaming(ctx, req, currentModel)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			// Committed: from here on, no retry is permitted.
			defer resp.Body.Close()
			onCommit()
			pump := streampump.Pump(ctx, resp.Body, client)
			outTokens := pump.OutputTokens
			if !pump.UsageSeen {
				outTokens = streampump.EstimateOutputTokens(pump.ChunkCount)
			}
			originalCost := e.catalog.Cost(decision.OriginalModel, pump.InputTokens, outTokens)
			actualCost := e.catalog.Cost(currentModel, pump.InputTokens, outTokens)
			savings := originalCost - actualCost
			if savings < 0 {
				savings = 0
			}
			return StreamOutcome{ExecutionResult: &models.ExecutionResult{
				RoutingDecision: decision,
				ActualModel:     currentModel,
				Escalated:       escalated,
				EscalationChain: escalationChain,
				InputTokens:     pump.InputTokens,
				OutputTokens:    outTokens,
				OriginalCostUsd: originalCost,
				ActualCostUsd:   actualCost,
				SavingsUsd:      savings,
				ResponseTimeMs:  time.Since(start).Milliseconds(),
				HadToolCalls:    pump.HadToolCalls,
				StatusCode:      http.StatusOK,
				Streamed:        true,
			}}
		}

		if resp != nil {
			resp.Body.Close()
		}
		if !singleShot && attempt < e.cfg.MaxRetries && decision.SafeToRetry {
			nextTier, nextModel, ok := router.NextEscalation(currentTier, e.cfg)
			if ok {
				e.sleepRetryDelay(ctx)
				currentModel, currentTier = nextModel, nextTier
				escalated = true
				attempt++
				continue
			}
		}
		break
	}

	if !singleShot && e.cfg.AlwaysFallbackToOriginal && currentModel != decision.OriginalModel {
		resp, err := e.DispatchStreaming(ctx, req, decision.OriginalModel)
		escalationChain = append(escalationChain, decision.OriginalModel)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			defer resp.Body.Close()
			onCommit()
			pump := streampump.Pump(ctx, resp.Body, client)
			outTokens := pump.OutputTokens
			if !pump.UsageSeen {
				outTokens = streampump.EstimateOutputTokens(pump.ChunkCount)
			}
			return StreamOutcome{ExecutionResult: &models.ExecutionResult{
				RoutingDecision: decision,
				ActualModel:     decision.OriginalModel,
				Escalated:       true,
				EscalationChain: escalationChain,
				InputTokens:     pump.InputTokens,
				OutputTokens:    outTokens,
				ResponseTimeMs:  time.Since(start).Milliseconds(),
				HadToolCalls:    pump.HadToolCalls,
				StatusCode:      http.StatusOK,
				Streamed:        true,
			}}
		}
		if resp != nil {
			resp.Body.Close()
		}
	}

	return StreamOutcome{PreStreamError: fmt.Errorf("internal_error: all streaming dispatch attempts failed before any byte was emitted")}
}
