// Package router maps a classification to a concrete upstream model. It
// performs no I/O: every decision is a pure function of the
// classification, the incoming request, and a read-only snapshot of the
// Configuration.
package router

import (
	"fmt"

	"github.com/clawroute/clawroute/internal/catalog"
	"github.com/clawroute/clawroute/internal/config"
	"github.com/clawroute/clawroute/pkg/models"
)

// maxOutputTokensEstimate caps the output-token side of the savings
// estimate.
const maxOutputTokensEstimate = 4000

// Route produces a RoutingDecision from a classification, the original
// request, the live configuration, and the model catalog used for
// cost/key-availability lookups.
func Route(cls models.ClassificationResult, req *models.ChatRequest, cfg *config.Configuration, cat *catalog.Catalog, estimatedInputTokens int) models.RoutingDecision {
	original := req.Model

	// Rule 1: disabled proxy is a hard pass-through.
	if !cfg.Enabled() {
		return models.RoutingDecision{
			OriginalModel: original,
			RoutedModel:   original,
			Tier:          cls.Tier,
			Reason:        "proxy disabled",
			Confidence:    cls.Confidence,
			IsPassthrough: true,
			SafeToRetry:   cls.SafeToRetry,
		}
	}

	overrides := cfg.Overrides()
	routed := original
	reason := cls.Reason
	isOverride := false
	isPassthrough := false

	switch {
	case overrides.GlobalForceModel != "":
		routed = overrides.GlobalForceModel
		isOverride = true
		reason = fmt.Sprintf("global override to %s", routed)

	default:
		tierCfg, ok := cfg.Models[cls.Tier]
		if !ok {
			isPassthrough = true
			reason = "no tier configuration; pass-through"
			break
		}
		if keyAvailable(tierCfg.Primary, cfg) {
			routed = tierCfg.Primary
			reason = fmt.Sprintf("%s (primary for tier %s)", cls.Reason, cls.Tier)
		} else if keyAvailable(tierCfg.Fallback, cfg) {
			routed = tierCfg.Fallback
			reason = fmt.Sprintf("%s (fallback for tier %s, primary key unavailable)", cls.Reason, cls.Tier)
		} else {
			isPassthrough = true
			routed = original
			reason = fmt.Sprintf("%s (no provider key available for tier %s; pass-through)", cls.Reason, cls.Tier)
		}
	}

	isDryRun := cfg.DryRun()
	if isDryRun {
		reason = fmt.Sprintf("%s (dry-run: would route to %s)", reason, routed)
		routed = original
	}

	savings := 0.0
	if !isPassthrough {
		outEst := estimatedInputTokens
		if outEst > maxOutputTokensEstimate {
			outEst = maxOutputTokensEstimate
		}
		originalCost := cat.Cost(original, estimatedInputTokens, outEst)
		routedCost := cat.Cost(routed, estimatedInputTokens, outEst)
		if d := originalCost - routedCost; d > 0 {
			savings = d
		}
	}

	return models.RoutingDecision{
		OriginalModel:       original,
		RoutedModel:         routed,
		Tier:                cls.Tier,
		Reason:              reason,
		Confidence:          cls.Confidence,
		IsDryRun:            isDryRun,
		IsOverride:          isOverride,
		IsPassthrough:       isPassthrough,
		EstimatedSavingsUsd: savings,
		SafeToRetry:         cls.SafeToRetry,
	}
}

func keyAvailable(modelID string, cfg *config.Configuration) bool {
	if modelID == "" {
		return false
	}
	return cfg.KeyFor(catalog.Provider(modelID)) != ""
}

// NextEscalation returns the first strictly-higher tier above current
// whose primary or fallback model has an available provider key, or
// (zero, false) if none exists. Escalation is always monotonic: it
// either returns a tier strictly greater than current, or none — never
// equal or lower.
func NextEscalation(current models.Tier, cfg *config.Configuration) (models.Tier, string, bool) {
	for t := current + 1; t <= models.Frontier; t++ {
		tierCfg, ok := cfg.Models[t]
		if !ok {
			continue
		}
		if keyAvailable(tierCfg.Primary, cfg) {
			return t, tierCfg.Primary, true
		}
		if keyAvailable(tierCfg.Fallback, cfg) {
			return t, tierCfg.Fallback, true
		}
	}
	return 0, "", false
}
