// Package classifier implements ClawRoute's pure, deterministic request
// classifier: a sub-5ms function from a chat-completions request to a
// tier, confidence, and the signals that produced it. It never performs
// network or disk I/O — the pattern tables below are static data
// compiled once at package init, matching the reference control-plane's
// "compile once, plain function" style for rule-based components.
package classifier

import (
	"regexp"
	"strings"

	"github.com/clawroute/clawroute/internal/config"
	"github.com/clawroute/clawroute/pkg/models"
)

var (
	heartbeatWords = map[string]bool{
		"ping": true, "status": true, "alive": true, "check": true, "heartbeat": true,
		"hey": true, "hi": true, "hello": true, "test": true, "yo": true,
	}

	ackWords = map[string]bool{
		"thanks": true, "thank you": true, "thx": true, "ty": true, "ok": true, "okay": true,
		"k": true, "kk": true, "alright": true, "sure": true, "yes": true, "no": true,
		"yep": true, "nope": true, "yeah": true, "nah": true, "got it": true,
		"sounds good": true, "cool": true, "great": true, "nice": true, "perfect": true,
		"awesome": true, "agreed": true, "right": true, "lol": true, "haha": true,
		"hehe": true, "lmao": true, "rofl": true,
	}

	emojiOnly = map[string]bool{
		"👍": true, "🙏": true, "😊": true, "👌": true, "✅": true, "❤": true,
	}

	modelHintRe    = regexp.MustCompile(`(?i)^(heartbeat|cron|health)$`)
	areYouThereRe  = regexp.MustCompile(`(?i)are you (there|up|alive|ok|ready)`)
	testingPhraseRe = regexp.MustCompile(`(?i)(can you hear me|you there|testing)`)
	punctTrimRe    = regexp.MustCompile(`[!?.]+$`)

	fencedCodeRe    = regexp.MustCompile("```")
	frontierKeywordRe = regexp.MustCompile(`(?i)implement|architect|design|refactor|debug|optimize|prove|derive|analyze.{0,20}(code|system|architecture|algorithm)`)
	complexKeywordRe  = regexp.MustCompile(`(?i)explain|compare|analyze|research|summarize|evaluate|assess|review|write.{0,10}(essay|report|article|doc|documentation)`)
	questionRe        = regexp.MustCompile(`\?$`)
)

// Classify is a pure function of a request and configuration, returning
// the classification result. It must complete well under 5ms on
// requests up to 10KB and must be side-effect free.
func Classify(req *models.ChatRequest, cfg *config.Configuration) models.ClassificationResult {
	signals := []string{}
	addSignal := func(s string) { signals = append(signals, s) }

	tier := models.Moderate
	confidence := 0.0
	reason := "general conversation"
	tentative := false

	lastUser, hasLastUser := req.LastUserMessage()
	lastText := strings.TrimSpace(lastUser.Text())
	historyLen := len(req.Messages)
	toolsPresent := len(req.Tools) > 0
	toolChoiceActive := toolChoiceIsActive(req.ToolChoice)

	estTokens := estimateTokens(req)

	// Rule 1: model-name hint.
	if modelHintRe.MatchString(req.Model) {
		tier, confidence, reason = models.Heartbeat, 0.85, "model-name hint"
		tentative = true
		addSignal("model_name_hint")
	}

	// Rule 2: heartbeat patterns.
	if hasLastUser {
		normalized := strings.ToLower(punctTrimRe.ReplaceAllString(lastText, ""))
		switch {
		case heartbeatWords[normalized]:
			tier, confidence, reason = models.Heartbeat, 0.95, "heartbeat phrase"
			tentative = true
			addSignal("heartbeat_word")
		case areYouThereRe.MatchString(lastText), testingPhraseRe.MatchString(lastText):
			tier, confidence, reason = models.Heartbeat, 0.95, "heartbeat phrase"
			tentative = true
			addSignal("heartbeat_phrase")
		case len(lastText) < 30 && historyLen <= 2 && !toolsPresent:
			tier, confidence, reason = models.Heartbeat, 0.8, "short shallow exchange"
			tentative = true
			addSignal("shallow_short")
		}
	}

	// Rule 3: frontier signals override any tentative tier.
	frontierFired := false
	switch {
	case toolsPresent && toolChoiceActive:
		tier, confidence, reason = models.Frontier, 0.9, "tools with active tool_choice"
		frontierFired = true
		addSignal("tool_choice_active")
	case hasLastUser && fencedCodeRe.MatchString(lastText):
		tier, confidence, reason = models.Frontier, 0.85, "fenced code block"
		frontierFired = true
		addSignal("fenced_code")
	case hasLastUser && len(lastText) > 1000 && frontierKeywordRe.MatchString(lastText):
		tier, confidence, reason = models.Frontier, 0.8, "long message with frontier keyword"
		frontierFired = true
		addSignal("frontier_keyword")
	case estTokens > 8000:
		tier, confidence, reason = models.Frontier, 0.75, "large estimated token count"
		frontierFired = true
		addSignal("large_token_estimate")
	case anyMessageHasImage(req.Messages):
		tier, confidence, reason = models.Frontier, 0.8, "multimodal image content"
		frontierFired = true
		addSignal("multimodal_image")
	}

	// Rule 4: complex signals, only if frontier didn't fire and we're
	// still sitting at the Moderate default (not a tentative heartbeat).
	if !frontierFired && tier == models.Moderate && !tentative {
		switch {
		case toolsPresent && !toolChoiceActive:
			tier, confidence, reason = models.Complex, 0.85, "tools declared without tool_choice"
			addSignal("tools_no_choice")
		case hasLastUser && len(lastText) >= 500 && len(lastText) <= 1000 && complexKeywordRe.MatchString(lastText):
			tier, confidence, reason = models.Complex, 0.8, "mid-length message with complex keyword"
			addSignal("complex_keyword")
		case historyLen > 8:
			tier, confidence, reason = models.Complex, 0.75, "long message history"
			addSignal("long_history")
		case estTokens >= 4000 && estTokens <= 8000:
			tier, confidence, reason = models.Complex, 0.7, "moderate estimated token count"
			addSignal("moderate_token_estimate")
		}
	}

	// Rule 5: simple patterns, only if still at the Moderate default.
	if !frontierFired && tier == models.Moderate && !tentative && hasLastUser {
		normalized := strings.ToLower(punctTrimRe.ReplaceAllString(lastText, ""))
		switch {
		case ackWords[normalized], emojiOnly[lastText]:
			tier, confidence, reason = models.Simple, 0.9, "acknowledgment"
			addSignal("acknowledgment")
		case len(lastText) < 80 && questionRe.MatchString(lastText) && historyLen <= 2:
			tier, confidence, reason = models.Simple, 0.8, "short question, shallow history"
			addSignal("short_question")
		}
	}

	// Post-adjustment: tool-aware escalation.
	if cfg != nil && cfg.ToolAwareEscalation && toolsPresent && tier < models.Complex {
		tier = models.Complex
		if confidence > 0.8 {
			confidence = 0.8
		}
		addSignal("tool_aware_escalation")
	}

	// Post-adjustment: conservative mode. The one-step bump and the
	// direct-to-Frontier override are independent checks against the
	// original confidence, applied in order — not one nested inside the
	// other — so a confidence below 0.5 always jumps to Frontier even
	// when MinConfidence itself is set below 0.5.
	if cfg != nil && cfg.ConservativeMode {
		if confidence < cfg.MinConfidence {
			tier = bumpOneStep(tier)
			addSignal("conservative_bump")
		}
		if confidence < 0.5 {
			tier = models.Frontier
			addSignal("conservative_frontier_jump")
		}
	}

	safeToRetry := (tier == models.Heartbeat || tier == models.Simple) && !toolsPresent

	return models.ClassificationResult{
		Tier:          tier,
		Confidence:    confidence,
		Reason:        reason,
		Signals:       signals,
		ToolsDetected: toolsPresent,
		SafeToRetry:   safeToRetry,
	}
}

func bumpOneStep(t models.Tier) models.Tier {
	if t >= models.Frontier {
		return models.Frontier
	}
	return t + 1
}

// toolChoiceIsActive reports whether tool_choice is present and not the
// literal "none".
func toolChoiceIsActive(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "null" || s == "none" || s == "" {
		return false
	}
	return true
}

func anyMessageHasImage(msgs []models.ChatMessage) bool {
	for _, m := range msgs {
		if m.HasImagePart() {
			return true
		}
	}
	return false
}

// estimateTokens is the heuristic ceil(totalTextChars/4)
// plus 4 tokens per message envelope, plus a rough estimate of tool-call
// name+argument lengths. Deliberately cheap — no real tokenizer.
func estimateTokens(req *models.ChatRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Text())
		chars += len(m.ToolCalls)
	}
	for _, t := range req.Tools {
		chars += len(t.Function)
	}
	estimate := (chars + 3) / 4
	estimate += 4 * len(req.Messages)
	return estimate
}
