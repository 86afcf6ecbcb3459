// Package validator implements the pure response-shape checks the
// executor runs against a non-streaming upstream reply before deciding
// whether to accept it or retry.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clawroute/clawroute/pkg/models"
)

// Result is the outcome of validating a non-streaming response body.
type Result struct {
	Valid        bool
	Reason       string
	HadToolCalls bool
}

type toolCall struct {
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls"`
}

type choice struct {
	Message message `json:"message"`
}

type response struct {
	Choices []choice        `json:"choices"`
	Error   json.RawMessage `json:"error"`
}

// Validate runs the fixed ordered checks against an upstream HTTP
// status and body. tier gates the suspiciously-short-reply check,
// which never applies to Heartbeat responses.
func Validate(httpStatus int, body []byte, req *models.ChatRequest, tier models.Tier) Result {
	if httpStatus < 200 || httpStatus >= 300 {
		return Result{Valid: false, Reason: fmt.Sprintf("http_error_%d", httpStatus)}
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Result{Valid: false, Reason: "invalid_json_body"}
	}

	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return Result{Valid: false, Reason: "api_error_response"}
	}

	if len(resp.Choices) == 0 {
		return Result{Valid: false, Reason: "missing_choices"}
	}
	first := resp.Choices[0]
	if first.Message.Role == "" && first.Message.Content == "" && len(first.Message.ToolCalls) == 0 {
		return Result{Valid: false, Reason: "missing_first_message"}
	}

	hadToolCalls := len(first.Message.ToolCalls) > 0
	if req != nil && len(req.Tools) > 0 && hadToolCalls {
		knownNames := make(map[string]bool, len(req.Tools))
		for _, t := range req.Tools {
			var fn struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(t.Function, &fn); err == nil && fn.Name != "" {
				knownNames[fn.Name] = true
			}
		}
		for _, tc := range first.Message.ToolCalls {
			if !knownNames[tc.Function.Name] {
				return Result{Valid: false, Reason: "unknown_tool_name:" + tc.Function.Name, HadToolCalls: true}
			}
			args := strings.TrimSpace(tc.Function.Arguments)
			if args != "" && args != "{}" {
				var v any
				if err := json.Unmarshal([]byte(args), &v); err != nil {
					return Result{Valid: false, Reason: "invalid_tool_call_json", HadToolCalls: true}
				}
			}
		}
	}

	if !hadToolCalls && tier != models.Heartbeat {
		trimmed := strings.TrimSpace(first.Message.Content)
		if len(trimmed) >= 1 && len(trimmed) <= 14 {
			return Result{Valid: false, Reason: "suspiciously_short_response", HadToolCalls: hadToolCalls}
		}
	}

	return Result{Valid: true, Reason: "ok", HadToolCalls: hadToolCalls}
}
