// Package streampump copies a Server-Sent-Events upstream response to a
// client byte-for-byte while opportunistically parsing data: frames on
// the side to observe usage and tool-call markers for logging. It never
// buffers for correctness — only enough to find newline delimiters — and
// a parse failure never affects what gets forwarded.
package streampump

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
)

// Result summarizes what the pump observed while copying the stream.
type Result struct {
	InputTokens  int
	OutputTokens int
	HadToolCalls bool
	UsageSeen    bool
	ChunkCount   int
	Err          error
}

type ssePayload struct {
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Choices []struct {
		Delta struct {
			ToolCalls []json.RawMessage `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

// Writer is the minimal client sink the pump needs: a plain io.Writer.
// Flushing is optional; Pump flushes only when the sink also implements
// Flusher.
type Writer interface {
	io.Writer
}

// Flusher is implemented by http.ResponseWriter via http.Flusher; the
// pump flushes after every forwarded line so SSE clients see bytes as
// soon as they arrive, not once the TCP buffer fills.
type Flusher interface {
	Flush()
}

// Pump copies upstream byte-for-byte to client, forwarding every line
// unmodified, until upstream is exhausted, ctx is canceled, or a write
// to client fails. On upstream read error it attempts one final
// "data: [DONE]\n\n" frame before returning, so clients see a clean SSE
// end even when the upstream connection drops mid-stream.
func Pump(ctx context.Context, upstream io.Reader, client io.Writer) Result {
	reader := bufio.NewReader(upstream)
	flusher, canFlush := client.(Flusher)

	res := Result{}

	for {
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := client.Write(line); werr != nil {
				res.Err = werr
				return res
			}
			if canFlush {
				flusher.Flush()
			}
			parseLine(line, &res)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return res
			}
			// Upstream read failed mid-stream: emit a terminal frame so
			// the client sees a clean end instead of a truncated one.
			client.Write([]byte("data: [DONE]\n\n"))
			if canFlush {
				flusher.Flush()
			}
			res.Err = err
			return res
		}
	}
}

func parseLine(line []byte, res *Result) {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(trimmed, []byte("data:")))
	if bytes.Equal(payload, []byte("[DONE]")) || len(payload) == 0 {
		return
	}
	res.ChunkCount++

	var frame ssePayload
	if err := json.Unmarshal(payload, &frame); err != nil {
		// Best-effort parsing only; malformed frames are still forwarded
		// to the client untouched — this just skips the side-channel read.
		return
	}
	if frame.Usage != nil {
		res.UsageSeen = true
		res.InputTokens = frame.Usage.PromptTokens
		res.OutputTokens = frame.Usage.CompletionTokens
	}
	for _, c := range frame.Choices {
		if len(c.Delta.ToolCalls) > 0 {
			res.HadToolCalls = true
		}
	}
}

// EstimateOutputTokens applies the fallback heuristic when usage was
// never observed in the stream: ceil(1.5 * chunkCount).
func EstimateOutputTokens(chunkCount int) int {
	return (chunkCount*3 + 1) / 2
}
