// Package tokens implements token accounting (C4): extracting authoritative
// usage from unary and streaming provider responses, and falling back to a
// BPE estimate when no usage field is present.
package tokens

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Usage is the canonical token accounting for one completed request.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

// encoding lazily loads the cl100k_base BPE encoding used by the estimator.
func encoding() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding("cl100k_base")
	})
	return enc, encErr
}

// EstimateTokens estimates the token count of s using a BPE tokenizer
// equivalent to cl100k_base. Falls back to a conservative chars/4 heuristic
// if the tokenizer cannot be loaded — this must never fail the request.
func EstimateTokens(s string) int64 {
	if s == "" {
		return 0
	}
	e, err := encoding()
	if err != nil {
		return int64(len(s)/4 + 1)
	}
	return int64(len(e.Encode(s, nil, nil)))
}

// openAIUsage mirrors the OpenAI chat-completions usage shape.
type openAIUsage struct {
	PromptTokens     *int64 `json:"prompt_tokens"`
	CompletionTokens *int64 `json:"completion_tokens"`
	TotalTokens      *int64 `json:"total_tokens"`
}

// responsesUsage mirrors the Responses-API usage shape.
type responsesUsage struct {
	InputTokens  *int64 `json:"input_tokens"`
	OutputTokens *int64 `json:"output_tokens"`
	TotalTokens  *int64 `json:"total_tokens"`
}

type usageEnvelope struct {
	Usage    json.RawMessage `json:"usage"`
	Response *struct {
		Usage json.RawMessage `json:"usage"`
	} `json:"response"`
}

// ExtractUnaryUsage extracts token usage from a complete (non-streaming)
// response body. usage.prompt_tokens takes priority over input_tokens when
// both decode successfully; if no usage field is present at all, estimate
// from promptText and/or responseText.
func ExtractUnaryUsage(body []byte, promptText, responseText string) Usage {
	var env usageEnvelope
	raw := env.Usage
	if err := json.Unmarshal(body, &env); err == nil {
		raw = env.Usage
		if len(raw) == 0 && env.Response != nil {
			raw = env.Response.Usage
		}
	}
	if len(raw) > 0 {
		if u, ok := parseUsage(raw); ok {
			return u
		}
	}
	return estimateUsage(promptText, responseText)
}

// parseUsage tries the OpenAI shape first (prompt_tokens priority), falling
// back to the Responses-API shape (input_tokens).
func parseUsage(raw json.RawMessage) (Usage, bool) {
	var oa openAIUsage
	if err := json.Unmarshal(raw, &oa); err == nil && oa.PromptTokens != nil {
		u := Usage{InputTokens: *oa.PromptTokens}
		if oa.CompletionTokens != nil {
			u.OutputTokens = *oa.CompletionTokens
		}
		if oa.TotalTokens != nil {
			u.TotalTokens = *oa.TotalTokens
		} else {
			u.TotalTokens = u.InputTokens + u.OutputTokens
		}
		return u, true
	}

	var rp responsesUsage
	if err := json.Unmarshal(raw, &rp); err == nil && rp.InputTokens != nil {
		u := Usage{InputTokens: *rp.InputTokens}
		if rp.OutputTokens != nil {
			u.OutputTokens = *rp.OutputTokens
		}
		if rp.TotalTokens != nil {
			u.TotalTokens = *rp.TotalTokens
		} else {
			u.TotalTokens = u.InputTokens + u.OutputTokens
		}
		return u, true
	}
	return Usage{}, false
}

func estimateUsage(promptText, responseText string) Usage {
	var u Usage
	haveInput := promptText != ""
	haveOutput := responseText != ""
	if haveInput {
		u.InputTokens = EstimateTokens(promptText)
	}
	if haveOutput {
		u.OutputTokens = EstimateTokens(responseText)
	}
	if haveInput || haveOutput {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

// StreamAccumulator passively reconstructs token usage from an SSE stream
// without re-synthesizing chunks (spec §4.6/§6: the server forwards SSE
// as-is; accumulation is a side observation).
type StreamAccumulator struct {
	content       strings.Builder
	done          bool
	authoritative *Usage
	inputHint     int64
}

// NewStreamAccumulator constructs an accumulator. inputTokensHint seeds the
// final input-token count used if no authoritative usage chunk arrives.
func NewStreamAccumulator(inputTokensHint int64) *StreamAccumulator {
	return &StreamAccumulator{inputHint: inputTokensHint}
}

// FeedLine processes one line of the SSE body.
func (a *StreamAccumulator) FeedLine(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return
	}
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return
	}
	payload = strings.TrimSpace(payload)
	if payload == "[DONE]" {
		a.done = true
		return
	}

	var chunk struct {
		Usage   json.RawMessage `json:"usage"`
		Choices []struct {
			Delta struct {
				Content *string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
		Type string `json:"type"`
		Delta string `json:"delta"`
		Text  string `json:"text"`
	}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return
	}

	if len(chunk.Usage) > 0 {
		if u, ok := parseUsage(chunk.Usage); ok {
			a.authoritative = &u
		}
	}

	for _, c := range chunk.Choices {
		if c.Delta.Content != nil {
			a.content.WriteString(*c.Delta.Content)
		}
	}

	switch chunk.Type {
	case "response.output_text.delta":
		a.content.WriteString(chunk.Delta)
	case "response.output_text.done":
		if a.content.Len() == 0 {
			a.content.WriteString(chunk.Text)
		}
	}
}

// Feed processes a full SSE body, splitting it into lines.
func (a *StreamAccumulator) Feed(body []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		a.FeedLine(scanner.Text())
	}
}

// Done reports whether the [DONE] sentinel was observed.
func (a *StreamAccumulator) Done() bool { return a.done }

// Finalize returns the accumulated usage: the authoritative usage chunk if
// one arrived, otherwise (input_hint, estimate(content), sum).
func (a *StreamAccumulator) Finalize() Usage {
	if a.authoritative != nil {
		return *a.authoritative
	}
	output := EstimateTokens(a.content.String())
	return Usage{
		InputTokens:  a.inputHint,
		OutputTokens: output,
		TotalTokens:  a.inputHint + output,
	}
}
