package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// AnthropicAdapter is Vendor C: maps the canonical chat shape onto
// Anthropic's /v1/messages API, extracting a leading system-role message
// into the top-level system field.
type AnthropicAdapter struct {
	baseURL string
	apiKey  string
}

// AnthropicVersion is the fixed API version header value.
const AnthropicVersion = "2023-06-01"

// DefaultAnthropicMaxTokens is used when the caller does not specify one.
const DefaultAnthropicMaxTokens = 1024

// NewAnthropicAdapter constructs the Anthropic-shape adapter. baseURL
// defaults to the public API when empty.
func NewAnthropicAdapter(baseURL, apiKey string) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicAdapter{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

func (a *AnthropicAdapter) ProviderName() string { return "anthropic" }
func (a *AnthropicAdapter) APIBaseURL() string   { return a.baseURL }

func (a *AnthropicAdapter) ApplyAuth(req *http.Request) {
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", AnthropicVersion)
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
}

// TransformRequest extracts a leading system-role message into the
// top-level system field and maps the remaining messages 1:1.
func (a *AnthropicAdapter) TransformRequest(payload Request) (string, []byte, error) {
	var system string
	messages := make([]anthropicMessage, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		if m.Role == "system" && system == "" {
			system = m.Content
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := DefaultAnthropicMaxTokens
	if payload.MaxTokens != nil {
		maxTokens = *payload.MaxTokens
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       payload.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Stream:      payload.Stream,
		Temperature: payload.Temperature,
		TopP:        payload.TopP,
	})
	if err != nil {
		return "", nil, fmt.Errorf("encode anthropic request: %w", err)
	}
	return a.baseURL + "/v1/messages", body, nil
}

type anthropicContentBlock struct {
	Text string `json:"text"`
}

type anthropicResponse struct {
	ID      string                  `json:"id"`
	Model   string                  `json:"model"`
	Content []anthropicContentBlock `json:"content"`
}

// TransformResponse maps content[0].text into the canonical shape, with the
// provider's id propagated and model label prefixed "anthropic:".
func (a *AnthropicAdapter) TransformResponse(data []byte, model string) (Response, error) {
	var ar anthropicResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return Response{}, fmt.Errorf("decode anthropic response: %w", err)
	}

	var text string
	if len(ar.Content) > 0 {
		text = ar.Content[0].Text
	}

	return Response{
		ID:     ar.ID,
		Object: "chat.completion",
		Model:  "anthropic:" + model,
		Choices: []ResponseChoice{{
			Index:   0,
			Message: Message{Role: "assistant", Content: text},
		}},
	}, nil
}
