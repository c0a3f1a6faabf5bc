package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OpenAIAdapter is Vendor A: an OpenAI-shape passthrough. The request body
// is forwarded unmodified except for the model field, and the response is
// returned as-is.
type OpenAIAdapter struct {
	baseURL string
	apiKey  string
}

// NewOpenAIAdapter constructs the OpenAI passthrough adapter. baseURL
// defaults to the public API when empty.
func NewOpenAIAdapter(baseURL, apiKey string) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIAdapter{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

func (a *OpenAIAdapter) ProviderName() string { return "openai" }
func (a *OpenAIAdapter) APIBaseURL() string   { return a.baseURL }

func (a *OpenAIAdapter) ApplyAuth(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
}

// TransformRequest overwrites payload.model with the resolved model id and
// forwards everything else unmodified.
func (a *OpenAIAdapter) TransformRequest(payload Request) (string, []byte, error) {
	url := a.baseURL + "/v1/chat/completions"

	var raw map[string]any
	if payload.Raw != nil {
		if err := json.Unmarshal(*payload.Raw, &raw); err != nil {
			return "", nil, fmt.Errorf("decode passthrough body: %w", err)
		}
	} else {
		raw = map[string]any{}
	}
	raw["model"] = payload.Model

	body, err := json.Marshal(raw)
	if err != nil {
		return "", nil, fmt.Errorf("encode passthrough body: %w", err)
	}
	return url, body, nil
}

// TransformResponse is the identity mapping for the OpenAI-shape adapter.
func (a *OpenAIAdapter) TransformResponse(data []byte, model string) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decode openai response: %w", err)
	}
	return resp, nil
}
