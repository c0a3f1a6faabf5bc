package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GoogleAdapter is Vendor B: maps the canonical chat shape onto Google's
// generateContent/streamGenerateContent API.
type GoogleAdapter struct {
	baseURL string
	apiKey  string
}

// NewGoogleAdapter constructs the Google-shape adapter. baseURL defaults to
// the public v1beta endpoint when empty.
func NewGoogleAdapter(baseURL, apiKey string) *GoogleAdapter {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GoogleAdapter{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

func (a *GoogleAdapter) ProviderName() string { return "google" }
func (a *GoogleAdapter) APIBaseURL() string   { return a.baseURL }

// ApplyAuth is a no-op: Google auth travels as a ?key= query parameter,
// applied in TransformRequest's URL instead of a header.
func (a *GoogleAdapter) ApplyAuth(_ *http.Request) {}

type googleContentPart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string              `json:"role"`
	Parts []googleContentPart `json:"parts"`
}

type googleGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type googleRequest struct {
	Contents         []googleContent          `json:"contents"`
	GenerationConfig *googleGenerationConfig  `json:"generationConfig,omitempty"`
}

// TransformRequest maps messages -> contents[] with role mapping, and
// temperature/top_p/max_tokens -> generationConfig, dropping nil entries.
func (a *GoogleAdapter) TransformRequest(payload Request) (string, []byte, error) {
	contents := make([]googleContent, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, googleContent{Role: role, Parts: []googleContentPart{{Text: m.Content}}})
	}

	var cfg *googleGenerationConfig
	if payload.Temperature != nil || payload.TopP != nil || payload.MaxTokens != nil {
		cfg = &googleGenerationConfig{Temperature: payload.Temperature, TopP: payload.TopP, MaxOutputTokens: payload.MaxTokens}
	}

	body, err := json.Marshal(googleRequest{Contents: contents, GenerationConfig: cfg})
	if err != nil {
		return "", nil, fmt.Errorf("encode google request: %w", err)
	}

	verb := "generateContent"
	if payload.Stream {
		verb = "streamGenerateContent"
	}
	u := fmt.Sprintf("%s/models/%s:%s?key=%s", a.baseURL, payload.Model, verb, url.QueryEscape(a.apiKey))
	return u, body, nil
}

type googleCandidate struct {
	Content googleContent `json:"content"`
}

type googleResponse struct {
	Candidates []googleCandidate `json:"candidates"`
}

// TransformResponse lifts candidates[0].content.parts[0].text into the
// canonical choices[0].message.content shape, with a synthetic id/object and
// model label prefixed "google:".
func (a *GoogleAdapter) TransformResponse(data []byte, model string) (Response, error) {
	var gr googleResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return Response{}, fmt.Errorf("decode google response: %w", err)
	}

	var text string
	if len(gr.Candidates) > 0 && len(gr.Candidates[0].Content.Parts) > 0 {
		text = gr.Candidates[0].Content.Parts[0].Text
	}

	return Response{
		ID:     "google-" + model,
		Object: "chat.completion",
		Model:  "google:" + model,
		Choices: []ResponseChoice{{
			Index:   0,
			Message: Message{Role: "assistant", Content: text},
		}},
	}, nil
}
