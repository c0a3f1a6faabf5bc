// Package provider implements the cloud provider adapter interface (C7):
// Vendor A (OpenAI-shape passthrough), Vendor B (Google-shape), and Vendor C
// (Anthropic-shape), each transforming a canonical chat-completions request
// into the wire shape the provider expects and mapping the response back.
package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/llmlb/llmlb/internal/resilience"
)

// Prefix is a recognized cloud-model-id prefix (e.g. "openai:gpt-4o" routes
// through the OpenAI adapter stripped of its prefix).
type Prefix string

const (
	PrefixOpenAI    Prefix = "openai:"
	PrefixGoogle    Prefix = "google:"
	PrefixAnthropic Prefix = "anthropic:"
)

// ResolvePrefix reports whether modelID begins with a recognized provider
// prefix, returning the prefix and the stripped model id.
func ResolvePrefix(modelID string) (prefix Prefix, stripped string, ok bool) {
	for _, p := range []Prefix{PrefixOpenAI, PrefixGoogle, PrefixAnthropic} {
		if strings.HasPrefix(modelID, string(p)) {
			return p, strings.TrimPrefix(modelID, string(p)), true
		}
	}
	return "", modelID, false
}

// Request is the canonical inbound request shape the adapters transform
// from (a decoded OpenAI-style chat-completions body).
type Request struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Raw         *json.RawMessage `json:"-"` // original body, for passthrough adapters
}

// Message is one canonical chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the canonical outbound shape returned to the client, mirroring
// OpenAI's chat.completion object closely enough for existing clients.
type Response struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []ResponseChoice `json:"choices"`
}

// ResponseChoice is one canonical completion choice.
type ResponseChoice struct {
	Index        int             `json:"index"`
	Message      Message         `json:"message"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// Adapter is the polymorphic provider interface (spec §4.5).
type Adapter interface {
	ProviderName() string
	APIBaseURL() string
	ApplyAuth(req *http.Request)
	TransformRequest(payload Request) (url string, body []byte, err error)
	TransformResponse(data []byte, model string) (Response, error)
}

// Credentials holds a provider's API key and optional base URL override.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// Client dispatches a canonical Request to an Adapter over HTTP, wrapped in
// a circuit breaker.
type Client struct {
	adapter Adapter
	http    *http.Client
	breaker *resilience.Breaker
}

// NewClient constructs a provider Client.
func NewClient(adapter Adapter, httpClient *http.Client, breaker *resilience.Breaker) *Client {
	return &Client{adapter: adapter, http: httpClient, breaker: breaker}
}

// Do transforms and sends req, returning the canonical response.
func (c *Client) Do(req Request) (Response, error) {
	url, body, err := c.adapter.TransformRequest(req)
	if err != nil {
		return Response{}, fmt.Errorf("transform request: %w", err)
	}

	var respBody []byte
	err = c.breaker.Execute(func() error {
		httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.adapter.ApplyAuth(httpReq)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return err
		}
		respBody = buf.Bytes()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("provider %s returned status %d: %s", c.adapter.ProviderName(), resp.StatusCode, respBody)
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}

	return c.adapter.TransformResponse(respBody, req.Model)
}
