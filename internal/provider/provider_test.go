package provider

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestResolvePrefix(t *testing.T) {
	tests := []struct {
		in         string
		wantPrefix Prefix
		wantModel  string
		wantOK     bool
	}{
		{"openai:gpt-4o", PrefixOpenAI, "gpt-4o", true},
		{"google:gemini-pro", PrefixGoogle, "gemini-pro", true},
		{"anthropic:claude-3", PrefixAnthropic, "claude-3", true},
		{"llama-3-70b", "", "llama-3-70b", false},
	}
	for _, tt := range tests {
		prefix, stripped, ok := ResolvePrefix(tt.in)
		if prefix != tt.wantPrefix || stripped != tt.wantModel || ok != tt.wantOK {
			t.Errorf("ResolvePrefix(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.in, prefix, stripped, ok, tt.wantPrefix, tt.wantModel, tt.wantOK)
		}
	}
}

func TestOpenAIAdapter_TransformRequest_OverwritesModel(t *testing.T) {
	a := NewOpenAIAdapter("", "key")
	raw := json.RawMessage(`{"model":"client-supplied","messages":[{"role":"user","content":"hi"}]}`)
	url, body, err := a.TransformRequest(Request{Model: "gpt-4o", Raw: &raw})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if !strings.HasSuffix(url, "/v1/chat/completions") {
		t.Errorf("url = %s", url)
	}
	var decoded map[string]any
	_ = json.Unmarshal(body, &decoded)
	if decoded["model"] != "gpt-4o" {
		t.Errorf("model = %v, want gpt-4o", decoded["model"])
	}
}

func TestGoogleAdapter_TransformRequest_MapsMessagesAndConfig(t *testing.T) {
	a := NewGoogleAdapter("", "key")
	temp := 0.5
	url, body, err := a.TransformRequest(Request{
		Model:       "gemini-pro",
		Messages:    []Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if !strings.Contains(url, "gemini-pro:generateContent") {
		t.Errorf("url = %s, want generateContent verb", url)
	}
	if !strings.Contains(url, "key=key") {
		t.Errorf("url = %s, want key query param", url)
	}

	var decoded googleRequest
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Contents[1].Role != "model" {
		t.Errorf("assistant role mapped to %q, want model", decoded.Contents[1].Role)
	}
	if decoded.GenerationConfig == nil || decoded.GenerationConfig.Temperature == nil || *decoded.GenerationConfig.Temperature != 0.5 {
		t.Errorf("generationConfig = %+v, want temperature 0.5", decoded.GenerationConfig)
	}
}

func TestGoogleAdapter_StreamingURLUsesStreamVerb(t *testing.T) {
	a := NewGoogleAdapter("", "key")
	url, _, _ := a.TransformRequest(Request{Model: "gemini-pro", Stream: true})
	if !strings.Contains(url, ":streamGenerateContent") {
		t.Errorf("url = %s, want streamGenerateContent verb", url)
	}
}

func TestGoogleAdapter_TransformResponse_LiftsText(t *testing.T) {
	a := NewGoogleAdapter("", "key")
	data := []byte(`{"candidates":[{"content":{"parts":[{"text":"hi there"}]}}]}`)
	resp, err := a.TransformResponse(data, "gemini-pro")
	if err != nil {
		t.Fatalf("transform response: %v", err)
	}
	if resp.Model != "google:gemini-pro" {
		t.Errorf("model = %s, want google:gemini-pro", resp.Model)
	}
	if resp.Choices[0].Message.Content != "hi there" {
		t.Errorf("content = %s", resp.Choices[0].Message.Content)
	}
}

func TestAnthropicAdapter_ExtractsSystemMessage(t *testing.T) {
	a := NewAnthropicAdapter("", "key")
	url, body, err := a.TransformRequest(Request{
		Model: "claude-3",
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if !strings.HasSuffix(url, "/v1/messages") {
		t.Errorf("url = %s", url)
	}

	var decoded anthropicRequest
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.System != "be terse" {
		t.Errorf("system = %q, want 'be terse'", decoded.System)
	}
	if len(decoded.Messages) != 1 || decoded.Messages[0].Role != "user" {
		t.Errorf("messages = %+v, want only the user message", decoded.Messages)
	}
	if decoded.MaxTokens != DefaultAnthropicMaxTokens {
		t.Errorf("max_tokens = %d, want default %d", decoded.MaxTokens, DefaultAnthropicMaxTokens)
	}
}

func TestAnthropicAdapter_TransformResponse_PropagatesID(t *testing.T) {
	a := NewAnthropicAdapter("", "key")
	data := []byte(`{"id":"msg_123","content":[{"text":"hello"}]}`)
	resp, err := a.TransformResponse(data, "claude-3")
	if err != nil {
		t.Fatalf("transform response: %v", err)
	}
	if resp.ID != "msg_123" {
		t.Errorf("id = %s, want msg_123", resp.ID)
	}
	if resp.Model != "anthropic:claude-3" {
		t.Errorf("model = %s, want anthropic:claude-3", resp.Model)
	}
}
