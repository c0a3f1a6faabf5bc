// Package endpoint defines the upstream inference endpoint domain model:
// the registered server, its capability set, and its per-model mappings.
package endpoint

import (
	"errors"
	"time"
)

// Status is the health-checker state machine's current state (spec §4.3).
type Status string

const (
	StatusPending  Status = "pending"
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Type identifies the wire shape an endpoint speaks.
type Type string

const (
	TypeNativeCompatible Type = "native_compatible"
	TypeVariantA         Type = "variant_a"
	TypeVariantB         Type = "variant_b"
	TypeVariantC         Type = "variant_c"
	TypeGeneric          Type = "generic"
)

// Capability is a specific API or behavior an endpoint offers.
type Capability string

const (
	CapabilityChatCompletion     Capability = "chat-completion"
	CapabilityCompletion         Capability = "completion"
	CapabilityEmbeddings         Capability = "embeddings"
	CapabilityAudioTranscription Capability = "audio-transcription"
	CapabilityAudioSpeech        Capability = "audio-speech"
	CapabilityImageGeneration    Capability = "image-generation"
	CapabilityImageEdit          Capability = "image-edit"
	CapabilityImageVariation     Capability = "image-variation"
	CapabilityVision             Capability = "vision"
	CapabilityResponsesAPI       Capability = "responses-api"
)

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from a slice of capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Slice returns the set's members in no particular order.
func (s CapabilitySet) Slice() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}

// Counters holds cumulative request outcome totals.
type Counters struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// Endpoint is an upstream inference server the balancer can forward to.
type Endpoint struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	BaseURL              string        `json:"base_url"`
	CredentialHash       string        `json:"-"` // stored only by hash/encrypted handle
	Type                 Type          `json:"type"`
	HealthCheckInterval  int           `json:"health_check_interval_secs"`
	InferenceTimeoutSecs int           `json:"inference_timeout_secs"`
	Status               Status        `json:"status"`
	LastLatencyMs        *int64        `json:"last_latency_ms,omitempty"`
	LastSeenAt           *time.Time    `json:"last_seen_at,omitempty"`
	LastError            string        `json:"last_error,omitempty"`
	ConsecutiveErrors    int           `json:"consecutive_errors"`
	RegisteredAt         time.Time     `json:"registered_at"`
	Counters             Counters      `json:"counters"`
	Capabilities         CapabilitySet `json:"capabilities,omitempty"`
	SupportsResponsesAPI bool          `json:"supports_responses_api"`
	Notes                string        `json:"notes,omitempty"`
}

// EffectiveLatencyMs returns the endpoint's last recorded latency
// (LastLatencyMs), or +Inf represented as (0, false) when none is recorded.
// No average is computed from request totals.
func (e *Endpoint) EffectiveLatencyMs() (float64, bool) {
	if e.LastLatencyMs != nil {
		return float64(*e.LastLatencyMs), true
	}
	return 0, false
}

// APIKind is the axis along which TPS is measured.
type APIKind string

const (
	APIKindChatCompletions APIKind = "chat-completions"
	APIKindCompletions     APIKind = "completions"
	APIKindResponses       APIKind = "responses"
)

// Model is the pair (endpoint id, model id) with an optional per-model
// capability list and the set of supported API kinds.
type Model struct {
	EndpointID   string        `json:"endpoint_id"`
	ModelID      string        `json:"model_id"`
	Capabilities CapabilitySet `json:"capabilities,omitempty"`
	APIKinds     []APIKind     `json:"api_kinds,omitempty"`
	LastCheckedAt time.Time    `json:"last_checked_at"`
}

// HealthCheck is one probe record (EndpointHealthCheck row), retained for
// HealthCheck.RetentionDays (spec §4.3 supplemented feature).
type HealthCheck struct {
	ID         string    `json:"id"`
	EndpointID string    `json:"endpoint_id"`
	Status     Status    `json:"status"`
	LatencyMs  *int64    `json:"latency_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// CreateRequest is the input for registering a new endpoint.
type CreateRequest struct {
	Name                 string       `json:"name"`
	BaseURL              string       `json:"base_url"`
	Credential           string       `json:"credential,omitempty"` //nolint:gosec // request field, not a hardcoded secret
	Type                 Type         `json:"type"`
	HealthCheckInterval  int          `json:"health_check_interval_secs,omitempty"`
	InferenceTimeoutSecs int          `json:"inference_timeout_secs,omitempty"`
	Capabilities         []Capability `json:"capabilities,omitempty"`
	SupportsResponsesAPI bool         `json:"supports_responses_api,omitempty"`
	Notes                string       `json:"notes,omitempty"`
}

// Validate checks that the CreateRequest has all required fields.
func (r *CreateRequest) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if r.Type == "" {
		r.Type = TypeNativeCompatible
	}
	if r.HealthCheckInterval <= 0 {
		r.HealthCheckInterval = 30
	}
	if r.InferenceTimeoutSecs <= 0 {
		r.InferenceTimeoutSecs = 120
	}
	return nil
}

// SyncModelsResult reports the outcome of a model-index synchronization.
type SyncModelsResult struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Total   int      `json:"total"`
}
