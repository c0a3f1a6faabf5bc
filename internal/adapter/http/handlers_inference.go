package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/llmlb/llmlb/internal/dispatcher"
	"github.com/llmlb/llmlb/internal/domain/endpoint"
)

// inferenceModel is the minimal shape every inference request body shares:
// the "model" field dispatcher.Dispatch needs for routing.
type inferenceModel struct {
	Model string `json:"model"`
}

// dispatch reads the request body, resolves model/capability/api-kind
// through the dispatcher (C6), and writes the error envelope on failure —
// dispatcher.Dispatch has already streamed a successful response to w by
// the time it returns.
func (h *Handlers) dispatch(w http.ResponseWriter, r *http.Request, capability endpoint.Capability, apiKind endpoint.APIKind) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.Limits.MaxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	var m inferenceModel
	if err := json.Unmarshal(body, &m); err != nil || m.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}

	p := dispatcher.Params{
		Capability:  capability,
		APIKind:     apiKind,
		RequestedBy: requestedBy(r.Context()),
		Path:        r.URL.Path,
	}

	result, err := h.Dispatcher.Dispatch(r.Context(), w, body, m.Model, p)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	if h.Metrics != nil {
		outcome := "success"
		if !result.Success {
			outcome = "error"
		}
		h.Metrics.RecordDispatch(result.EndpointID, outcome)
	}
}

// writeDispatchError maps dispatch failures to the OpenAI-compatible
// envelope (spec §7). dispatcher.ErrNoEndpointAvailable is reported as
// service_unavailable rather than mapped through writeDomainError's
// default, since it isn't wrapped in a domain.Err* sentinel.
func writeDispatchError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatcher.ErrNoEndpointAvailable) {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		return
	}
	writeDomainError(w, err, "dispatch failed")
}

// ChatCompletions handles POST /v1/chat/completions (spec §6).
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, endpoint.CapabilityChatCompletion, endpoint.APIKindChatCompletions)
}

// Completions handles POST /v1/completions (spec §6).
func (h *Handlers) Completions(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, endpoint.CapabilityCompletion, endpoint.APIKindCompletions)
}

// Responses handles POST /v1/responses, gated to endpoints advertising
// SupportsResponsesAPI (spec §6).
func (h *Handlers) Responses(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, endpoint.CapabilityResponsesAPI, endpoint.APIKindResponses)
}

// Embeddings handles POST /v1/embeddings. Embeddings have no streaming TPS
// axis (endpoint.APIKind only covers chat/completions/responses), so no
// api-kind is passed — the dispatcher only uses it for the responses-api
// capability gate and TPS bookkeeping, neither of which apply here.
func (h *Handlers) Embeddings(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, endpoint.CapabilityEmbeddings, "")
}
