// Package dispatcher implements the per-request orchestration path (C6):
// resolve the requested model to a local endpoint or cloud provider, apply
// admission control, forward the request (unary or streaming), account for
// tokens and latency, and record history and audit trail entries.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/llmlb/llmlb/internal/domain"
	"github.com/llmlb/llmlb/internal/domain/endpoint"
	"github.com/llmlb/llmlb/internal/domain/history"
	"github.com/llmlb/llmlb/internal/loadmanager"
	"github.com/llmlb/llmlb/internal/provider"
	"github.com/llmlb/llmlb/internal/registry"
	"github.com/llmlb/llmlb/internal/resilience"
	"github.com/llmlb/llmlb/internal/tokens"
)

// capabilityPath maps a capability to the local endpoint route it forwards
// to, mirroring the corresponding OpenAI-compatible surface (spec §6).
var capabilityPath = map[endpoint.Capability]string{
	endpoint.CapabilityChatCompletion:     "/v1/chat/completions",
	endpoint.CapabilityCompletion:         "/v1/completions",
	endpoint.CapabilityEmbeddings:         "/v1/embeddings",
	endpoint.CapabilityAudioTranscription: "/v1/audio/transcriptions",
	endpoint.CapabilityAudioSpeech:        "/v1/audio/speech",
	endpoint.CapabilityImageGeneration:    "/v1/images/generations",
	endpoint.CapabilityImageEdit:          "/v1/images/edits",
	endpoint.CapabilityImageVariation:     "/v1/images/variations",
	endpoint.CapabilityResponsesAPI:       "/v1/responses",
}

// LoadManager is the narrow slice of loadmanager.Manager the dispatcher
// depends on.
type LoadManager interface {
	Select(modelID string, apiKind endpoint.APIKind) (endpoint.Endpoint, error)
	Admit(endpointID string) loadmanager.Decision
	BeginRequest(endpointID string) *loadmanager.Guard
	RecordTokens(endpointID string, input, output int64)
	UpdateTPS(endpointID, modelID string, apiKind endpoint.APIKind, outputTokens, durationMs int64)
}

// HistoryRecorder persists one completed request's row (spec §5: must be
// called before the audit pipeline observes the same event).
type HistoryRecorder interface {
	SaveRecord(ctx context.Context, r history.Record) error
}

// AuditRecorder enqueues one non-blocking audit entry.
type AuditRecorder interface {
	Record(path, actor, action, target string, detail map[string]any)
}

// CredentialLookup resolves a local endpoint's plaintext credential for
// outbound forwarding, e.g. secrets.Vault.Get keyed by endpoint id.
// Endpoint.CredentialHash only stores a verification hash and is never
// usable as a bearer token.
type CredentialLookup func(endpointID string) string

// Config holds the dispatcher's forwarding tunables.
type Config struct {
	// DefaultInferenceTimeoutSecs is used when an endpoint does not specify
	// its own InferenceTimeoutSecs.
	DefaultInferenceTimeoutSecs int
}

// DefaultConfig returns spec's documented default.
func DefaultConfig() Config {
	return Config{DefaultInferenceTimeoutSecs: 120}
}

// Dispatcher orchestrates one proxied request end to end.
type Dispatcher struct {
	lm         LoadManager
	providers  map[provider.Prefix]*provider.Client
	history    HistoryRecorder
	audit      AuditRecorder
	credential CredentialLookup
	httpClient *http.Client
	cfg        Config
	now        func() time.Time

	breakersMu sync.Mutex
	breakers   map[string]*resilience.Breaker
}

// New constructs a Dispatcher. providers maps a recognized cloud prefix to
// its adapter client (spec §4.5); an absent entry means that provider is not
// configured. credential may be nil (no local endpoint auth injected).
func New(lm LoadManager, providers map[provider.Prefix]*provider.Client, history HistoryRecorder, audit AuditRecorder, credential CredentialLookup, cfg Config) *Dispatcher {
	if cfg.DefaultInferenceTimeoutSecs <= 0 {
		cfg.DefaultInferenceTimeoutSecs = 120
	}
	return &Dispatcher{
		lm:         lm,
		providers:  providers,
		history:    history,
		audit:      audit,
		credential: credential,
		httpClient: &http.Client{},
		cfg:        cfg,
		now:        time.Now,
		breakers:   make(map[string]*resilience.Breaker),
	}
}

// Params describes the inbound request's routing requirements, determined
// by the HTTP route that was hit (spec §6's route table fixes the capability
// and api-kind for each path).
type Params struct {
	Capability  endpoint.Capability
	APIKind     endpoint.APIKind
	RequestedBy string // user id or api key id, recorded as Record.RequestedBy
	Path        string // original request path, for audit recording
}

// splitQuantization splits "base:quantization" into its two parts; a model
// id with no colon returns (modelID, "").
func splitQuantization(modelID string) (base, quant string) {
	if i := strings.IndexByte(modelID, ':'); i >= 0 {
		return modelID[:i], modelID[i+1:]
	}
	return modelID, ""
}

// resolution is the outcome of model routing: exactly one of endpoint or
// providerClient is set.
type resolution struct {
	ep          endpoint.Endpoint
	local       bool
	providerCli *provider.Client
	prefix      provider.Prefix
	strippedID  string // model id with the cloud prefix removed
	baseModel   string // local route: model id stripped of :quantization
}

// ErrNoEndpointAvailable mirrors loadmanager.ErrNoEndpointAvailable for
// callers that only import dispatcher.
var ErrNoEndpointAvailable = loadmanager.ErrNoEndpointAvailable

// resolve implements spec §4.4 step 1-2: try a local endpoint for the base
// model id first, falling through to cloud-prefix resolution on the full
// (unsplit) model id when no local endpoint is registered for it.
//
// modelID is normalized through registry.GenerateModelID (spec §8) before
// routing, so case and slash variants of the same repo id and malformed
// input (traversal sequences, NUL bytes, all-slash strings) resolve
// identically rather than silently missing registry lookups.
func (d *Dispatcher) resolve(modelID string, p Params) (resolution, error) {
	normalized := registry.GenerateModelID(modelID)
	base, _ := splitQuantization(normalized)

	ep, err := d.lm.Select(base, p.APIKind)
	if err == nil {
		if !endpointServes(ep, p) {
			return resolution{}, fmt.Errorf("%w: endpoint does not support requested capability", ErrNoEndpointAvailable)
		}
		return resolution{ep: ep, local: true, baseModel: base}, nil
	}
	if !errors.Is(err, loadmanager.ErrNoEndpointAvailable) {
		return resolution{}, err
	}

	prefix, stripped, ok := provider.ResolvePrefix(modelID)
	if !ok {
		return resolution{}, ErrNoEndpointAvailable
	}
	cli, ok := d.providers[prefix]
	if !ok || cli == nil {
		return resolution{}, fmt.Errorf("%w: provider %s not configured", ErrNoEndpointAvailable, prefix)
	}
	return resolution{providerCli: cli, prefix: prefix, strippedID: stripped}, nil
}

// endpointServes reports whether ep's declared capabilities satisfy the
// request (spec §4.4 step 2's capability/responses-api gate).
func endpointServes(ep endpoint.Endpoint, p Params) bool {
	if p.Capability != "" && !ep.Capabilities.Has(p.Capability) {
		return false
	}
	if p.APIKind == endpoint.APIKindResponses && !ep.SupportsResponsesAPI {
		return false
	}
	return true
}

// Result summarizes one dispatched request for the caller (the HTTP layer
// has already streamed the body to the client by the time Dispatch returns).
type Result struct {
	EndpointID   string
	EndpointName string
	StatusCode   int
	Usage        tokens.Usage
	Streamed     bool
	Success      bool
	ErrorMessage string
}

// breakerFor returns (creating if needed) the circuit breaker guarding
// unary forwards to endpointID.
func (d *Dispatcher) breakerFor(endpointID string) *resilience.Breaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	b, ok := d.breakers[endpointID]
	if !ok {
		b = resilience.NewBreaker(5, 30*time.Second)
		d.breakers[endpointID] = b
	}
	return b
}

// Dispatch resolves modelID, applies admission control, forwards body to the
// chosen upstream, streams the response to w, and records history/audit
// entries. body is the raw inbound JSON request; w is the client's response
// writer, used directly for both unary and SSE-streamed responses.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, body []byte, modelID string, p Params) (Result, error) {
	var payload inboundPayload
	_ = json.Unmarshal(body, &payload)
	streamRequested := payload.Stream

	res, err := d.resolve(modelID, p)
	if err != nil {
		return Result{}, err
	}

	if res.local {
		return d.dispatchLocal(ctx, w, body, payload, res, p, streamRequested)
	}
	return d.dispatchProvider(ctx, w, payload, res, p)
}

type inboundPayload struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Prompt string `json:"prompt"`
	Input  string `json:"input"`
}

func (p inboundPayload) promptText() string {
	if len(p.Messages) > 0 {
		var sb strings.Builder
		for _, m := range p.Messages {
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		return sb.String()
	}
	if p.Prompt != "" {
		return p.Prompt
	}
	return p.Input
}

func (d *Dispatcher) dispatchLocal(ctx context.Context, w http.ResponseWriter, body []byte, payload inboundPayload, res resolution, p Params, streamRequested bool) (Result, error) {
	ep := res.ep
	decision := d.lm.Admit(ep.ID)
	if decision.Reject {
		return Result{}, fmt.Errorf("%w: admission rejected for endpoint %s", domain.ErrServiceUnavailable, ep.ID)
	}
	if decision.Delay > 0 {
		select {
		case <-time.After(decision.Delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	guard := d.lm.BeginRequest(ep.ID)

	forwardBody, err := rewriteModel(body, res.baseModel)
	if err != nil {
		forwardBody = body
	}

	timeout := time.Duration(ep.InferenceTimeoutSecs) * time.Second
	if ep.InferenceTimeoutSecs <= 0 {
		timeout = time.Duration(d.cfg.DefaultInferenceTimeoutSecs) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := capabilityPath[p.Capability]
	if path == "" {
		path = "/v1/chat/completions"
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ep.BaseURL+path, bytes.NewReader(forwardBody))
	if err != nil {
		guard.FinishRequest(false, 0)
		return Result{}, fmt.Errorf("%w: build forward request: %v", domain.ErrUpstream, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.credential != nil {
		if cred := d.credential(ep.ID); cred != "" {
			httpReq.Header.Set("Authorization", "Bearer "+cred)
		}
	}

	if streamRequested {
		return d.forwardStream(ctx, w, httpReq, guard, ep, payload, p)
	}
	return d.forwardUnary(ctx, w, httpReq, guard, ep, payload, p)
}

// rewriteModel overwrites the JSON body's "model" field with baseModel, so
// the upstream endpoint never sees a ":quantization" suffix.
func rewriteModel(body []byte, baseModel string) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	raw["model"] = baseModel
	return json.Marshal(raw)
}

func (d *Dispatcher) forwardUnary(ctx context.Context, w http.ResponseWriter, httpReq *http.Request, guard *loadmanager.Guard, ep endpoint.Endpoint, payload inboundPayload, p Params) (Result, error) {
	var respBody []byte
	var statusCode int
	breaker := d.breakerFor(ep.ID)
	callErr := breaker.Execute(func() error {
		resp, err := d.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		statusCode = resp.StatusCode
		respBody = data
		if resp.StatusCode >= 400 {
			return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
		}
		return nil
	})

	success := callErr == nil
	latencyMs := guard.LatencyMs()
	guard.FinishRequest(success, 0)

	if !success {
		d.recordOutcome(ctx, ep, payload, p, false, statusCode, tokens.Usage{}, latencyMs, false, callErr.Error())
		return Result{EndpointID: ep.ID, EndpointName: ep.Name, StatusCode: statusCode, Success: false, ErrorMessage: callErr.Error()}, fmt.Errorf("%w: %v", domain.ErrUpstream, callErr)
	}

	usage := tokens.ExtractUnaryUsage(respBody, payload.promptText(), "")
	d.lm.RecordTokens(ep.ID, usage.InputTokens, usage.OutputTokens)
	base, _ := splitQuantization(registry.GenerateModelID(payload.Model))
	d.lm.UpdateTPS(ep.ID, base, p.APIKind, usage.OutputTokens, latencyMs)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(respBody)

	d.recordOutcome(ctx, ep, payload, p, true, statusCode, usage, latencyMs, false, "")
	return Result{EndpointID: ep.ID, EndpointName: ep.Name, StatusCode: statusCode, Usage: usage, Success: true}, nil
}

// flushWriter wraps an http.ResponseWriter so every Write is flushed
// immediately, preserving SSE byte-for-byte passthrough timing.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

func (d *Dispatcher) forwardStream(ctx context.Context, w http.ResponseWriter, httpReq *http.Request, guard *loadmanager.Guard, ep endpoint.Endpoint, payload inboundPayload, p Params) (Result, error) {
	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		latencyMs := guard.LatencyMs()
		guard.FinishRequest(false, 0)
		d.recordOutcome(ctx, ep, payload, p, false, 0, tokens.Usage{}, latencyMs, true, err.Error())
		return Result{EndpointID: ep.ID, EndpointName: ep.Name, Success: false, ErrorMessage: err.Error()}, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	fw := flushWriter{w: w, f: flusher}

	var buf bytes.Buffer
	_, copyErr := io.Copy(fw, io.TeeReader(resp.Body, &buf))

	latencyMs := guard.LatencyMs()
	success := copyErr == nil && resp.StatusCode < 400
	guard.FinishRequest(success, 0)

	acc := tokens.NewStreamAccumulator(tokens.EstimateTokens(payload.promptText()))
	acc.Feed(buf.Bytes())
	usage := acc.Finalize()

	errMsg := ""
	if copyErr != nil {
		errMsg = copyErr.Error()
	} else if resp.StatusCode >= 400 {
		errMsg = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	}

	if success {
		d.lm.RecordTokens(ep.ID, usage.InputTokens, usage.OutputTokens)
		base, _ := splitQuantization(registry.GenerateModelID(payload.Model))
		d.lm.UpdateTPS(ep.ID, base, p.APIKind, usage.OutputTokens, latencyMs)
	}

	d.recordOutcome(ctx, ep, payload, p, success, resp.StatusCode, usage, latencyMs, true, errMsg)

	result := Result{EndpointID: ep.ID, EndpointName: ep.Name, StatusCode: resp.StatusCode, Usage: usage, Streamed: true, Success: success, ErrorMessage: errMsg}
	if !success {
		return result, fmt.Errorf("%w: %s", domain.ErrUpstream, errMsg)
	}
	return result, nil
}

func (d *Dispatcher) dispatchProvider(ctx context.Context, w http.ResponseWriter, payload inboundPayload, res resolution, p Params) (Result, error) {
	req := provider.Request{
		Model:    res.strippedID,
		Stream:   false, // provider.Client.Do is unary-only; streaming cloud routes are not supported.
		Messages: make([]provider.Message, 0, len(payload.Messages)),
	}
	for _, m := range payload.Messages {
		req.Messages = append(req.Messages, provider.Message{Role: m.Role, Content: m.Content})
	}

	start := d.now()
	resp, err := res.providerCli.Do(req)
	latencyMs := time.Since(start).Milliseconds()

	if err != nil {
		d.recordProviderOutcome(ctx, res.prefix, res.strippedID, p, false, 0, tokens.Usage{}, latencyMs, err.Error())
		return Result{EndpointID: string(res.prefix), Success: false, ErrorMessage: err.Error()}, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}

	responseText := ""
	if len(resp.Choices) > 0 {
		responseText = resp.Choices[0].Message.Content
	}
	usage := tokens.Usage{}
	usage.InputTokens = tokens.EstimateTokens(payload.promptText())
	usage.OutputTokens = tokens.EstimateTokens(responseText)
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)

	d.recordProviderOutcome(ctx, res.prefix, res.strippedID, p, true, http.StatusOK, usage, latencyMs, "")
	return Result{EndpointID: string(res.prefix), StatusCode: http.StatusOK, Usage: usage, Success: true}, nil
}

func (d *Dispatcher) recordOutcome(ctx context.Context, ep endpoint.Endpoint, payload inboundPayload, p Params, success bool, statusCode int, usage tokens.Usage, latencyMs int64, streamed bool, errMsg string) {
	now := d.now()
	rec := history.Record{
		EndpointID:   ep.ID,
		EndpointName: ep.Name,
		Model:        payload.Model,
		APIKind:      string(p.APIKind),
		Success:      success,
		StatusCode:   statusCode,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
		LatencyMs:    latencyMs,
		Streamed:     streamed,
		ErrorMessage: errMsg,
		RequestedBy:  p.RequestedBy,
		CreatedAt:    now,
	}
	d.saveAndAudit(ctx, rec, p, ep.ID)
}

func (d *Dispatcher) recordProviderOutcome(ctx context.Context, prefix provider.Prefix, model string, p Params, success bool, statusCode int, usage tokens.Usage, latencyMs int64, errMsg string) {
	rec := history.Record{
		EndpointID:   string(prefix),
		EndpointName: string(prefix),
		Model:        model,
		APIKind:      string(p.APIKind),
		Success:      success,
		StatusCode:   statusCode,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
		LatencyMs:    latencyMs,
		ErrorMessage: errMsg,
		RequestedBy:  p.RequestedBy,
		CreatedAt:    d.now(),
	}
	d.saveAndAudit(ctx, rec, p, string(prefix))
}

// saveAndAudit writes the history record, then enqueues the audit entry —
// in that order, satisfying spec §5's guarantee that history observes a
// completed request before the audit pipeline does.
func (d *Dispatcher) saveAndAudit(ctx context.Context, rec history.Record, p Params, target string) {
	if d.history != nil {
		_ = d.history.SaveRecord(ctx, rec)
	}
	if d.audit != nil {
		actor := p.RequestedBy
		if actor == "" {
			actor = "system"
		}
		d.audit.Record(p.Path, actor, "dispatch.request", target, map[string]any{
			"model":       rec.Model,
			"success":     rec.Success,
			"status_code": rec.StatusCode,
			"streamed":    rec.Streamed,
		})
	}
}
