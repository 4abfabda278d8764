package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agent-interceptor/config"
	"agent-interceptor/logger"
	"agent-interceptor/providers"
	"agent-interceptor/storage"
	"agent-interceptor/types"
)

// Handler is the transparent proxy core: it receives a request, detects
// the provider, forwards to the upstream, streams the response back
// byte-for-byte, and persists one Interaction per request.
type Handler struct {
	cfg           *config.Config
	registry      *providers.Registry
	store         *storage.Store
	client        *http.Client
	loggerCfg     logger.LoggerConfig
	obs           *logger.ObservabilityLogger
	onInteraction func(*types.Interaction)
}

// NewHandler creates a proxy handler sharing the given upstream client
// and store across all requests.
func NewHandler(cfg *config.Config, registry *providers.Registry, store *storage.Store, client *http.Client) *Handler {
	return &Handler{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		client:    client,
		loggerCfg: logger.NewConfigAdapter(cfg),
	}
}

// SetInteractionListener registers a callback invoked once after each
// successful persist. Callback panics are suppressed.
func (h *Handler) SetInteractionListener(fn func(*types.Interaction)) {
	h.onInteraction = fn
}

// SetObservabilityLogger enables structured JSONL logging of persisted
// interactions.
func (h *Handler) SetObservabilityLogger(obs *logger.ObservabilityLogger) {
	h.obs = obs
}

// NewUpstreamClient builds the shared upstream HTTP client: long request
// timeout for slow generations, short connect timeout so dead upstreams
// fail fast.
func NewUpstreamClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Timeout: cfg.RequestTimeout(),
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: cfg.ConnectTimeout(),
			}).DialContext,
		},
	}
}

// ServeHTTP handles one proxied request end to end.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestTime := time.Now().UTC()

	requestID := generateRequestID()
	ctx := withRequestID(r.Context(), requestID)
	log := logger.New(ctx, h.loggerCfg)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error("❌ Failed to read request body: %v", err)
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// Session prefix: /_session/{id}/... is stripped before detection,
	// {id} becomes the stored session ID.
	path := r.URL.Path
	var sessionID *string
	if strings.HasPrefix(path, "/_session/") {
		rest := path[len("/_session/"):]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			id := rest[:slash]
			sessionID = &id
			path = rest[slash:]
		} else {
			sessionID = &rest
			path = "/"
		}
	}

	headers := headerMap(r.Header)
	provider, parser, upstreamBase := h.registry.Detect(path, headers)
	log.WithProvider(provider.String()).Debug("🔀 Detected provider for %s %s", r.Method, path)

	var bodyDict map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &bodyDict); err != nil {
			bodyDict = nil
		}
	}

	storedPath := path
	if r.URL.RawQuery != "" {
		storedPath += "?" + r.URL.RawQuery
	}

	interaction := types.NewInteraction(requestTime)
	interaction.SessionID = sessionID
	interaction.Method = r.Method
	interaction.Path = storedPath
	interaction.RequestHeaders = RedactHeaders(headers, h.cfg.RedactAPIKeys)
	interaction.RequestBody = bodyDict
	if len(body) > 0 {
		raw := string(body)
		interaction.RawRequestBody = &raw
	}
	interaction.Provider = provider

	// Explicit conversation pinning via header wins over inference.
	if convID, ok := headers["x-interceptor-conversation-id"]; ok && convID != "" {
		interaction.ConversationID = &convID
	}

	if bodyDict != nil && provider != types.ProviderUnknown {
		parsed := parser.ParseRequest(bodyDict)
		interaction.Model = parsed.Model
		interaction.SystemPrompt = parsed.SystemPrompt
		interaction.Messages = parsed.Messages
		interaction.Tools = parsed.Tools
		interaction.ImageMetadata = parsed.ImageMetadata
	}

	// Delta left nil here; the threading engine resolves it at save time
	// once the parent turn is known.
	interaction.ContextMetrics = ComputeContextMetrics(interaction.Messages, interaction.SystemPrompt, nil)

	// OpenAI streaming without usage reporting gets it injected so the
	// final chunk carries token counts. The client-visible request body
	// stays untouched; only the forwarded bytes change.
	forwardBody := body
	if bodyDict != nil && ShouldInjectStreamOptions(bodyDict, provider) {
		modified := InjectStreamOptions(bodyDict)
		if encoded, err := json.Marshal(modified); err == nil {
			forwardBody = encoded
			usageInjectionsTotal.Inc()
			log.Debug("💉 Injected stream_options.include_usage for OpenAI streaming request")
		}
	}

	upstreamURL := upstreamBase + path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, bytes.NewReader(forwardBody))
	if err != nil {
		h.failRequest(ctx, w, log, interaction, start, http.StatusBadGateway, "connect", fmt.Errorf("building upstream request: %v", err))
		return
	}
	upstreamReq.Header = buildForwardHeaders(r.Header)

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		status, kind := classifyUpstreamError(err)
		h.failRequest(ctx, w, log, interaction, start, status, kind, err)
		return
	}
	defer resp.Body.Close()

	statusCode := resp.StatusCode
	interaction.StatusCode = &statusCode
	interaction.ResponseHeaders = headerMap(resp.Header)

	if isStreamingResponse(resp, provider, bodyDict) {
		interaction.IsStreaming = true
		h.handleStreaming(ctx, w, log, interaction, parser, provider, resp, start)
	} else {
		h.handleNonStreaming(ctx, w, log, interaction, parser, resp, start)
	}
}

// isStreamingResponse classifies the upstream response. SSE and NDJSON
// content types are always streams; Ollama also streams NDJSON under a
// plain JSON content type when the request asked for streaming.
func isStreamingResponse(resp *http.Response, provider types.Provider, bodyDict map[string]any) bool {
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") || strings.Contains(contentType, "application/x-ndjson") {
		return true
	}
	if provider == types.ProviderOllama && strings.Contains(contentType, "application/json") && bodyDict != nil {
		if stream, ok := bodyDict["stream"].(bool); ok {
			return stream
		}
		return true
	}
	return false
}

// handleNonStreaming drains the upstream body, parses it, and echoes it
// to the client with stale encoding headers removed.
func (h *Handler) handleNonStreaming(ctx context.Context, w http.ResponseWriter, log logger.Logger,
	interaction *types.Interaction, parser providers.Parser, resp *http.Response, start time.Time) {

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn("⚠️ Failed to drain upstream response: %v", err)
	}
	latency := msSince(start)
	interaction.TotalLatencyMs = &latency

	rawText := string(bodyBytes)
	if len(bodyBytes) > 0 {
		interaction.RawResponseBody = &rawText
	}

	var bodyDict map[string]any
	if err := json.Unmarshal(bodyBytes, &bodyDict); err == nil && bodyDict != nil {
		interaction.ResponseBody = bodyDict
		if interaction.Provider != types.ProviderUnknown {
			parsed := parser.ParseResponse(bodyDict)
			interaction.ResponseText = parsed.ResponseText
			interaction.ToolCalls = parsed.ToolCalls
			interaction.TokenUsage = parsed.TokenUsage
			if parsed.Model != "" && interaction.Model == "" {
				interaction.Model = parsed.Model
			}
			interaction.CostEstimate = parser.EstimateCost(interaction.Model, interaction.TokenUsage)
		}
	}

	h.finalize(ctx, log, interaction)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(bodyBytes); err != nil {
		log.Debug("🔌 Client disconnected before response was written: %v", err)
	}
}

// handleStreaming tees the upstream stream to the client while parsing a
// buffered copy, then reassembles the response and persists. A client
// disconnect stops forwarding but everything captured so far is still
// reassembled and saved.
func (h *Handler) handleStreaming(ctx context.Context, w http.ResponseWriter, log logger.Logger,
	interaction *types.Interaction, parser providers.Parser, provider types.Provider,
	resp *http.Response, start time.Time) {

	log.WithProvider(provider.String()).Info("🌊 Streaming response started")

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	interceptor := NewStreamInterceptor(parser, provider)
	if err := interceptor.Intercept(w, resp.Body); err != nil {
		log.Debug("🔌 Stream ended early: %v", err)
	}

	latency := msSince(start)
	interaction.TotalLatencyMs = &latency
	if first := interceptor.FirstChunkTime(); first != nil {
		ttft := float64(first.Sub(interaction.Timestamp)) / float64(time.Millisecond)
		interaction.TimeToFirstTokenMs = &ttft
	}

	chunks := interceptor.Chunks()
	interaction.StreamChunks = chunks
	streamChunksTotal.WithLabelValues(provider.String()).Add(float64(len(chunks)))

	if len(chunks) > 0 {
		reconstructed := parser.ReconstructResponse(chunks)
		interaction.ResponseText = reconstructed.ResponseText
		interaction.ToolCalls = reconstructed.ToolCalls
		interaction.TokenUsage = reconstructed.TokenUsage
		if reconstructed.Model != "" && interaction.Model == "" {
			interaction.Model = reconstructed.Model
		}
		interaction.CostEstimate = parser.EstimateCost(interaction.Model, interaction.TokenUsage)
	}

	log.WithProvider(provider.String()).Info("📊 Stream finished: %d chunks, %.0fms", len(chunks), latency)
	h.finalize(ctx, log, interaction)
}

// failRequest records an upstream failure, persists the interaction, and
// returns the matching gateway error to the client.
func (h *Handler) failRequest(ctx context.Context, w http.ResponseWriter, log logger.Logger,
	interaction *types.Interaction, start time.Time, status int, kind string, err error) {

	log.Error("❌ Upstream request failed (%s): %v", kind, err)
	upstreamErrorsTotal.WithLabelValues(interaction.Provider.String(), kind).Inc()

	message := fmt.Sprintf("Connection error: %v", err)
	if kind == "timeout" {
		message = fmt.Sprintf("Timeout: %v", err)
	}
	interaction.Error = &message
	latency := msSince(start)
	interaction.TotalLatencyMs = &latency

	h.finalize(ctx, log, interaction)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// finalize persists the interaction and notifies the listener. A storage
// failure loses the record but never breaks the response; a listener
// panic is suppressed.
func (h *Handler) finalize(ctx context.Context, log logger.Logger, interaction *types.Interaction) {
	statusClass := "error"
	if interaction.StatusCode != nil {
		statusClass = fmt.Sprintf("%dxx", *interaction.StatusCode/100)
	}
	requestsTotal.WithLabelValues(interaction.Provider.String(),
		fmt.Sprintf("%t", interaction.IsStreaming), statusClass).Inc()
	if interaction.TotalLatencyMs != nil {
		requestDuration.WithLabelValues(interaction.Provider.String()).Observe(*interaction.TotalLatencyMs / 1000)
	}

	if err := h.store.Save(ctx, interaction); err != nil {
		log.Error("❌ Failed to persist interaction %s: %v", interaction.ID, err)
		if h.obs != nil {
			h.obs.Error(logger.ComponentStorage, logger.CategoryError, GetRequestID(ctx),
				"Interaction lost", map[string]interface{}{"interaction_id": interaction.ID, "error": err.Error()})
		}
		return
	}

	if h.obs != nil {
		latency := 0.0
		if interaction.TotalLatencyMs != nil {
			latency = *interaction.TotalLatencyMs
		}
		h.obs.Interaction(GetRequestID(ctx), interaction.Provider.String(), interaction.Model,
			interaction.IsStreaming, latency)
	}

	if h.onInteraction != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn("⚠️ Interaction listener panicked: %v", r)
				}
			}()
			h.onInteraction(interaction)
		}()
	}
}

// classifyUpstreamError maps a transport failure to a gateway status:
// timeouts are 504, everything else (refused connection, DNS, TLS) 502.
func classifyUpstreamError(err error) (int, string) {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return http.StatusGatewayTimeout, "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusBadGateway, "connect"
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
