package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-interceptor/config"
	"agent-interceptor/providers"
	"agent-interceptor/storage"
	"agent-interceptor/types"
)

// newTestProxy wires a handler against the given upstream URL for every
// provider and a fresh on-disk store.
func newTestProxy(t *testing.T, upstreamURL string) (*Handler, *storage.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.OpenAIBaseURL = upstreamURL
	cfg.AnthropicBaseURL = upstreamURL
	cfg.OllamaBaseURL = upstreamURL
	cfg.Quiet = true

	store, err := storage.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := providers.NewRegistry(cfg.OpenAIBaseURL, cfg.AnthropicBaseURL, cfg.OllamaBaseURL)
	client := NewUpstreamClient(cfg)
	return NewHandler(cfg, registry, store, client), store
}

func lastInteraction(t *testing.T, store *storage.Store) *types.Interaction {
	t.Helper()
	results, err := store.List(context.Background(), storage.ListOptions{Limit: 1})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	return results[0]
}

func TestHandlerOpenAINonStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-test",
			"model": "gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Test response"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
		}`)
	}))
	defer upstream.Close()

	handler, store := newTestProxy(t, upstream.URL)
	proxySrv := httptest.NewServer(handler)
	defer proxySrv.Close()

	resp, err := http.Post(proxySrv.URL+"/v1/chat/completions", "application/json",
		bytes.NewBufferString(`{"model": "gpt-4o", "messages": [{"role": "user", "content": "Hello"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Test response")

	in := lastInteraction(t, store)
	assert.Equal(t, types.ProviderOpenAI, in.Provider)
	assert.Equal(t, "gpt-4o", in.Model)
	require.NotNil(t, in.ResponseText)
	assert.Equal(t, "Test response", *in.ResponseText)
	require.NotNil(t, in.TokenUsage)
	assert.Equal(t, 8, in.TokenUsage.ComputedTotal())
	require.NotNil(t, in.StatusCode)
	assert.Equal(t, 200, *in.StatusCode)
	require.NotNil(t, in.TotalLatencyMs)
	assert.Greater(t, *in.TotalLatencyMs, 0.0)
	assert.False(t, in.IsStreaming)
	require.NotNil(t, in.CostEstimate)
	assert.InDelta(t, in.CostEstimate.InputCost+in.CostEstimate.OutputCost, in.CostEstimate.TotalCost, 1e-12)
}

func TestHandlerAnthropicStreaming(t *testing.T) {
	events := []string{
		`{"type": "message_start", "message": {"model": "claude-sonnet-4", "usage": {"input_tokens": 12}}}`,
		`{"type": "content_block_start", "index": 0, "content_block": {"type": "text", "text": ""}}`,
		`{"type": "content_block_delta", "index": 0, "delta": {"type": "text_delta", "text": "Hello from Anthropic"}}`,
		`{"type": "content_block_stop", "index": 0}`,
		`{"type": "message_delta", "delta": {"stop_reason": "end_turn"}, "usage": {"output_tokens": 4}}`,
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, event := range events {
			fmt.Fprintf(w, "event: whatever\ndata: %s\n\n", event)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	handler, store := newTestProxy(t, upstream.URL)
	proxySrv := httptest.NewServer(handler)
	defer proxySrv.Close()

	resp, err := http.Post(proxySrv.URL+"/v1/messages", "application/json",
		bytes.NewBufferString(`{"model": "claude-sonnet-4", "stream": true, "messages": [{"role": "user", "content": "Hi"}]}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	// Byte fidelity: the client sees the exact SSE frames, event lines included
	var expected bytes.Buffer
	for _, event := range events {
		fmt.Fprintf(&expected, "event: whatever\ndata: %s\n\n", event)
	}
	assert.Equal(t, expected.String(), string(body))

	in := lastInteraction(t, store)
	assert.True(t, in.IsStreaming)
	assert.Equal(t, types.ProviderAnthropic, in.Provider)
	require.NotNil(t, in.ResponseText)
	assert.Equal(t, "Hello from Anthropic", *in.ResponseText)
	require.NotNil(t, in.TokenUsage)
	assert.Equal(t, 12, *in.TokenUsage.InputTokens)
	assert.Equal(t, 4, *in.TokenUsage.OutputTokens)
	assert.Len(t, in.StreamChunks, 5)
	for i, chunk := range in.StreamChunks {
		assert.Equal(t, i, chunk.Index)
	}
	require.NotNil(t, in.TimeToFirstTokenMs)
	require.NotNil(t, in.TotalLatencyMs)
	assert.LessOrEqual(t, *in.TimeToFirstTokenMs, *in.TotalLatencyMs)
}

func TestHandlerOllamaNDJSONStreaming(t *testing.T) {
	lines := []string{
		`{"model": "llama3.2", "message": {"role": "assistant", "content": "Hello"}, "done": false}`,
		`{"model": "llama3.2", "message": {"role": "assistant", "content": "!"}, "done": false}`,
		`{"model": "llama3.2", "done": true, "prompt_eval_count": 5, "eval_count": 2}`,
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	handler, store := newTestProxy(t, upstream.URL)
	proxySrv := httptest.NewServer(handler)
	defer proxySrv.Close()

	resp, err := http.Post(proxySrv.URL+"/api/chat", "application/json",
		bytes.NewBufferString(`{"model": "llama3.2", "messages": [{"role": "user", "content": "Hi"}]}`))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	in := lastInteraction(t, store)
	assert.Equal(t, types.ProviderOllama, in.Provider)
	assert.True(t, in.IsStreaming)
	require.NotNil(t, in.ResponseText)
	assert.Equal(t, "Hello!", *in.ResponseText)
	require.NotNil(t, in.TokenUsage)
	assert.Equal(t, 5, *in.TokenUsage.InputTokens)
	assert.Equal(t, 2, *in.TokenUsage.OutputTokens)
	assert.Len(t, in.StreamChunks, 3)
	require.NotNil(t, in.CostEstimate)
	assert.Zero(t, in.CostEstimate.TotalCost)
}

func TestHandlerStreamUsageInjection(t *testing.T) {
	var upstreamBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &upstreamBody)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	handler, store := newTestProxy(t, upstream.URL)
	proxySrv := httptest.NewServer(handler)
	defer proxySrv.Close()

	resp, err := http.Post(proxySrv.URL+"/v1/chat/completions", "application/json",
		bytes.NewBufferString(`{"model": "gpt-4o", "stream": true, "messages": []}`))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// The forwarded body was modified...
	opts, ok := upstreamBody["stream_options"].(map[string]any)
	require.True(t, ok, "upstream should have received stream_options")
	assert.Equal(t, true, opts["include_usage"])

	// ...but the stored client request body was not
	in := lastInteraction(t, store)
	_, present := in.RequestBody["stream_options"]
	assert.False(t, present)
}

func TestHandlerConnectionRefused(t *testing.T) {
	// Grab a port that nothing listens on
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	handler, store := newTestProxy(t, deadURL)
	proxySrv := httptest.NewServer(handler)
	defer proxySrv.Close()

	resp, err := http.Post(proxySrv.URL+"/v1/chat/completions", "application/json",
		bytes.NewBufferString(`{"model": "gpt-4o", "messages": []}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var errBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.NotEmpty(t, errBody["error"])

	in := lastInteraction(t, store)
	assert.Nil(t, in.StatusCode)
	require.NotNil(t, in.Error)
	assert.Contains(t, *in.Error, "Connection error")
	require.NotNil(t, in.TotalLatencyMs)
}

func TestHandlerUpstreamErrorForwarded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "rate limited"}}`)
	}))
	defer upstream.Close()

	handler, store := newTestProxy(t, upstream.URL)
	proxySrv := httptest.NewServer(handler)
	defer proxySrv.Close()

	resp, err := http.Post(proxySrv.URL+"/v1/chat/completions", "application/json",
		bytes.NewBufferString(`{"model": "gpt-4o", "messages": []}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, string(body), "rate limited")

	in := lastInteraction(t, store)
	require.NotNil(t, in.StatusCode)
	assert.Equal(t, 429, *in.StatusCode)
	assert.Nil(t, in.Error)
	require.NotNil(t, in.ResponseBody)
}

func TestHandlerSessionThreading(t *testing.T) {
	firstResponse := "This is the first response with plenty of text to match against."
	call := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"model": "gpt-4o",
			"choices": [{"message": {"role": "assistant", "content": "response %d: %s"}, "finish_reason": "stop"}]
		}`, call, firstResponse)
	}))
	defer upstream.Close()

	handler, store := newTestProxy(t, upstream.URL)
	proxySrv := httptest.NewServer(handler)
	defer proxySrv.Close()

	// Turn 1
	resp, err := http.Post(proxySrv.URL+"/_session/sess-1/v1/chat/completions", "application/json",
		bytes.NewBufferString(`{"model": "gpt-4o", "messages": [{"role": "user", "content": "Hello"}]}`))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	first := lastInteraction(t, store)
	require.NotNil(t, first.SessionID)
	assert.Equal(t, "sess-1", *first.SessionID)
	assert.Equal(t, "/v1/chat/completions", first.Path)
	require.NotNil(t, first.TurnNumber)
	assert.Equal(t, 1, *first.TurnNumber)
	assert.Equal(t, types.TurnInitial, *first.TurnType)
	require.NotNil(t, first.ConversationID)
	require.NotNil(t, first.ResponseText)

	// Turn 2 carries the first response back as an assistant message
	carried := *first.ResponseText
	followup := map[string]any{
		"model": "gpt-4o",
		"messages": []any{
			map[string]any{"role": "user", "content": "Hello"},
			map[string]any{"role": "assistant", "content": carried + " and more"},
			map[string]any{"role": "user", "content": "Go on"},
		},
	}
	encoded, _ := json.Marshal(followup)
	resp, err = http.Post(proxySrv.URL+"/_session/sess-1/v1/chat/completions", "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	second := lastInteraction(t, store)
	require.NotEqual(t, first.ID, second.ID)
	require.NotNil(t, second.ConversationID)
	assert.Equal(t, *first.ConversationID, *second.ConversationID)
	require.NotNil(t, second.TurnNumber)
	assert.Equal(t, 2, *second.TurnNumber)
	require.NotNil(t, second.ParentInteractionID)
	assert.Equal(t, first.ID, *second.ParentInteractionID)
	assert.Equal(t, types.TurnContinuation, *second.TurnType)
	require.NotNil(t, second.ContextMetrics)
	require.NotNil(t, second.ContextMetrics.NewMessagesThisTurn)
	assert.Equal(t, 2, *second.ContextMetrics.NewMessagesThisTurn)
}

func TestHandlerExplicitConversationHeader(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model": "gpt-4o", "choices": [{"message": {"role": "assistant", "content": "ok"}}]}`)
	}))
	defer upstream.Close()

	handler, store := newTestProxy(t, upstream.URL)
	proxySrv := httptest.NewServer(handler)
	defer proxySrv.Close()

	send := func() {
		req, _ := http.NewRequest(http.MethodPost, proxySrv.URL+"/v1/chat/completions",
			bytes.NewBufferString(`{"model": "gpt-4o", "messages": [{"role": "user", "content": "x"}]}`))
		req.Header.Set("X-Interceptor-Conversation-Id", "conv-forced")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	send()
	send()

	turns, err := store.GetConversation(context.Background(), "conv-forced")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, 1, *turns[0].TurnNumber)
	assert.Equal(t, 2, *turns[1].TurnNumber)
	assert.Equal(t, turns[0].ID, *turns[1].ParentInteractionID)
}

func TestHandlerHeaderRedaction(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The upstream still receives the real key
		assert.Equal(t, "Bearer sk-secret-key-12345", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	handler, store := newTestProxy(t, upstream.URL)
	proxySrv := httptest.NewServer(handler)
	defer proxySrv.Close()

	req, _ := http.NewRequest(http.MethodPost, proxySrv.URL+"/v1/chat/completions",
		bytes.NewBufferString(`{"model": "gpt-4o"}`))
	req.Header.Set("Authorization", "Bearer sk-secret-key-12345")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	in := lastInteraction(t, store)
	stored := in.RequestHeaders["authorization"]
	assert.Equal(t, "Bearer sk-se***", stored)
}

func TestHandlerMalformedRequestJSON(t *testing.T) {
	var upstreamGotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		upstreamGotBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	handler, store := newTestProxy(t, upstream.URL)
	proxySrv := httptest.NewServer(handler)
	defer proxySrv.Close()

	resp, err := http.Post(proxySrv.URL+"/v1/chat/completions", "application/json",
		bytes.NewBufferString(`{broken json`))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// Still forwarded verbatim
	assert.Equal(t, `{broken json`, upstreamGotBody)

	in := lastInteraction(t, store)
	assert.Nil(t, in.RequestBody)
	require.NotNil(t, in.RawRequestBody)
	assert.Equal(t, `{broken json`, *in.RawRequestBody)
	assert.Empty(t, in.Model)
}

func TestHandlerListenerInvokedOnce(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	handler, _ := newTestProxy(t, upstream.URL)

	var seen []*types.Interaction
	handler.SetInteractionListener(func(in *types.Interaction) {
		seen = append(seen, in)
		panic("listener panics must be suppressed")
	})

	proxySrv := httptest.NewServer(handler)
	defer proxySrv.Close()

	resp, err := http.Post(proxySrv.URL+"/v1/chat/completions", "application/json",
		bytes.NewBufferString(`{"model": "gpt-4o"}`))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	require.Len(t, seen, 1)
	assert.Equal(t, types.ProviderOpenAI, seen[0].Provider)
}
