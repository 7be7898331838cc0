package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/broomva/arcan/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureServer serves body for every request and keeps the last decoded request payload.
type captureServer struct {
	*httptest.Server
	mu      sync.Mutex
	path    string
	payload map[string]any
}

func newCaptureServer(t *testing.T, status int, body string) *captureServer {
	t.Helper()
	cs := &captureServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.path = r.URL.Path
		cs.payload = nil
		_ = json.Unmarshal(raw, &cs.payload)
		cs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *captureServer) lastPath() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.path
}

func (cs *captureServer) lastPayload() map[string]any {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.payload
}

func sampleRequest() Request {
	return Request{
		UserID:       "alice",
		Input:        "and now?",
		SystemPrompt: "You are Arcan.",
		History: domain.Transcript{
			{Role: domain.RoleHuman, Content: "hi"},
			{Role: domain.RoleAI, Content: "hello"},
		},
	}
}

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = baseURL
	cfg.MaxRetries = 0
	return cfg
}

func TestAnthropicProcessorInvoke(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [{"type": "text", "text": "hello "}, {"type": "text", "text": "again"}],
		"stop_reason": "end_turn", "usage": {"input_tokens": 3, "output_tokens": 2}
	}`)

	p, err := NewAnthropicProcessor(testConfig(srv.URL))
	require.NoError(t, err)

	res, err := p.Invoke(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "hello again", res.Output)
	assert.Equal(t, "claude-test", res.Model)
	assert.True(t, strings.HasSuffix(srv.lastPath(), "/v1/messages"))

	payload := srv.lastPayload()
	msgs, ok := payload["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 3)
	assert.NotNil(t, payload["system"])
}

func TestAnthropicProcessorRequiresKey(t *testing.T) {
	_, err := NewAnthropicProcessor(Config{})
	assert.Error(t, err)
}

func TestOpenAIProcessorInvoke(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK, `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-test",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "hello"}}]
	}`)

	p, err := NewOpenAIProcessor(testConfig(srv.URL))
	require.NoError(t, err)

	res, err := p.Invoke(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Output)
	assert.Equal(t, "gpt-test", res.Model)
	assert.True(t, strings.HasSuffix(srv.lastPath(), "/chat/completions"))

	msgs, ok := srv.lastPayload()["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 4)
}

func TestOpenAIProcessorPropagatesHTTPError(t *testing.T) {
	srv := newCaptureServer(t, http.StatusInternalServerError, `{"error": {"message": "boom"}}`)

	p, err := NewOpenAIProcessor(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), sampleRequest())
	assert.Error(t, err)
}

func TestGeminiProcessorInvoke(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK, `{
		"candidates": [{"content": {"role": "model", "parts": [{"text": "hola"}]}, "finishReason": "STOP"}],
		"modelVersion": "gemini-test"
	}`)

	p, err := NewGeminiProcessor(context.Background(), testConfig(srv.URL))
	require.NoError(t, err)

	res, err := p.Invoke(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "hola", res.Output)
	assert.Equal(t, "gemini-test", res.Model)
	assert.Contains(t, srv.lastPath(), ":generateContent")

	contents, ok := srv.lastPayload()["contents"].([]any)
	require.True(t, ok)
	assert.Len(t, contents, 3)
}

func TestOllamaProcessorInvoke(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK,
		`{"model":"llama-test","message":{"role":"assistant","content":"hey"},"done":true}`+"\n")

	cfg := testConfig(srv.URL)
	cfg.APIKey = ""
	p, err := NewOllamaProcessor(cfg)
	require.NoError(t, err)

	res, err := p.Invoke(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "hey", res.Output)
	assert.Equal(t, "llama-test", res.Model)
	assert.Equal(t, "/api/chat", srv.lastPath())

	payload := srv.lastPayload()
	assert.Equal(t, false, payload["stream"])
	msgs, ok := payload["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 4)

	require.NoError(t, p.Health(context.Background()))
}

func TestOllamaProcessorEmptyResponse(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK,
		`{"model":"llama-test","message":{"role":"assistant","content":""},"done":true}`+"\n")

	p, err := NewOllamaProcessor(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), sampleRequest())
	assert.True(t, errors.Is(err, ErrEmptyResponse))
}

func TestEchoProcessor(t *testing.T) {
	p := NewEchoProcessor("echo: ")
	res, err := p.Invoke(context.Background(), Request{Input: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", res.Output)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Invoke(ctx, Request{Input: "ping"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewProcessor(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  error
	}{
		{name: "default is echo", cfg: Config{}, wantName: ProviderEcho},
		{name: "local alias", cfg: Config{Provider: "LOCAL"}, wantName: ProviderEcho},
		{name: "anthropic", cfg: Config{Provider: ProviderAnthropic, APIKey: "k"}, wantName: ProviderAnthropic},
		{name: "openai", cfg: Config{Provider: ProviderOpenAI, APIKey: "k"}, wantName: ProviderOpenAI},
		{name: "gemini", cfg: Config{Provider: ProviderGemini, APIKey: "k"}, wantName: ProviderGemini},
		{name: "ollama", cfg: Config{Provider: ProviderOllama}, wantName: ProviderOllama},
		{name: "unknown", cfg: Config{Provider: "langserve"}, wantErr: ErrUnknownProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProcessor(ctx, tt.cfg, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())
			assert.NoError(t, p.Close())
		})
	}
}
