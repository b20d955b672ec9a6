package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/policy-agent/config"
)

func TestOllamaGenerateSendsOptions(t *testing.T) {
	var got ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"You get 20 days."},"done":true}`))
	}))
	defer server.Close()

	client := NewOllamaClient(Options{OllamaHost: server.URL, Model: "llama3.2:1b", KeepAlive: "30m"})
	answer, err := client.Generate(context.Background(), Request{
		Messages:    []Message{{Role: RoleUser, Content: "leave?"}},
		Temperature: Temperature(0.2),
	})
	require.NoError(t, err)

	assert.Equal(t, "You get 20 days.", answer)
	assert.Equal(t, "llama3.2:1b", got.Model)
	assert.Equal(t, "30m", got.KeepAlive)
	assert.False(t, got.Stream)
	assert.InDelta(t, 0.2, got.Options["temperature"], 1e-9)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, RoleUser, got.Messages[0].Role)
}

func TestOllamaGenerateErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "http error", status: http.StatusNotFound, body: `model "x" not found`, wantErr: "not found"},
		{name: "error field", status: http.StatusOK, body: `{"error":"out of memory"}`, wantErr: "out of memory"},
		{name: "bad json", status: http.StatusOK, body: `{`, wantErr: "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewOllamaClient(Options{OllamaHost: server.URL, Model: "x"})
			_, err := client.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "q"}}})
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestOllamaPingLoadsModel(t *testing.T) {
	var got ollamaLoadRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"done":true}`))
	}))
	defer server.Close()

	client := NewOllamaClient(Options{OllamaHost: server.URL, Model: "llama3.2:1b", KeepAlive: "30m"})
	require.NoError(t, client.Ping(context.Background()))
	assert.Equal(t, "llama3.2:1b", got.Model)
	assert.Equal(t, "30m", got.KeepAlive)
}

func TestOllamaPingUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewOllamaClient(Options{OllamaHost: url, Model: "m"})
	assert.Error(t, client.Ping(context.Background()))
}

type flakyClient struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyClient) Generate(ctx context.Context, req Request) (string, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return "", errors.New("connection reset")
	}
	return "ok", nil
}

func TestWithRetryRecovers(t *testing.T) {
	inner := &flakyClient{failures: 2}
	client := WithRetry(inner, 3, WithInitialInterval(time.Millisecond))

	answer, err := client.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", answer)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestWithRetryGivesUp(t *testing.T) {
	inner := &flakyClient{failures: 10}
	client := WithRetry(inner, 2, WithInitialInterval(time.Millisecond))

	_, err := client.Generate(context.Background(), Request{})
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestWithRetryZeroReturnsClient(t *testing.T) {
	inner := &flakyClient{}
	assert.Same(t, inner, WithRetry(inner, 0))
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	inner := &flakyClient{failures: 10}
	client := WithRetry(inner, 5, WithInitialInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Generate(ctx, Request{})
	assert.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestNewClientProviders(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{Provider: config.ProviderOllama, Model: "m"}}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	assert.IsType(t, &OllamaClient{}, client)

	cfg.LLM.MaxRetries = 2
	client, err = NewClient(cfg)
	require.NoError(t, err)
	_, isPinger := client.(Pinger)
	assert.True(t, isPinger)

	cfg.LLM.Provider = config.ProviderOpenAI
	_, err = NewClient(cfg)
	assert.Error(t, err)

	cfg.LLM.Provider = "claude-local"
	_, err = NewClient(cfg)
	assert.Error(t, err)
}
