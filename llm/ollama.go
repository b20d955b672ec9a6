package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OllamaClient struct {
	host      string
	model     string
	keepAlive string
	client    *http.Client
}

type ollamaChatRequest struct {
	Model     string              `json:"model"`
	Messages  []ollamaChatMessage `json:"messages"`
	Stream    bool                `json:"stream"`
	KeepAlive string              `json:"keep_alive,omitempty"`
	Options   map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

type ollamaLoadRequest struct {
	Model     string `json:"model"`
	KeepAlive string `json:"keep_alive,omitempty"`
	Stream    bool   `json:"stream"`
}

// NewOllamaClient creates a client for the Ollama chat API. The HTTP client
// has no timeout of its own; callers bound requests with their context.
func NewOllamaClient(opts Options) *OllamaClient {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}

	return &OllamaClient{
		host:      host,
		model:     opts.Model,
		keepAlive: opts.KeepAlive,
		client:    &http.Client{},
	}
}

func (c *OllamaClient) Generate(ctx context.Context, req Request) (string, error) {
	payload := ollamaChatRequest{
		Model:     c.model,
		Messages:  toOllamaMessages(req.Messages),
		Stream:    false,
		KeepAlive: c.keepAlive,
	}
	if req.Temperature != nil {
		payload.Options = map[string]any{"temperature": *req.Temperature}
	}

	var parsed ollamaChatResponse
	if err := c.post(ctx, "/api/chat", payload, &parsed); err != nil {
		return "", err
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama chat error: %s", parsed.Error)
	}
	return parsed.Message.Content, nil
}

// Ping loads the model into memory with the configured keep-alive, so the
// first question does not pay the load time. It fails when the runtime is
// unreachable or the model is not pulled.
func (c *OllamaClient) Ping(ctx context.Context) error {
	var parsed ollamaChatResponse
	if err := c.post(ctx, "/api/generate", ollamaLoadRequest{Model: c.model, KeepAlive: c.keepAlive}, &parsed); err != nil {
		return fmt.Errorf("load ollama model %s: %w", c.model, err)
	}
	if parsed.Error != "" {
		return fmt.Errorf("load ollama model %s: %s", c.model, parsed.Error)
	}
	return nil
}

func (c *OllamaClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call ollama %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("read ollama error body: %w", readErr)
		}
		if len(data) > 0 {
			return fmt.Errorf("ollama %s error: %s", path, strings.TrimSpace(string(data)))
		}
		return fmt.Errorf("ollama %s returned status %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ollama response: %w", err)
	}
	return nil
}

func toOllamaMessages(messages []Message) []ollamaChatMessage {
	if len(messages) == 0 {
		return nil
	}
	converted := make([]ollamaChatMessage, len(messages))
	for i := range messages {
		converted[i] = ollamaChatMessage(messages[i])
	}
	return converted
}

// DefaultPingTimeout bounds a warm-up load. Loading a cold model from disk
// can take far longer than answering a question.
const DefaultPingTimeout = 2 * time.Minute

var (
	_ Client = (*OllamaClient)(nil)
	_ Pinger = (*OllamaClient)(nil)
)
