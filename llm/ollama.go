package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type ollamaClient struct {
	host        string
	model       string
	temperature float32
	client      *http.Client
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  struct {
		Temperature float32 `json:"temperature"`
	} `json:"options"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error,omitempty"`
}

// NewOllamaClient talks to a local Ollama server. Request deadlines come
// from the caller's context.
func NewOllamaClient(opts Options) Client {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}
	return &ollamaClient{host: host, model: opts.Model, temperature: opts.Temperature, client: &http.Client{}}
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message) (string, error) {
	answer, err := c.chat(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return answer, nil
}

func (c *ollamaClient) chat(ctx context.Context, messages []Message) (string, error) {
	payload := ollamaChatRequest{Model: c.model, Messages: make([]ollamaChatMessage, len(messages))}
	payload.Options.Temperature = c.temperature
	for i, m := range messages {
		payload.Messages[i] = ollamaChatMessage(m)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call ollama chat API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("ollama chat API returned %s: %s", resp.Status, ollamaErrorText(resp.Body))
	}

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	switch {
	case parsed.Error != "":
		return "", fmt.Errorf("ollama chat error: %s", parsed.Error)
	case !parsed.Done:
		return "", fmt.Errorf("ollama returned an incomplete response")
	}
	return parsed.Message.Content, nil
}

// ollamaErrorText prefers the {"error": ...} field and falls back to the raw body.
func ollamaErrorText(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}
