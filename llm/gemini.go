package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
}

func NewGeminiClient(ctx context.Context, opts Options, clientOpts ...option.ClientOption) (*GeminiClient, error) {
	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	clientOpts = append([]option.ClientOption{option.WithAPIKey(opts.GoogleAPIKey)}, clientOpts...)
	client, err := genai.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiClient{client: client, model: model, temperature: opts.Temperature}, nil
}

// Generate maps system messages to the system instruction, earlier turns to
// chat history and sends the final user message.
func (c *GeminiClient) Generate(ctx context.Context, messages []Message) (string, error) {
	system, history, last, err := splitGeminiMessages(messages)
	if err != nil {
		return "", err
	}

	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(c.temperature)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	cs := model.StartChat()
	cs.History = history

	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return "", fmt.Errorf("%w: gemini generate content: %w", ErrGeneration, err)
	}

	text, err := geminiText(resp)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return text, nil
}

func (c *GeminiClient) Close() error {
	return c.client.Close()
}

func splitGeminiMessages(messages []Message) (string, []*genai.Content, string, error) {
	var (
		system  []string
		history []*genai.Content
	)

	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return "", nil, "", fmt.Errorf("gemini request needs a user message")
	}

	for i, msg := range messages {
		if i == lastUser {
			continue
		}
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleAssistant:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(msg.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		}
	}

	return strings.Join(system, "\n\n"), history, messages[lastUser].Content, nil
}

func geminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return "", fmt.Errorf("gemini candidate has no content (finish reason %v)", candidate.FinishReason)
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String(), nil
}

var _ Client = (*GeminiClient)(nil)
