package architect

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatCompletionsClient narrows the OpenAI SDK client to the operation this
// adapter needs, the same narrowing AnthropicModel applies to the Messages
// API so a test can substitute a stub without a real API key.
type chatCompletionsClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIModel adapts the OpenAI Chat Completions API to Model.
type OpenAIModel struct {
	chat      chatCompletionsClient
	modelID   string
	maxTokens int64
}

// NewOpenAIModel constructs a Model backed by an existing client (or a test
// stub satisfying chatCompletionsClient).
func NewOpenAIModel(chat chatCompletionsClient, modelID string, maxTokens int64) (*OpenAIModel, error) {
	if chat == nil {
		return nil, errors.New("architect: openai client is required")
	}
	if modelID == "" {
		return nil, errors.New("architect: openai model id is required")
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &OpenAIModel{chat: chat, modelID: modelID, maxTokens: maxTokens}, nil
}

// NewOpenAIModelFromAPIKey constructs an OpenAIModel using the default
// openai-go HTTP client configured with apiKey.
func NewOpenAIModelFromAPIKey(apiKey, modelID string) (*OpenAIModel, error) {
	if apiKey == "" {
		return nil, errors.New("architect: openai api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAIModel(&client.Chat.Completions, modelID, 1024)
}

// Complete issues a single chat-completion request and returns the first
// choice's message content.
func (m *OpenAIModel) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := m.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:               m.modelID,
		MaxCompletionTokens: openai.Int(m.maxTokens),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai chat.completions.new: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("architect: openai response had no choices")
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", errors.New("architect: openai response had no content")
	}
	return content, nil
}
