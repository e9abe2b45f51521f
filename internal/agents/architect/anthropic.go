package architect

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// messagesClient narrows the Anthropic SDK client to the operation this
// adapter needs, so a test can substitute a stub without a real API key.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicModel adapts the Anthropic Claude Messages API to Model.
type AnthropicModel struct {
	msg       messagesClient
	modelID   string
	maxTokens int64
}

// NewAnthropicModel constructs a Model backed by an existing Anthropic
// client (or a test stub satisfying messagesClient).
func NewAnthropicModel(msg messagesClient, modelID string, maxTokens int64) (*AnthropicModel, error) {
	if msg == nil {
		return nil, errors.New("architect: anthropic client is required")
	}
	if modelID == "" {
		return nil, errors.New("architect: anthropic model id is required")
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicModel{msg: msg, modelID: modelID, maxTokens: maxTokens}, nil
}

// NewAnthropicModelFromAPIKey constructs an AnthropicModel using the
// default Anthropic HTTP client configured with apiKey.
func NewAnthropicModelFromAPIKey(apiKey, modelID string) (*AnthropicModel, error) {
	if apiKey == "" {
		return nil, errors.New("architect: anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicModel(&client.Messages, modelID, 1024)
}

// Complete issues a single Messages.New request and returns the first text
// block of the response.
func (m *AnthropicModel) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := m.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(m.modelID),
		MaxTokens: m.maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", errors.New("architect: anthropic response had no text content")
}
