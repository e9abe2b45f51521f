package architect

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// converseClient narrows the AWS Bedrock runtime client to the Converse
// operation this adapter needs, matching *bedrockruntime.Client so callers
// can pass either the real client or a mock in tests.
type converseClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockModel adapts the AWS Bedrock Converse API to Model.
type BedrockModel struct {
	runtime   converseClient
	modelID   string
	maxTokens int32
}

// NewBedrockModel constructs a Model backed by an existing Bedrock runtime
// client (or a test stub satisfying converseClient).
func NewBedrockModel(runtime converseClient, modelID string, maxTokens int32) (*BedrockModel, error) {
	if runtime == nil {
		return nil, errors.New("architect: bedrock runtime client is required")
	}
	if modelID == "" {
		return nil, errors.New("architect: bedrock model id is required")
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &BedrockModel{runtime: runtime, modelID: modelID, maxTokens: maxTokens}, nil
}

// Complete issues a single Converse request and returns the first text
// block of the assistant's reply.
func (m *BedrockModel) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := m.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: &m.modelID,
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
			},
		},
		InferenceConfig: &brtypes.InferenceConfiguration{MaxTokens: &m.maxTokens},
	})
	if err != nil {
		return "", fmt.Errorf("bedrock converse: %w", err)
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("architect: bedrock response had no message output")
	}
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok && text.Value != "" {
			return text.Value, nil
		}
	}
	return "", errors.New("architect: bedrock response had no text content")
}
