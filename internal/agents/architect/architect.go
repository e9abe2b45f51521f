// Package architect is an example in-process agent for the
// architecture-platform / architecture-cicd phases. It is wired directly
// to a model provider SDK and run through the IN_PROCESS transport,
// demonstrating the shape a real agent integration takes: each provider
// implements one small Model interface and gets selected by
// configuration, not by branching scattered through call sites. The
// architectural reasoning itself (what platform to pick, given a
// project's requirements) is out of scope: this package exists to
// exercise the provider wiring, not to implement real judgment.
package architect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/pipeline-core/internal/exectx"
	"goa.design/pipeline-core/internal/transport/inprocess"
	"goa.design/pipeline-core/internal/workflow"
)

// Provider identifies which model SDK backs an Agent.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderBedrock   Provider = "bedrock"
)

// Model is a chat-completion client narrowed to the one operation this
// package needs: given a rendered prompt, return the model's raw text
// response. Each provider package below adapts its SDK to this shape so
// tests can substitute a stub.
type Model interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config selects and parametrizes the backing model.
type Config struct {
	Provider    Provider
	ModelID     string
	MaxTokens   int
	Temperature float64
}

// ErrUnknownProvider is returned by ModelFromAPIKey when cfg.Provider
// matches none of the API-key adapters.
var ErrUnknownProvider = errors.New("architect: unknown model provider")

// ModelFromAPIKey builds the Model adapter named by cfg.Provider using a
// single API key, for callers that don't need to construct a bespoke SDK
// client (the CLI wiring uses it; NewAnthropicModel / NewOpenAIModel /
// NewBedrockModel take a prebuilt SDK client instead).
func ModelFromAPIKey(cfg Config, apiKey string) (Model, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		return NewAnthropicModelFromAPIKey(apiKey, cfg.ModelID)
	case ProviderOpenAI:
		return NewOpenAIModelFromAPIKey(apiKey, cfg.ModelID)
	case ProviderBedrock:
		return nil, fmt.Errorf("%w: bedrock requires an AWS-configured runtime client, not an API key", ErrUnknownProvider)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// New builds the in-process Invoker for the architect agent around model;
// the provider adapter is chosen by the caller (see ModelFromAPIKey).
func New(cfg Config, model Model) *inprocess.Invoker {
	return inprocess.New(func(ctx context.Context, execCtx *exectx.ExecutionContext) (map[string]any, error) {
		prompt, err := renderPrompt(execCtx.Phase, execCtx.Inputs)
		if err != nil {
			return nil, err
		}
		raw, err := model.Complete(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("architect: %s completion: %w", cfg.Provider, err)
		}
		decision, err := parseDecision(raw)
		if err != nil {
			return nil, fmt.Errorf("architect: parse model output: %w", err)
		}
		return decision, nil
	})
}

func renderPrompt(phase workflow.PhaseID, inputs map[string]any) (string, error) {
	body, err := json.Marshal(inputs)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Given the following project requirements, propose an architecture decision as JSON "+
		"with fields platform, frontend, backend, database, ci_cd, iac_required, containerization_required "+
		"for phase %s:\n%s", phase, body), nil
}

func parseDecision(raw string) (map[string]any, error) {
	var decision map[string]any
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return nil, err
	}
	return decision, nil
}
