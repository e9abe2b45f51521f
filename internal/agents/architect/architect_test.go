package architect_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pipeline-core/internal/agents/architect"
	"goa.design/pipeline-core/internal/exectx"
)

// stubModel is a fixed-response architect.Model for exercising New's
// invoker without reaching any real provider SDK.
type stubModel struct {
	response string
	err      error
}

func (s stubModel) Complete(_ context.Context, _ string) (string, error) {
	return s.response, s.err
}

func buildExecCtx(t *testing.T) *exectx.ExecutionContext {
	t.Helper()
	builder := exectx.NewBuilder(t.TempDir(), 5_000, 256)
	execCtx, release, err := builder.Build("architect.platform", "architecture-platform", 1,
		map[string]any{"project": "demo"}, nil)
	require.NoError(t, err)
	t.Cleanup(release)
	return execCtx
}

func TestNewParsesModelOutputIntoDecision(t *testing.T) {
	model := stubModel{response: `{"platform":"azure","frontend":"react","database":"postgres"}`}
	invoker := architect.New(architect.Config{Provider: architect.ProviderAnthropic}, model)

	result, err := invoker.Invoke(context.Background(), buildExecCtx(t))
	require.NoError(t, err)
	require.True(t, result.Ok)
	require.Nil(t, result.TransportError)

	assert.JSONEq(t, `{"platform":"azure","frontend":"react","database":"postgres"}`, string(result.Stdout))
}

func TestNewSurfacesCompletionErrorAsTransportError(t *testing.T) {
	model := stubModel{err: errors.New("provider unavailable")}
	invoker := architect.New(architect.Config{Provider: architect.ProviderOpenAI}, model)

	result, err := invoker.Invoke(context.Background(), buildExecCtx(t))
	require.NoError(t, err)
	assert.False(t, result.Ok)
	require.Error(t, result.TransportError)
	assert.Contains(t, result.TransportError.Error(), "openai completion")
}

func TestNewSurfacesUnparsableOutputAsTransportError(t *testing.T) {
	model := stubModel{response: "not json"}
	invoker := architect.New(architect.Config{Provider: architect.ProviderAnthropic}, model)

	result, err := invoker.Invoke(context.Background(), buildExecCtx(t))
	require.NoError(t, err)
	assert.False(t, result.Ok)
	require.Error(t, result.TransportError)
	assert.Contains(t, result.TransportError.Error(), "parse model output")
}

func TestModelFromAPIKeyUnknownProvider(t *testing.T) {
	_, err := architect.ModelFromAPIKey(architect.Config{Provider: "unknown"}, "key")
	assert.ErrorIs(t, err, architect.ErrUnknownProvider)
}

func TestModelFromAPIKeyRejectsBedrock(t *testing.T) {
	_, err := architect.ModelFromAPIKey(architect.Config{Provider: architect.ProviderBedrock}, "key")
	assert.ErrorIs(t, err, architect.ErrUnknownProvider)
	assert.Contains(t, err.Error(), "AWS-configured runtime client")
}
