package inprocess_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pipeline-core/internal/exectx"
	"goa.design/pipeline-core/internal/transport/inprocess"
)

func newExecCtx(t *testing.T, timeoutMs int) *exectx.ExecutionContext {
	t.Helper()
	b := exectx.NewBuilder(t.TempDir(), timeoutMs, 64)
	ec, release, err := b.Build("test.agent", "intake", 1, nil, nil)
	require.NoError(t, err)
	t.Cleanup(release)
	return ec
}

func TestInvokeSuccess(t *testing.T) {
	inv := inprocess.New(func(ctx context.Context, ec *exectx.ExecutionContext) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	result, err := inv.Invoke(context.Background(), newExecCtx(t, 1000))
	require.NoError(t, err)
	assert.True(t, result.Ok)
	assert.Contains(t, string(result.Stdout), "ok")
}

func TestInvokeError(t *testing.T) {
	inv := inprocess.New(func(ctx context.Context, ec *exectx.ExecutionContext) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	result, err := inv.Invoke(context.Background(), newExecCtx(t, 1000))
	require.NoError(t, err)
	assert.False(t, result.Ok)
	assert.Error(t, result.TransportError)
}

func TestInvokeRecoversPanic(t *testing.T) {
	inv := inprocess.New(func(ctx context.Context, ec *exectx.ExecutionContext) (map[string]any, error) {
		panic("unexpected")
	})
	result, err := inv.Invoke(context.Background(), newExecCtx(t, 1000))
	require.NoError(t, err)
	assert.False(t, result.Ok)
	assert.Error(t, result.TransportError)
}
