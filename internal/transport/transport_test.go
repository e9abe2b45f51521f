package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pipeline-core/internal/transport"
)

func TestSelectForExplicitOverride(t *testing.T) {
	kind, err := transport.SelectFor(transport.AgentConfig{AgentID: "a", Transport: transport.InProcess})
	require.NoError(t, err)
	assert.Equal(t, transport.InProcess, kind)
}

func TestSelectForInfersWebhook(t *testing.T) {
	kind, err := transport.SelectFor(transport.AgentConfig{AgentID: "a", EndpointURL: "https://example.com/hook"})
	require.NoError(t, err)
	assert.Equal(t, transport.Webhook, kind)
}

func TestSelectForInfersSubprocess(t *testing.T) {
	kind, err := transport.SelectFor(transport.AgentConfig{AgentID: "a", Command: "/usr/bin/agent"})
	require.NoError(t, err)
	assert.Equal(t, transport.Subprocess, kind)
}

func TestSelectForInfersContainer(t *testing.T) {
	kind, err := transport.SelectFor(transport.AgentConfig{AgentID: "a", ContainerImage: "registry/agent:latest"})
	require.NoError(t, err)
	assert.Equal(t, transport.Container, kind)
}

func TestSelectForRejectsInvalidWebhookURL(t *testing.T) {
	_, err := transport.SelectFor(transport.AgentConfig{AgentID: "a", EndpointURL: "not a url"})
	assert.Error(t, err)
}

func TestSelectForNoSignalsReturnsError(t *testing.T) {
	_, err := transport.SelectFor(transport.AgentConfig{AgentID: "a"})
	assert.ErrorIs(t, err, transport.ErrNoTransportInferred)
}
