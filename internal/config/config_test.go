package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pipeline-core/internal/config"
)

func TestDefaultIsSane(t *testing.T) {
	c := config.Default()
	assert.Equal(t, 4, c.Bus.Workers)
	assert.Equal(t, 3, c.Execution.MaxRetries)
}

func TestParseOverridesOnlyGivenFields(t *testing.T) {
	yaml := `
bus:
  workers: 8
execution:
  max_retries: 5
`
	c, err := config.Parse(strings.NewReader(yaml))
	require.NoError(t, err)
	assert.Equal(t, 8, c.Bus.Workers)
	assert.Equal(t, 256, c.Bus.QueueSize) // untouched default
	assert.Equal(t, 5, c.Execution.MaxRetries)
	assert.Equal(t, 30*time.Second, c.Bus.RetryCap) // untouched default
}

func TestParseEmptyReturnsDefaults(t *testing.T) {
	c, err := config.Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), c)
}
