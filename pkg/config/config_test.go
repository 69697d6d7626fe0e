package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: ":9090"
oas: api.yaml
scenarios: scenarios.yaml
store:
  file:
    path: /tmp/state
    compactionInterval: 1m
    snapshotOnShutdown: true
validate:
  requests: true
  responses: strict
seed: my-seed
chaos:
  latency: "50±10ms"
  errorRate: 0.1
`))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "api.yaml", cfg.OAS)
	require.NotNil(t, cfg.Store.File)
	assert.Equal(t, "/tmp/state", cfg.Store.File.Path)
	assert.True(t, cfg.Store.File.SnapshotOnShutdown)
	assert.Equal(t, ResponsesStrict, cfg.ResponsesMode())
	assert.Equal(t, "my-seed", cfg.Seed)
	assert.Equal(t, 0.1, cfg.Chaos.ErrorRate)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("oas: api.yaml\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.True(t, cfg.Validate.Requests)
	assert.Equal(t, ResponsesWarn, cfg.ResponsesMode())
	assert.Equal(t, "sandbox", cfg.Seed)
}

func TestCheckRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("listen: ':1'\n"))
	assert.Error(t, err, "oas is required")

	_, err = Parse([]byte(`
oas: api.yaml
store:
  memory: {}
  file: {path: /tmp/x}
`))
	assert.Error(t, err, "only one backend may be selected")

	_, err = Parse([]byte("oas: api.yaml\nvalidate: {responses: sometimes}\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("oas: api.yaml\nchaos: {errorRate: 1.5}\n"))
	assert.Error(t, err)
}

func TestResponsesModeNormalization(t *testing.T) {
	cfg, err := Parse([]byte("oas: x\nvalidate: {responses: \"false\"}\n"))
	require.NoError(t, err)
	assert.Equal(t, ResponsesOff, cfg.ResponsesMode())

	cfg, err = Parse([]byte("oas: x\nvalidate: {responses: off}\n"))
	require.NoError(t, err)
	assert.Equal(t, ResponsesOff, cfg.ResponsesMode())
}
