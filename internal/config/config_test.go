// ABOUTME: Tests for configuration loading and validation
// ABOUTME: Covers env expansion, duration parsing, defaults, and required fields

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
server:
  http_addr: "localhost:8900"
database:
  path: ":memory:"
auth:
  jwt_secret: "test-secret"
`

func TestLoad_MinimalConfigGetsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "localhost:8900", cfg.Server.HTTPAddr)
	assert.Equal(t, DefaultAuthTimeout, cfg.Auth.HandshakeTimeout)
	assert.Equal(t, DefaultMaxPerPrincipal, cfg.Limits.MaxSessionsPerPrincipal)
	assert.Equal(t, DefaultRateLimitThreshold, cfg.Limits.RateLimitThreshold)
	assert.Equal(t, DefaultRateLimitWindow, cfg.Limits.RateLimitWindow)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Liveness.HeartbeatInterval)
	assert.Equal(t, DefaultReapInterval, cfg.Liveness.ReapInterval)
	assert.Equal(t, DefaultIdleTimeout, cfg.Liveness.IdleTimeout)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_ParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  http_addr: "localhost:8900"
database:
  path: ":memory:"
auth:
  jwt_secret: "test-secret"
  handshake_timeout: "3s"
limits:
  rate_limit_window: "30s"
  rate_limit_threshold: 10
  max_sessions_per_principal: 2
liveness:
  heartbeat_interval: "15s"
  reap_interval: "45s"
  idle_timeout: "2m"
`))
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Auth.HandshakeTimeout)
	assert.Equal(t, 30*time.Second, cfg.Limits.RateLimitWindow)
	assert.Equal(t, 10, cfg.Limits.RateLimitThreshold)
	assert.Equal(t, 2, cfg.Limits.MaxSessionsPerPrincipal)
	assert.Equal(t, 15*time.Second, cfg.Liveness.HeartbeatInterval)
	assert.Equal(t, 45*time.Second, cfg.Liveness.ReapInterval)
	assert.Equal(t, 2*time.Minute, cfg.Liveness.IdleTimeout)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("BROKER_TEST_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: "localhost:8900"
database:
  path: ":memory:"
auth:
  jwt_secret: "${BROKER_TEST_SECRET}"
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: ":memory:"
auth:
  jwt_secret: "s"
`,
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: "localhost:8900"
auth:
  jwt_secret: "s"
`,
		},
		{
			name: "missing jwt secret",
			content: `
server:
  http_addr: "localhost:8900"
database:
  path: ":memory:"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_BadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  http_addr: "localhost:8900"
database:
  path: ":memory:"
auth:
  jwt_secret: "s"
  handshake_timeout: "soon"
`))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
