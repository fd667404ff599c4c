package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("load with defaults", func(t *testing.T) {
		// Auth requires a secret
		t.Setenv("SANDBOXGATE_AUTH_ENABLED", "false")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "info", cfg.Server.LogLevel)
		assert.True(t, cfg.RateLimit.Enabled)
		assert.Equal(t, 60, cfg.RateLimit.WindowMinutes)
		assert.InDelta(t, 1.8, cfg.RateLimit.TeamMultiplier, 1e-9)
		assert.Equal(t, 30, cfg.Sandbox.StaleAfterDay)
		assert.Equal(t, 5, cfg.Sandbox.PollAttempts)
		assert.Equal(t, 5000, cfg.Sandbox.PollInterval)
		assert.Equal(t, 30, cfg.Terminal.StreamTimeout)
		assert.Equal(t, 360, cfg.Terminal.CommandTimeout)
		assert.Equal(t, "sandboxgate-", cfg.Kubernetes.NamespacePrefix)
		assert.True(t, cfg.Kubernetes.AllowInternet)
		assert.Equal(t, 100, cfg.Server.MaxWebSocketSessions)
	})

	t.Run("missing config file falls back to defaults", func(t *testing.T) {
		t.Setenv("SANDBOXGATE_AUTH_ENABLED", "false")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
	})

	t.Run("load from yaml file", func(t *testing.T) {
		t.Setenv("SANDBOXGATE_AUTH_ENABLED", "false")

		path := filepath.Join(t.TempDir(), "config.yaml")
		data := `
server:
  port: 9000
rate_limit:
  team_multiplier: 2
  families: ["gpt-4"]
  limits:
    GPT_4_FREE: "3"
    GPT_4_PREMIUM: "20"
sandbox:
  provider: e2b
e2b:
  api_key: key
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.InDelta(t, 2.0, cfg.RateLimit.TeamMultiplier, 1e-9)
		assert.Equal(t, []string{"gpt-4"}, cfg.RateLimit.Families)
		assert.Equal(t, "3", cfg.RateLimit.Limits["GPT_4_FREE"])
		assert.Equal(t, "e2b", cfg.Sandbox.Provider)
	})

	t.Run("override with environment variables", func(t *testing.T) {
		t.Setenv("SANDBOXGATE_AUTH_ENABLED", "false")
		t.Setenv("SANDBOXGATE_PORT", "9090")
		t.Setenv("SANDBOXGATE_LOG_LEVEL", "debug")
		t.Setenv("SANDBOXGATE_MODEL_FAMILIES", "gpt-4, claude ,")
		t.Setenv("SANDBOXGATE_LIMIT_CLAUDE_FREE", "7")
		t.Setenv("SANDBOXGATE_LIMIT_CLAUDE_PREMIUM", "lots")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Server.LogLevel)
		assert.Equal(t, []string{"gpt-4", "claude"}, cfg.RateLimit.Families)
		assert.Equal(t, "7", cfg.RateLimit.Limits["CLAUDE_FREE"])
		assert.Equal(t, "lots", cfg.RateLimit.Limits["CLAUDE_PREMIUM"])
	})

	t.Run("validation error - invalid port", func(t *testing.T) {
		t.Setenv("SANDBOXGATE_AUTH_ENABLED", "false")
		t.Setenv("SANDBOXGATE_PORT", "99999")

		_, err := Load("")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid port")
	})

	t.Run("validation error - auth enabled without secret", func(t *testing.T) {
		t.Setenv("SANDBOXGATE_AUTH_ENABLED", "true")
		t.Setenv("SANDBOXGATE_AUTH_SECRET", "")

		_, err := Load("")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "auth secret is required")
	})

	t.Run("validation error - unknown provider", func(t *testing.T) {
		t.Setenv("SANDBOXGATE_AUTH_ENABLED", "false")
		t.Setenv("SANDBOXGATE_SANDBOX_PROVIDER", "docker")

		_, err := Load("")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown sandbox provider")
	})

	t.Run("validation error - e2b without key", func(t *testing.T) {
		t.Setenv("SANDBOXGATE_AUTH_ENABLED", "false")
		t.Setenv("SANDBOXGATE_SANDBOX_PROVIDER", "e2b")

		_, err := Load("")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "e2b api key")
	})

	t.Run("validation error - command timeout below stream timeout", func(t *testing.T) {
		t.Setenv("SANDBOXGATE_AUTH_ENABLED", "false")
		t.Setenv("SANDBOXGATE_STREAM_TIMEOUT", "60")
		t.Setenv("SANDBOXGATE_COMMAND_TIMEOUT", "30")

		_, err := Load("")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "command timeout")
	})
}
