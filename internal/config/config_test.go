package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsbots/machinist/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "machinist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.BindAddr)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 15, cfg.Stream.FPS)
	assert.Equal(t, 10*time.Second, cfg.GracePeriod())
	assert.Equal(t, 24*time.Hour, cfg.Retention())
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
bind_addr: "0.0.0.0:9090"
scripts_dir: /opt/robots
retention_hours: 72
stream:
  fps: 30
  quality: 60
  stop_timeout_seconds: 5
api_tokens:
  ci-bot: tok-abc123
tunnel:
  command: ["tunnelclient", "--foreground"]
  hostname: robots.example.net
  port: 8443
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9090", cfg.BindAddr)
	assert.Equal(t, "/opt/robots", cfg.ScriptsDir)
	assert.Equal(t, 72*time.Hour, cfg.Retention())
	assert.Equal(t, 30, cfg.Stream.FPS)
	assert.Equal(t, 5*time.Second, cfg.StreamStopTimeout())
	assert.Equal(t, "tok-abc123", cfg.APITokens["ci-bot"])
	assert.Equal(t, []string{"tunnelclient", "--foreground"}, cfg.Tunnel.Command)

	// Omitted sections keep their defaults.
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "machinist.db", cfg.StatePath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		cfg := config.Default()
		cfg.APITokens = map[string]string{"ci-bot": "tok"}

		return cfg
	}

	t.Run("defaults with a token pass", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	for _, tc := range []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty bind addr", func(c *config.Config) { c.BindAddr = "" }},
		{"empty scripts dir", func(c *config.Config) { c.ScriptsDir = "" }},
		{"zero workers", func(c *config.Config) { c.Workers = 0 }},
		{"excessive fps", func(c *config.Config) { c.Stream.FPS = 120 }},
		{"zero quality", func(c *config.Config) { c.Stream.Quality = 0 }},
		{"no credentials", func(c *config.Config) {
			c.APITokens = nil
			c.SessionSecret = ""
		}},
		{"auto start without command", func(c *config.Config) {
			c.Tunnel.AutoStart = true
			c.Tunnel.Command = nil
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
