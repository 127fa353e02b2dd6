// Package config loads and validates the agent configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Stream holds the capture defaults used when a stream start request
// does not override them.
type Stream struct {
	FPS                int `yaml:"fps"`
	Quality            int `yaml:"quality"`
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds"`

	// CaptureCommand is the screenshot program plus fixed arguments.
	// It is invoked with one extra argument, the output PNG path.
	CaptureCommand []string `yaml:"capture_command"`
}

// Tunnel configures the managed tunnel client.
type Tunnel struct {
	Command       []string `yaml:"command"`
	Hostname      string   `yaml:"hostname"`
	Port          int      `yaml:"port"`
	CredentialRef string   `yaml:"credential_ref"`
	AutoStart     bool     `yaml:"auto_start"`
}

// Config is the full agent configuration.
type Config struct {
	BindAddr   string `yaml:"bind_addr"`
	StatePath  string `yaml:"state_path"`
	ScriptsDir string `yaml:"scripts_dir"`

	Workers            int `yaml:"workers"`
	GracePeriodSeconds int `yaml:"grace_period_seconds"`
	RetentionHours     int `yaml:"retention_hours"`

	Stream Stream `yaml:"stream"`
	Tunnel Tunnel `yaml:"tunnel"`

	// APITokens maps a caller name to its bearer token.
	APITokens     map[string]string `yaml:"api_tokens"`
	SessionSecret string            `yaml:"session_secret"`
	LoginURL      string            `yaml:"login_url"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		BindAddr:           "localhost:8080",
		StatePath:          "machinist.db",
		ScriptsDir:         "scripts",
		Workers:            2,
		GracePeriodSeconds: 10,
		RetentionHours:     24,
		Stream: Stream{
			FPS:                15,
			Quality:            75,
			StopTimeoutSeconds: 10,
			CaptureCommand:     []string{"scrot", "--overwrite"},
		},
		LoginURL: "/login",
	}
}

// Load reads the configuration file at path, applying defaults for
// anything it omits. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return errors.New("bind_addr cannot be empty")
	}

	if c.StatePath == "" {
		return errors.New("state_path cannot be empty")
	}

	if c.ScriptsDir == "" {
		return errors.New("scripts_dir cannot be empty")
	}

	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}

	if c.GracePeriodSeconds < 1 {
		return errors.New("grace_period_seconds must be at least 1")
	}

	if c.RetentionHours < 1 {
		return errors.New("retention_hours must be at least 1")
	}

	if c.Stream.FPS < 1 || c.Stream.FPS > 60 {
		return errors.New("stream.fps must be between 1 and 60")
	}

	if c.Stream.Quality < 1 || c.Stream.Quality > 100 {
		return errors.New("stream.quality must be between 1 and 100")
	}

	if c.Stream.StopTimeoutSeconds < 1 {
		return errors.New("stream.stop_timeout_seconds must be at least 1")
	}

	if len(c.APITokens) == 0 && c.SessionSecret == "" {
		return errors.New("at least one of api_tokens or session_secret must be configured")
	}

	if c.Tunnel.AutoStart && len(c.Tunnel.Command) == 0 {
		return errors.New("tunnel.auto_start requires tunnel.command")
	}

	return nil
}

func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func (c *Config) StreamStopTimeout() time.Duration {
	return time.Duration(c.Stream.StopTimeoutSeconds) * time.Second
}
