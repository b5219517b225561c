package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/processor/rule"
	"github.com/CMCRobotics/save-the-reef/processor/scene"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_Validates(t *testing.T) {
	for _, p := range scene.Profiles() {
		t.Run(string(p), func(t *testing.T) {
			cfg := Default(p)
			require.NoError(t, cfg.Validate())
			assert.Equal(t, p, cfg.Scene.Profile)
			assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL())
		})
	}
}

func TestLoader_NoLayers(t *testing.T) {
	loader := NewLoader()
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, scene.ProfileTutorial, cfg.Scene.Profile)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "HOMIE_RETAINED", cfg.NATS.Homie.Stream)
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeFile(t, "reef.json", `{
		"nats": {
			"urls": ["nats://a:4222", "nats://b:4222"],
			"max_reconnects": 10,
			"reconnect_wait": "5s",
			"homie": {"max_age": "2d"}
		},
		"http": {"addr": ":8080", "command_rate": 0.5, "command_burst": 3},
		"scene": {
			"buffer_window": "150ms",
			"retention": {"mode": "capped", "max_facts": 500},
			"skins": ["alienA", "robot"]
		},
		"journal": {"enabled": true, "directory": "recordings", "flush_interval": "250ms"}
	}`)

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "nats://a:4222,nats://b:4222", cfg.NATS.URL())
	assert.Equal(t, 10, cfg.NATS.MaxReconnects)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, 48*time.Hour, cfg.NATS.Homie.MaxAge)
	assert.Equal(t, "HOMIE_RETAINED", cfg.NATS.Homie.Stream, "unset keys keep defaults")

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "/metrics", cfg.HTTP.MetricsPath)
	assert.Equal(t, 0.5, cfg.HTTP.CommandRate)
	assert.Equal(t, 3, cfg.HTTP.CommandBurst)

	assert.Equal(t, 150*time.Millisecond, cfg.Scene.BufferWindow)
	assert.Equal(t, rule.Capped(500), cfg.Scene.Retention)
	assert.Equal(t, []string{"alienA", "robot"}, cfg.Scene.Skins)
	assert.Equal(t, scene.DefaultAnimations, cfg.Scene.Animations)

	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "recordings", cfg.Journal.Directory)
	assert.Equal(t, "scene", cfg.Journal.FilePrefix)
	assert.Equal(t, 250*time.Millisecond, cfg.Journal.FlushInterval)
}

func TestLoader_YAMLProfileDefaults(t *testing.T) {
	path := writeFile(t, "reef.yaml", `
scene:
  profile: reef
  tick_interval: 10s
  reef:
    growth_factor: 1.2
  corals:
    - id: coral-1
      scale: 1
      position: {x: -5, y: 0, z: -7}
`)

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, scene.ProfileReef, cfg.Scene.Profile)
	assert.Equal(t, []string{"reef-1/#"}, cfg.Scene.Subscriptions)
	assert.Equal(t, 500*time.Millisecond, cfg.Scene.BufferWindow)
	assert.Equal(t, 10*time.Second, cfg.Scene.TickInterval)
	assert.Equal(t, 1.2, cfg.Scene.Reef.GrowthFactor)
	assert.Equal(t, scene.DefaultReefMaxScale, cfg.Scene.Reef.MaxScale)
	require.Len(t, cfg.Scene.Corals, 1)
	require.NotNil(t, cfg.Scene.Corals[0].Position)
	assert.Equal(t, -7.0, cfg.Scene.Corals[0].Position.Z)
}

func TestLoader_LayersOverrideInOrder(t *testing.T) {
	base := writeFile(t, "base.json", `{
		"nats": {"urls": ["nats://a:4222", "nats://b:4222"]},
		"scene": {"profile": "quizz", "teams": ["red", "blue", "green"]}
	}`)
	site := writeFile(t, "site.yml", `
nats:
  urls: [nats://site:4222]
scene:
  teams: [red]
`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(site)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://site:4222"}, cfg.NATS.URLs)
	assert.Equal(t, []string{"red"}, cfg.Scene.Teams)
	assert.Equal(t, scene.ProfileQuizz, cfg.Scene.Profile)
	assert.Equal(t, []string{"gateway/#"}, cfg.Scene.Subscriptions)
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeFile(t, "cfg.json", `{"scene": {"profile": "quizz"}, "http": {"addr": ":1"}}`)

	t.Setenv("REEFSTREAMS_NATS_URLS", "nats://x:4222, nats://y:4222,")
	t.Setenv("REEFSTREAMS_NATS_TOKEN", "s3cret")
	t.Setenv("REEFSTREAMS_SCENE_PROFILE", "reef")
	t.Setenv("REEFSTREAMS_HTTP_ADDR", ":7000")
	t.Setenv("REEFSTREAMS_SCENE_BUFFER_WINDOW", "1s")

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://x:4222", "nats://y:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "s3cret", cfg.NATS.Token)
	assert.Equal(t, scene.ProfileReef, cfg.Scene.Profile)
	assert.Equal(t, []string{"reef-1/#"}, cfg.Scene.Subscriptions)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, time.Second, cfg.Scene.BufferWindow)

	assert.NotContains(t, cfg.String(), "s3cret")
	assert.Contains(t, cfg.String(), "****")
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing.json") }},
		{"unsupported extension", func(t *testing.T) string { return writeFile(t, "cfg.toml", "x = 1") }},
		{"bad json", func(t *testing.T) string { return writeFile(t, "cfg.json", `{"nats": `) }},
		{"bad yaml", func(t *testing.T) string { return writeFile(t, "cfg.yaml", "nats: [unclosed") }},
		{"bad duration", func(t *testing.T) string {
			return writeFile(t, "cfg.json", `{"scene": {"buffer_window": "soon"}}`)
		}},
		{"wrong type", func(t *testing.T) string {
			return writeFile(t, "cfg.json", `{"http": {"addr": 42}}`)
		}},
		{"too deep", func(t *testing.T) string {
			return writeFile(t, "cfg.json", strings.Repeat("[", 101)+strings.Repeat("]", 101))
		}},
		{"path traversal", func(*testing.T) string { return "../../outside.json" }},
		{"directory", func(t *testing.T) string {
			dir := filepath.Join(t.TempDir(), "cfg.json")
			require.NoError(t, os.Mkdir(dir, 0o700))
			return dir
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(tt.setup(t))
			assert.Error(t, err)
		})
	}
}

func TestLoader_InvalidEnvDuration(t *testing.T) {
	t.Setenv("REEFSTREAMS_SCENE_BUFFER_WINDOW", "later")
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoader_ValidationToggle(t *testing.T) {
	path := writeFile(t, "cfg.json", `{"scene": {"skins": []}}`)

	loader := NewLoader()
	_, err := loader.LoadFile(path)
	require.NoError(t, err, "validation is off by default")

	loader.EnableValidation(true)
	_, err = loader.LoadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no urls", func(c *Config) { c.NATS.URLs = nil }},
		{"blank url", func(c *Config) { c.NATS.URLs = []string{" "} }},
		{"bad reconnects", func(c *Config) { c.NATS.MaxReconnects = -2 }},
		{"negative wait", func(c *Config) { c.NATS.ReconnectWait = -time.Second }},
		{"tls without files", func(c *Config) { c.NATS.TLS.Enabled = true }},
		{"cert without key", func(c *Config) { c.NATS.TLS.CertFile = "cert.pem" }},
		{"homie prefixes clash", func(c *Config) { c.NATS.Homie.LivePrefix = c.NATS.Homie.RetainedPrefix }},
		{"no addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"relative path", func(c *Config) { c.HTTP.MetricsPath = "metrics" }},
		{"duplicate path", func(c *Config) { c.HTTP.HealthPath = c.HTTP.WebSocketPath }},
		{"no command rate", func(c *Config) { c.HTTP.CommandRate = 0 }},
		{"no command burst", func(c *Config) { c.HTTP.CommandBurst = -1 }},
		{"bad scene", func(c *Config) { c.Scene.Profile = "space" }},
		{"bad journal", func(c *Config) {
			c.Journal.Enabled = true
			c.Journal.Directory = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(scene.ProfileTutorial)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "got %v", err)
		})
	}
}

func TestParseDurationWithDays(t *testing.T) {
	d, err := parseDurationWithDays("3d")
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, d)

	d, err = parseDurationWithDays("250ms")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = parseDurationWithDays("xd")
	assert.Error(t, err)
}
