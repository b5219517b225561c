package config

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/input/homie"
	"github.com/CMCRobotics/save-the-reef/output/file"
	"github.com/CMCRobotics/save-the-reef/processor/scene"
)

// Broker names.
const (
	BrokerNATS   = "nats"
	BrokerMemory = "memory"
)

// Config is the complete reefstreams configuration.
type Config struct {
	NATS    NATSConfig   `json:"nats"`
	HTTP    HTTPConfig   `json:"http"`
	Scene   scene.Config `json:"scene"`
	Journal file.Config  `json:"journal"`
}

// NATSConfig defines the NATS connection and the Homie subject layout on it.
type NATSConfig struct {
	URLs          []string         `json:"urls,omitempty"`
	MaxReconnects int              `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration    `json:"reconnect_wait,omitempty"`
	Username      string           `json:"username,omitempty"`
	Password      string           `json:"password,omitempty"`
	Token         string           `json:"token,omitempty"`
	TLS           NATSTLSConfig    `json:"tls,omitempty"`
	Homie         homie.NATSConfig `json:"homie"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// URL joins URLs the way nats.Connect accepts a server list.
func (c NATSConfig) URL() string {
	return strings.Join(c.URLs, ",")
}

// HTTPConfig defines the listener serving metrics, health and viewers.
type HTTPConfig struct {
	Addr          string `json:"addr"`
	MetricsPath   string `json:"metrics_path"`
	HealthPath    string `json:"health_path"`
	WebSocketPath string `json:"websocket_path"`

	// CommandRate is the commands per second each viewer may send, with
	// bursts up to CommandBurst.
	CommandRate  float64 `json:"command_rate"`
	CommandBurst int     `json:"command_burst"`
}

// Default returns the defaults for profile.
func Default(profile scene.Profile) *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Homie:         homie.DefaultNATSConfig(),
		},
		HTTP: HTTPConfig{
			Addr:          ":9090",
			MetricsPath:   "/metrics",
			HealthPath:    "/health",
			WebSocketPath: "/ws",
			CommandRate:   5,
			CommandBurst:  10,
		},
		Scene:   scene.DefaultConfig(profile),
		Journal: file.DefaultConfig(),
	}
}

// Validate checks every section. NATS settings are checked even when the
// memory broker is used so a config stays valid across brokers.
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return invalid("nats.urls must list at least one server")
	}
	for _, u := range c.NATS.URLs {
		if strings.TrimSpace(u) == "" {
			return invalid("nats.urls must not contain empty entries")
		}
	}
	if c.NATS.MaxReconnects < -1 {
		return invalid("nats.max_reconnects must be -1 (forever) or more, got %d", c.NATS.MaxReconnects)
	}
	if c.NATS.ReconnectWait < 0 {
		return invalid("nats.reconnect_wait must not be negative")
	}
	if c.NATS.TLS.Enabled && c.NATS.TLS.CAFile == "" && c.NATS.TLS.CertFile == "" {
		return invalid("nats.tls enabled without ca_file or cert_file")
	}
	if (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		return invalid("nats.tls cert_file and key_file must be set together")
	}
	if err := c.NATS.Homie.Validate(); err != nil {
		return errors.Wrap(err, "Config", "Validate", "nats.homie")
	}

	if c.HTTP.Addr == "" {
		return invalid("http.addr is required")
	}
	paths := map[string]string{
		"metrics_path":   c.HTTP.MetricsPath,
		"health_path":    c.HTTP.HealthPath,
		"websocket_path": c.HTTP.WebSocketPath,
	}
	if c.HTTP.CommandRate <= 0 || c.HTTP.CommandBurst <= 0 {
		return invalid("http.command_rate and http.command_burst must be positive")
	}
	seen := make(map[string]string, len(paths))
	for name, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return invalid("http.%s must start with /, got %q", name, p)
		}
		if other, dup := seen[p]; dup {
			return invalid("http.%s and http.%s both use %q", name, other, p)
		}
		seen[p] = name
	}

	if err := c.Scene.Validate(); err != nil {
		return errors.Wrap(err, "Config", "Validate", "scene")
	}
	if err := c.Journal.Validate(); err != nil {
		return errors.Wrap(err, "Config", "Validate", "journal")
	}
	return nil
}

// String returns the config as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func invalid(format string, args ...any) error {
	return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", format, args...)
}
