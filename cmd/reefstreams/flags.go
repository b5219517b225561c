package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/CMCRobotics/save-the-reef/config"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Broker          string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

// configList collects repeated --config flags as layers.
type configList []string

func (c *configList) String() string { return fmt.Sprint([]string(*c)) }

func (c *configList) Set(value string) error {
	*c = append(*c, value)
	return nil
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	var layers configList
	fs.Var(&layers, "config",
		"Configuration file, JSON or YAML; repeat to layer (env: REEFSTREAMS_CONFIG)")
	fs.Var(&layers, "c", "Shorthand for --config")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("REEFSTREAMS_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: REEFSTREAMS_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("REEFSTREAMS_LOG_FORMAT", "json"),
		"Log format: json, text (env: REEFSTREAMS_LOG_FORMAT)")

	fs.StringVar(&cfg.Broker, "broker",
		getEnv("REEFSTREAMS_BROKER", config.BrokerNATS),
		"Property broker: nats, memory (env: REEFSTREAMS_BROKER)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("REEFSTREAMS_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: REEFSTREAMS_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ConfigPaths = layers
	if len(cfg.ConfigPaths) == 0 {
		if path := getEnv("REEFSTREAMS_CONFIG", ""); path != "" {
			cfg.ConfigPaths = []string{path}
		}
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if !slices.Contains([]string{config.BrokerNATS, config.BrokerMemory}, cfg.Broker) {
		return fmt.Errorf("invalid broker: %s", cfg.Broker)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	out := fs.Output()
	_, _ = fmt.Fprintf(out, `%s - Homie scene controller for Save the Reef

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(out, `
Examples:
  # Tutorial scene against a local NATS server
  %s

  # Reef scene with a site override, text logs
  %s -c configs/reef.yaml -c configs/site.json --log-format=text

  # Without a broker, scene driven only from viewers
  %s --broker=memory

  # Validate configuration only
  %s -c configs/reef.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
