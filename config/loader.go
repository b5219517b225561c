package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/processor/scene"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REEFSTREAMS"

// durationPaths lists the keys holding durations. Files may write them as
// Go duration strings or with a day suffix ("2d").
var durationPaths = [][]string{
	{"nats", "reconnect_wait"},
	{"nats", "homie", "max_age"},
	{"scene", "buffer_window"},
	{"scene", "tick_interval"},
	{"journal", "flush_interval"},
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges the layers over the defaults of the selected scene profile,
// then applies environment overrides.
//
// The profile is picked first, from the environment or the last layer that
// sets scene.profile, so its defaults sit under the file values.
func (l *Loader) Load() (*Config, error) {
	raw := map[string]any{}
	for _, path := range l.layers {
		layer, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.Wrap(err, "Loader", "Load", "load "+path)
		}
		raw = deepMergeMaps(raw, layer)
	}

	profile := scene.ProfileTutorial
	if sc, ok := raw["scene"].(map[string]any); ok {
		if p, ok := sc["profile"].(string); ok && p != "" {
			profile = scene.Profile(p)
		}
	}
	if val := l.env("SCENE_PROFILE"); val != "" {
		profile = scene.Profile(val)
	}

	cfg, err := mergeFromMap(Default(profile), raw)
	if err != nil {
		return nil, err
	}
	cfg.Scene.Profile = profile

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads one layer as a generic map, JSON or YAML by extension.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "loadRaw", "check JSON structure")
		}
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "Loader", "loadRaw", "decode "+path)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations converts duration strings to nanoseconds for json
// unmarshaling.
func parseDurations(data map[string]any) error {
	for _, path := range durationPaths {
		parent := data
		for _, key := range path[:len(path)-1] {
			next, ok := parent[key].(map[string]any)
			if !ok {
				parent = nil
				break
			}
			parent = next
		}
		if parent == nil {
			continue
		}

		leaf := path[len(path)-1]
		s, ok := parent[leaf].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return errors.Invalidf(errors.ErrInvalidConfig, "Loader", "parseDurations",
				"%s: invalid duration %q", strings.Join(path, "."), s)
		}
		parent[leaf] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if len(override) == 0 {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "mergeFromMap", "marshal defaults")
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "mergeFromMap", "unmarshal defaults")
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "mergeFromMap", "marshal merged config")
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Loader", "mergeFromMap", "decode merged config")
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// Lists are replaced, not appended.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) env(name string) string {
	key := l.envPrefix + "_" + name
	val := l.getenv(key)
	if err := validateEnvVar(key, val); err != nil {
		return ""
	}
	return val
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	if val := l.env("NATS_URLS"); val != "" {
		var urls []string
		for _, u := range strings.Split(val, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		cfg.NATS.URLs = urls
	}
	if val := l.env("NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := l.env("NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := l.env("NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := l.env("HTTP_ADDR"); val != "" {
		cfg.HTTP.Addr = val
	}
	if val := l.env("SCENE_BUFFER_WINDOW"); val != "" {
		d, err := parseDurationWithDays(val)
		if err != nil {
			return errors.Invalidf(errors.ErrInvalidConfig, "Loader", "applyEnvOverrides",
				"%s_SCENE_BUFFER_WINDOW: invalid duration %q", l.envPrefix, val)
		}
		cfg.Scene.BufferWindow = d
	}
	return nil
}
