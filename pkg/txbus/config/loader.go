package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FromFile loads configuration from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Config.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// FromEnv builds a Config from environment entries ("KEY=value") that
// start with prefix. The prefix is stripped and the rest lowercased; a
// double underscore separates sections, so POS_JOURNAL__DRIVER=leveldb
// becomes journal.driver. Values stay strings.
func FromEnv(prefix string, environ []string) Config {
	data := make(map[string]any)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		key = strings.ToLower(strings.TrimPrefix(key, prefix))
		if key == "" {
			continue
		}

		parts := strings.Split(key, "__")
		section := data
		for _, p := range parts[:len(parts)-1] {
			next, ok := section[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				section[p] = next
			}
			section = next
		}
		section[parts[len(parts)-1]] = value
	}
	return New(data)
}

// Load reads the file at path, when path is not empty, and layers the
// process environment entries starting with envPrefix over it.
func Load(path, envPrefix string) (Config, error) {
	cfg := New(nil)
	if path != "" {
		var err error
		if cfg, err = FromFile(path); err != nil {
			return Config{}, err
		}
	}
	if envPrefix != "" {
		cfg = cfg.Merge(FromEnv(envPrefix, os.Environ()))
	}
	return cfg, nil
}
