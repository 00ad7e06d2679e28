package plugin

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultActivationTimeout bounds a single Activate call when none is configured.
const DefaultActivationTimeout = 30 * time.Second

// ManagerConfig describes how the plugin manager should behave.
type ManagerConfig struct {
	PluginDir         string                  `yaml:"plugin_dir"`
	ActivationTimeout time.Duration           `yaml:"activation_timeout"`
	Defaults          IsolationPolicy         `yaml:"defaults"`
	Plugins           map[string]PluginConfig `yaml:"entries"`
}

// PluginConfig is the configuration block for a single shared-object plugin.
type PluginConfig struct {
	Enabled bool             `yaml:"enabled"`
	Path    string           `yaml:"path"`
	Config  map[string]any   `yaml:"config"`
	Policy  *IsolationPolicy `yaml:"policy"`
}

// LoadManagerConfig reads a YAML file into a ManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	return cfg, nil
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	if c.ActivationTimeout < 0 {
		return errors.New("activation timeout cannot be negative")
	}
	for id, plugin := range c.Plugins {
		if id == "" {
			return errors.New("plugin id cannot be empty")
		}
		if !plugin.Enabled {
			continue
		}
		if plugin.Path == "" {
			return fmt.Errorf("plugin %s path cannot be empty when enabled", id)
		}
	}
	return nil
}
