// Package config holds the broker's immutable configuration
// snapshot. The broker loads it once at startup; each module worker
// receives a private copy attached to its handle so configuration
// lookups inside the module always succeed without reaching back to
// the broker.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModuleConfig describes one module to load at broker startup
type ModuleConfig struct {
	Name string   `yaml:"name,omitempty"`
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json"`
}

// Config is the broker configuration snapshot
type Config struct {
	Rank    int               `yaml:"rank"`
	Log     LogConfig         `yaml:"log"`
	Modules []ModuleConfig    `yaml:"modules,omitempty"`
	Attrs   map[string]string `yaml:"attrs,omitempty"`
}

// Default returns a usable zero configuration
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Copy returns a deep copy of the configuration
func (c *Config) Copy() *Config {
	cpy := *c
	if c.Modules != nil {
		cpy.Modules = make([]ModuleConfig, len(c.Modules))
		for i, m := range c.Modules {
			cpy.Modules[i] = m
			cpy.Modules[i].Args = append([]string(nil), m.Args...)
		}
	}
	if c.Attrs != nil {
		cpy.Attrs = make(map[string]string, len(c.Attrs))
		for k, v := range c.Attrs {
			cpy.Attrs[k] = v
		}
	}
	return &cpy
}
