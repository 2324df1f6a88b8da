// Package config loads the static gateway configuration.
//
// DESIGN: A small YAML file for what the process itself needs (listen
// address, run base directory, supervised command lines), with environment
// overrides for the fields deploy scripts touch. This is distinct from the
// run-directory settings store, which the operator mutates at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the fixed listen address of the gateway.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config is the process-level configuration.
type Config struct {
	Server         ServerConfig `yaml:"server"`
	RunBase        string       `yaml:"run_base"`
	LoopCommand    []string     `yaml:"loop_command"`
	CaptureCommand []string     `yaml:"capture_command"`
	ExecuteCommand []string     `yaml:"execute_command"`
	Debug          bool         `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Host: "127.0.0.1", Port: 1234},
		RunBase: "gateway_log",
	}
}

// Load reads path when it exists, merges over defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("GATEWAY_RUN_BASE"); v != "" {
		cfg.RunBase = v
	}
	return cfg, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MakeRunDir creates a fresh timestamped run directory under RunBase.
func (c *Config) MakeRunDir() (string, error) {
	name := time.Now().Format("run_20060102_150405")
	dir := filepath.Join(c.RunBase, name)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
