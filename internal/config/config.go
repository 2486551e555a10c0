// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fserver.
//
// go-fserver is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	TLS     TLSConfig     `yaml:"tls"`
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig contains server-level settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TLSConfig controls TLS/SSL settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MetricsConfig controls the metrics endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HealthConfig controls the health check endpoint
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SessionConfig controls ceremony session lifecycle tunables
type SessionConfig struct {
	// Timeout is the idle age after which a non-terminal session is failed
	// and swept. Zero disables the sweeper.
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration used when no config file is
// supplied. The server is fully functional with defaults alone.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 9034},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Health:  HealthConfig{Enabled: true, Path: "/healthz"},
		Session: SessionConfig{Timeout: 10 * time.Minute},
	}
}

// Load reads configuration from a YAML file and applies environment variable
// overrides. An empty path loads the defaults with overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - Config file path is provided by admin/user
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("FSERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("FSERVER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Printf("Warning: invalid FSERVER_PORT value %q, using default %d: %v",
				portStr, cfg.Server.Port, err)
		} else if port < 1 || port > 65535 {
			log.Printf("Warning: invalid FSERVER_PORT value %q (out of range 1-65535), using default %d",
				portStr, cfg.Server.Port)
		} else {
			cfg.Server.Port = port
		}
	}
	if level := os.Getenv("FSERVER_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if timeoutStr := os.Getenv("FSERVER_SESSION_TIMEOUT"); timeoutStr != "" {
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			log.Printf("Warning: invalid FSERVER_SESSION_TIMEOUT value %q, using default %s: %v",
				timeoutStr, cfg.Session.Timeout, err)
		} else {
			cfg.Session.Timeout = timeout
		}
	}
	if certFile := os.Getenv("FSERVER_TLS_CERT"); certFile != "" {
		cfg.TLS.Enabled = true
		cfg.TLS.CertFile = certFile
	}
	if keyFile := os.Getenv("FSERVER_TLS_KEY"); keyFile != "" {
		cfg.TLS.Enabled = true
		cfg.TLS.KeyFile = keyFile
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key_file is required when TLS is enabled")
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must begin with /: %s", c.Metrics.Path)
	}
	if c.Health.Enabled && !strings.HasPrefix(c.Health.Path, "/") {
		return fmt.Errorf("health path must begin with /: %s", c.Health.Path)
	}

	if c.Session.Timeout < 0 {
		return fmt.Errorf("session timeout must not be negative: %s", c.Session.Timeout)
	}

	return nil
}

// DebugEnabled reports whether debug logging is configured
func (c *Config) DebugEnabled() bool {
	return strings.EqualFold(c.Logging.Level, "debug")
}
