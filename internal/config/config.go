// Package config handles configuration loading and management for Handoff.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/handoff-chat/handoff/internal/tenant"
)

// APIConfig holds pull-channel settings.
type APIConfig struct {
	// BaseURL is the REST API address (e.g. "https://api.example.com").
	BaseURL string `yaml:"base_url"`
	// TimeoutSeconds overrides the default HTTP timeout. 0 keeps the default.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// PushConfig holds push-channel settings.
type PushConfig struct {
	// BaseURL is the websocket address. http(s) schemes are rewritten to
	// ws(s) when endpoints are built.
	BaseURL string `yaml:"base_url"`
}

// TenantConfig identifies the tenant the client operates under.
type TenantConfig struct {
	CompanyID string `yaml:"company_id"`
	// Role is one of super, admin, agent, user.
	Role string `yaml:"role"`
}

// AgentConfig identifies the local agent, when the client acts as one.
type AgentConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// AuthConfig holds credentials.
type AuthConfig struct {
	// Token is the bearer token sent on every request and appended to
	// push endpoints.
	Token string `yaml:"token"`
}

// LogConfig holds logging settings, mirroring the logging package.
type LogConfig struct {
	// Level is one of debug, info, warn, error (default: info).
	Level string `yaml:"level"`
	// File is the log file path; empty logs to stderr.
	File string `yaml:"file"`
	// Components limits debug output to the named components.
	Components []string `yaml:"components"`
}

// Config represents the complete Handoff client configuration.
type Config struct {
	API    APIConfig    `yaml:"api"`
	Push   PushConfig   `yaml:"push"`
	Tenant TenantConfig `yaml:"tenant"`
	Agent  AgentConfig  `yaml:"agent"`
	Auth   AuthConfig   `yaml:"auth"`
	Log    LogConfig    `yaml:"log"`
}

// DefaultConfigPath returns the default configuration file path for the
// current platform.
func DefaultConfigPath() string {
	// Check for environment variable override first
	if envPath := os.Getenv("HANDOFFRC"); envPath != "" {
		return envPath
	}

	// Use platform-specific config directory
	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, _ := os.UserHomeDir()
		configDir = home // macOS traditionally uses ~/.handoffrc
	default: // linux and others
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = xdgConfig
		} else {
			home, _ := os.UserHomeDir()
			configDir = home
		}
	}

	return filepath.Join(configDir, ".handoffrc")
}

// Load reads and parses the configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses YAML configuration data into a Config struct.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for the settings every command needs.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Push.BaseURL == "" {
		// The push channel defaults to the API host.
		c.Push.BaseURL = c.API.BaseURL
	}

	switch tenant.Role(c.Tenant.Role) {
	case tenant.RoleSuper:
	case tenant.RoleAdmin, tenant.RoleAgent, tenant.RoleUser:
		if c.Tenant.CompanyID == "" {
			return fmt.Errorf("tenant.company_id is required for role %q", c.Tenant.Role)
		}
	case "":
		return fmt.Errorf("tenant.role is required")
	default:
		return fmt.Errorf("unknown tenant.role %q", c.Tenant.Role)
	}

	return nil
}

// Scope returns the tenant scope described by the configuration.
func (c *Config) Scope() tenant.Scope {
	return tenant.Scope{
		CompanyID: c.Tenant.CompanyID,
		Role:      tenant.Role(c.Tenant.Role),
	}
}
