// Package config provides configuration management for the graphlink client.
// It handles loading and parsing YAML configuration files, applying environment
// overrides, and provides structured access to application settings including
// the Azure application registration, credential directory, and pipeline tuning.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variable names recognised as overrides for the required
// application registration values.
const (
	EnvClientID = "GRAPHLINK_CLIENT_ID"
	EnvTenantID = "GRAPHLINK_TENANT_ID"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// ClientID is the Azure application (client) ID. Required.
	ClientID string `yaml:"client-id" json:"client-id"`

	// TenantID is the directory (tenant) ID the app is registered in. Required.
	TenantID string `yaml:"tenant-id" json:"tenant-id"`

	// AuthDir is the directory holding the encrypted credential fallback
	// store and token metadata. Defaults to ~/.graphlink.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// CallbackPort is the fixed local port the OAuth callback listener binds.
	CallbackPort int `yaml:"callback-port" json:"callback-port"`

	// Scopes are the delegated Graph scopes requested at login.
	Scopes []string `yaml:"scopes" json:"scopes"`

	// MaxRetries bounds the retry loop of the request pipeline.
	MaxRetries int `yaml:"max-retries" json:"max-retries"`

	// MaxConcurrent is the admission ceiling for in-flight Graph requests.
	// Microsoft Graph enforces 4 concurrent requests per mailbox identity.
	MaxConcurrent int `yaml:"max-concurrent" json:"max-concurrent"`

	// LoggingToFile switches log output from stdout to rotating files.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// Debug enables debug level logging.
	Debug bool `yaml:"debug" json:"debug"`
}

// DefaultScopes are the delegated permissions requested at login. They are
// requested upfront so that later tool calls never need re-consent.
var DefaultScopes = []string{
	"openid",
	"offline_access",
	"User.Read",
	"Mail.ReadWrite",
	"Calendars.ReadWrite",
	"Files.ReadWrite",
	"MailboxSettings.Read",
}

// DefaultCallbackPort is the port the redirect URI registered with the
// identity platform points at.
const DefaultCallbackPort = 8400

// LoadConfig reads the YAML configuration file at the given path and applies
// defaults and environment overrides. A missing file is not an error; the
// configuration then comes entirely from defaults and the environment.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: failed to read %s: %w", configPath, err)
			}
		} else if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", configPath, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded configuration.
// Environment values win over file values.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvClientID)); v != "" {
		c.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTenantID)); v != "" {
		c.TenantID = v
	}
}

func (c *Config) applyDefaults() {
	if c.AuthDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.AuthDir = filepath.Join(home, ".graphlink")
	}
	if c.CallbackPort <= 0 {
		c.CallbackPort = DefaultCallbackPort
	}
	if len(c.Scopes) == 0 {
		c.Scopes = DefaultScopes
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
}

// Validate checks the startup-fatal requirements. The client and tenant IDs
// cannot be defaulted; without them no authorization URL can be built.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("config: client-id is required (set %s or client-id in the config file)", EnvClientID)
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return fmt.Errorf("config: tenant-id is required (set %s or tenant-id in the config file)", EnvTenantID)
	}
	return nil
}

// RedirectURI returns the redirect URI registered for the local callback
// listener, derived from the configured callback port.
func (c *Config) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/callback", c.CallbackPort)
}
