// Package config loads and persists the daemon configuration document at
// <state-dir>/config.json. Precedence per field: built-in default < config
// file < environment variable < CLI flag.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Environment variables recognised by the daemon.
const (
	EnvPort   = "PROMPT_DOCK_PORT"
	EnvWSPort = "PROMPT_DOCK_WS_PORT"
	EnvHub    = "PROMPT_DOCK_HUB"
	EnvLog    = "LOG_LEVEL"
	EnvHome   = "PROMPT_DOCK_HOME"
)

const (
	DefaultPort                 = 51720
	DefaultSessionTimeoutMS     = 30 * 60 * 1000
	DefaultCommandTimeoutMS     = 30 * 1000
	DefaultClockSkewMS          = 5 * 1000
	DefaultMaxCommandsPerMinute = 100
	DefaultAgentTimeoutMS       = 5 * 60 * 1000
	DefaultAgentRetryAttempts   = 1
	DefaultMaxBufferBytes       = 4 * 1024 * 1024
)

// Config is the persisted configuration document.
type Config struct {
	Port           int      `json:"port"`
	WSPort         int      `json:"wsPort"`
	AllowedOrigins []string `json:"allowedOrigins"`
	CustomOrigins  []string `json:"customOrigins,omitempty"`

	Security SecurityConfig `json:"security"`
	Agents   AgentsConfig   `json:"agents"`
	Git      GitConfig      `json:"git"`

	// Runtime-only fields, never persisted.
	Hub      string `json:"-"`
	LogLevel string `json:"-"`
}

// SecurityConfig tunes admission control.
type SecurityConfig struct {
	AllowCustomOrigins       bool `json:"allowCustomOrigins"`
	CustomOriginAcknowledged bool `json:"customOriginAcknowledged"`
	SessionTimeoutMS         int  `json:"sessionTimeout"`
	CommandTimeoutMS         int  `json:"commandTimeout"`
	ClockSkewToleranceMS     int  `json:"clockSkewTolerance"`
	MaxCommandsPerMinute     int  `json:"maxCommandsPerMinute"`
}

// AgentsConfig tunes the subprocess supervisor.
type AgentsConfig struct {
	Preferred      string            `json:"preferred,omitempty"`
	Paths          map[string]string `json:"paths,omitempty"`
	TimeoutMS      int               `json:"timeout"`
	RetryAttempts  int               `json:"retryAttempts"`
	MaxBufferBytes int               `json:"maxBufferBytes"`
}

// GitConfig holds flags forwarded to the workspace adapter.
type GitConfig struct {
	AutoCommit          bool `json:"autoCommit"`
	BackupBeforeExecute bool `json:"backupBeforeExecute"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:   DefaultPort,
		WSPort: DefaultPort + 1,
		AllowedOrigins: []string{
			"https://app.promptdock.dev",
			"http://localhost:3000",
		},
		Security: SecurityConfig{
			SessionTimeoutMS:     DefaultSessionTimeoutMS,
			CommandTimeoutMS:     DefaultCommandTimeoutMS,
			ClockSkewToleranceMS: DefaultClockSkewMS,
			MaxCommandsPerMinute: DefaultMaxCommandsPerMinute,
		},
		Agents: AgentsConfig{
			TimeoutMS:      DefaultAgentTimeoutMS,
			RetryAttempts:  DefaultAgentRetryAttempts,
			MaxBufferBytes: DefaultMaxBufferBytes,
		},
		Git: GitConfig{
			BackupBeforeExecute: true,
		},
		LogLevel: "info",
	}
}

// StateDir resolves the daemon state directory: $PROMPT_DOCK_HOME if set,
// else ~/.prompt-dock.
func StateDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".prompt-dock"), nil
}

// Load reads config.json from path, layers it over the defaults, then
// applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if cfg.WSPort == 0 {
			cfg.WSPort = cfg.Port + 1
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
			c.WSPort = port + 1
		}
	}
	if v := os.Getenv(EnvWSPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.WSPort = port
		}
	}
	if v := os.Getenv(EnvHub); v != "" {
		c.Hub = v
	}
	if v := os.Getenv(EnvLog); v != "" {
		c.LogLevel = v
	}
}

// Validate enforces the documented bounds on every option.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.WSPort < 1 || c.WSPort > 65535 {
		return fmt.Errorf("wsPort %d out of range", c.WSPort)
	}
	if c.WSPort == c.Port {
		return fmt.Errorf("wsPort must differ from port (both %d)", c.Port)
	}
	if c.Security.SessionTimeoutMS < 60_000 {
		return fmt.Errorf("security.sessionTimeout must be at least 60000 ms, got %d", c.Security.SessionTimeoutMS)
	}
	if c.Security.CommandTimeoutMS < 1 {
		return fmt.Errorf("security.commandTimeout must be positive, got %d", c.Security.CommandTimeoutMS)
	}
	if c.Security.ClockSkewToleranceMS < 0 {
		return fmt.Errorf("security.clockSkewTolerance must not be negative, got %d", c.Security.ClockSkewToleranceMS)
	}
	if c.Security.MaxCommandsPerMinute < 1 {
		return fmt.Errorf("security.maxCommandsPerMinute must be at least 1, got %d", c.Security.MaxCommandsPerMinute)
	}
	if c.Agents.TimeoutMS < 30_000 {
		return fmt.Errorf("agents.timeout must be at least 30000 ms, got %d", c.Agents.TimeoutMS)
	}
	if c.Agents.MaxBufferBytes < 1 {
		return fmt.Errorf("agents.maxBufferBytes must be positive, got %d", c.Agents.MaxBufferBytes)
	}
	return nil
}

// Save writes the document to path with owner-only permissions.
func (c *Config) Save(path string) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// EffectiveOrigins returns the complete origin allow-list: allowedOrigins,
// plus customOrigins when both custom-origin flags are set, plus the hub
// origin when a hub URL is configured.
func (c *Config) EffectiveOrigins() []string {
	origins := append([]string(nil), c.AllowedOrigins...)
	if c.Security.AllowCustomOrigins && c.Security.CustomOriginAcknowledged {
		origins = append(origins, c.CustomOrigins...)
	}
	if hub := HubOrigin(c.Hub); hub != "" {
		origins = append(origins, hub)
	}
	return origins
}

// HubOrigin reduces a hub URL to its origin (scheme://host). Returns "" for
// unparseable input.
func HubOrigin(hubURL string) string {
	if hubURL == "" {
		return ""
	}
	u, err := url.Parse(hubURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Duration accessors.

func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Security.SessionTimeoutMS) * time.Millisecond
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Security.CommandTimeoutMS) * time.Millisecond
}

func (c *Config) ClockSkewTolerance() time.Duration {
	return time.Duration(c.Security.ClockSkewToleranceMS) * time.Millisecond
}

func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agents.TimeoutMS) * time.Millisecond
}
