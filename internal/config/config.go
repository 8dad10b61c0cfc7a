// Package config loads and watches the Parley configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley/internal/appdir"
)

// Default values applied when the configuration omits them.
const (
	DefaultServerURL   = "ws://localhost:23110/main"
	DefaultModel       = "deepseek-chat"
	DefaultIdleTimeout = 90 * time.Second
)

// SamplingConfig holds the default sampling parameters stamped into
// outbound exchanges. Pointer fields distinguish "unset" from zero.
type SamplingConfig struct {
	TopP        *float64 `yaml:"top_p,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxLength   *int     `yaml:"max_length,omitempty"`
}

// LogConfig holds the logging section of the configuration.
type LogConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level,omitempty"`
	// File is the log file path. Empty disables file logging.
	File string `yaml:"file,omitempty"`
	// MaxSizeMB is the log file size before rotation.
	MaxSizeMB int `yaml:"max_size_mb,omitempty"`
	// MaxBackups is the number of rotated files to retain.
	MaxBackups int `yaml:"max_backups,omitempty"`
	// JSON enables JSON log output.
	JSON bool `yaml:"json,omitempty"`
	// Components restricts logging to the named components.
	Components []string `yaml:"components,omitempty"`
}

// Config is the Parley configuration.
type Config struct {
	// ServerURL is the WebSocket endpoint of the inference backend.
	ServerURL string `yaml:"server_url,omitempty"`

	// Username identifies the user to the backend.
	Username string `yaml:"username,omitempty"`

	// DefaultModel is the model used when no explicit choice was made.
	DefaultModel string `yaml:"default_model,omitempty"`

	// SystemPrompt is the initial system prompt for new sessions.
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// Sampling holds the default sampling parameters.
	Sampling SamplingConfig `yaml:"sampling,omitempty"`

	// IdleTimeoutSeconds cancels an exchange after this many seconds
	// without a frame. Zero selects the default; negative disables.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds,omitempty"`

	// Log holds the logging configuration.
	Log LogConfig `yaml:"log,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ServerURL:    DefaultServerURL,
		Username:     defaultUsername(),
		DefaultModel: DefaultModel,
		Log:          LogConfig{Level: "info"},
	}
}

// IdleTimeout returns the effective exchange idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	switch {
	case c.IdleTimeoutSeconds < 0:
		return 0
	case c.IdleTimeoutSeconds == 0:
		return DefaultIdleTimeout
	default:
		return time.Duration(c.IdleTimeoutSeconds) * time.Second
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url must not be empty")
	}
	if c.DefaultModel == "" {
		return fmt.Errorf("default_model must not be empty")
	}
	return nil
}

// Parse decodes a YAML document into a configuration, applying defaults for
// omitted fields.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.Username == "" {
		cfg.Username = defaultUsername()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the configuration from path. A missing file yields the
// defaults, not an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// LoadDefault reads the configuration from the Parley data directory.
func LoadDefault() (*Config, error) {
	path, err := appdir.ConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func defaultUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "default_user"
}
