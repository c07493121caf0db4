package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for TinyVegeta.
// It is loaded from ~/.tinyvegeta/config.yaml and can be overridden by
// environment variables.
type Config struct {
	Memory  MemoryConfig  `mapstructure:"memory" yaml:"memory"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Agents  AgentsConfig  `mapstructure:"agents" yaml:"agents"`
}

// MemoryConfig contains configuration for the persistent memory layer.
type MemoryConfig struct {
	// Root is the directory holding the scoped memory stores
	Root string `mapstructure:"root" yaml:"root"`
}

// ServerConfig contains configuration for the HTTP API server.
type ServerConfig struct {
	// Host is the interface to bind
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the HTTP API port
	Port int `mapstructure:"port" yaml:"port"`
	// ShutdownTimeout is how long to wait for in-flight requests on shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// AuthToken, when set, requires a matching bearer token on every API request
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token,omitempty"`
}

// JournalConfig contains configuration for the SQLite session journal.
type JournalConfig struct {
	// Enabled controls whether the journal database is opened
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is an optional log file path; empty logs to stderr only
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// AgentsConfig describes the agents and teams the memory layer serves.
type AgentsConfig struct {
	// Default is the agent id assumed when commands omit one
	Default string `mapstructure:"default" yaml:"default"`
	// Teams maps a team id to its member agent ids
	Teams map[string][]string `mapstructure:"teams" yaml:"teams,omitempty"`
}

// TeamFor returns the first team (in sorted id order, so lookups are
// stable) that lists agentID as a member.
func (a AgentsConfig) TeamFor(agentID string) (string, bool) {
	ids := make([]string, 0, len(a.Teams))
	for id := range a.Teams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, member := range a.Teams[id] {
			if member == agentID {
				return id, true
			}
		}
	}
	return "", false
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".tinyvegeta")

	return &Config{
		Memory: MemoryConfig{
			Root: filepath.Join(baseDir, "memory"),
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3333,
			ShutdownTimeout: 10 * time.Second,
			AuthToken:       "",
		},
		Journal: JournalConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		Agents: AgentsConfig{
			Default: "assistant",
			Teams:   map[string][]string{},
		},
	}
}

// Load reads configuration from the default location
// (~/.tinyvegeta/config.yaml) and merges with environment variables.
// If no config file exists, it creates one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".tinyvegeta", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with
// default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := writeConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Enable environment variable overrides
	// Example: TINYVEGETA_SERVER_PORT=8080
	v.SetEnvPrefix("TINYVEGETA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand paths with tilde
	cfg.Memory.Root = expandPath(cfg.Memory.Root)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in missing values so a sparse config file still
// yields a runnable configuration.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Memory.Root == "" {
		c.Memory.Root = defaults.Memory.Root
	}
	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Agents.Default == "" {
		c.Agents.Default = defaults.Agents.Default
	}
	if c.Agents.Teams == nil {
		c.Agents.Teams = map[string][]string{}
	}
}

// Save writes the current configuration to the default config file location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".tinyvegeta", "config.yaml")
	return c.SaveToPath(configPath)
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// GetDataDir returns the TinyVegeta data directory path (~/.tinyvegeta).
func (c *Config) GetDataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".tinyvegeta")
}

// GetConfigPath returns the full path to the config file.
func (c *Config) GetConfigPath() string {
	return filepath.Join(c.GetDataDir(), "config.yaml")
}

// EnsureDirectories creates all directories the application writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.GetDataDir(),
		c.Memory.Root,
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Memory.Root == "" {
		return fmt.Errorf("memory.root cannot be empty")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if c.Agents.Default == "" {
		return fmt.Errorf("agents.default cannot be empty")
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
