// internal/config/config.go
//
// This package handles configuration and the churn state directory.
// Settings come from an optional config.yaml in the state directory,
// with environment variables layered on top.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvStateDir overrides where session state and logs are kept.
	EnvStateDir = "CHURN_STATE_DIR"
	// EnvLockTimeout overrides how long a writer waits for the store lock.
	EnvLockTimeout = "CHURN_LOCK_TIMEOUT"

	configFileName = "config.yaml"

	defaultTaskDocument  = "TODO.md"
	defaultMaxIterations = 10
	defaultAgent         = "claude"
	defaultMonitorHost   = "127.0.0.1"
	defaultMonitorPort   = 4399
)

const defaultConfigYAML = `# churn configuration
version: 1

# Default agent CLI and model. The agent must be on PATH.
agent: claude
# model: claude-sonnet-4

# Task document churn reads from the working directory.
task_document: TODO.md

# Hard cap on agent invocations per run.
max_iterations: 10

# Optional webhook receiving session lifecycle events.
# webhook_url: https://example.com/hooks/churn

monitor:
  host: 127.0.0.1
  port: 4399
`

// MonitorSettings configures the local status HTTP server.
type MonitorSettings struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Settings models config.yaml in the state directory.
type Settings struct {
	Version       int             `yaml:"version"`
	Agent         string          `yaml:"agent"`
	Model         string          `yaml:"model,omitempty"`
	TaskDocument  string          `yaml:"task_document"`
	MaxIterations int             `yaml:"max_iterations"`
	WebhookURL    string          `yaml:"webhook_url,omitempty"`
	Monitor       MonitorSettings `yaml:"monitor"`
}

// Config holds the runtime configuration for churn.
type Config struct {
	// StateDir is where session state, the lock file, and logs live.
	StateDir string

	// LockTimeout bounds how long store writers wait for the lock.
	// Zero means the store default.
	LockTimeout time.Duration

	Settings Settings
}

// Load resolves the state directory, reads config.yaml if present, and
// applies environment overrides. A missing config file is not an error.
func Load() (*Config, error) {
	stateDir, err := resolveStateDir()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		StateDir: stateDir,
		Settings: defaultSettings(),
	}

	if err := cfg.loadSettings(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Init creates the state directory structure and writes a commented
// default config.yaml if none exists yet.
func Init(stateDir string) error {
	dirs := []string{
		stateDir,
		filepath.Join(stateDir, "logs"),
		filepath.Join(stateDir, "raw"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return ensureConfigFile(filepath.Join(stateDir, configFileName))
}

// LogsDir returns the directory that holds per-session log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// RawDir returns the directory that holds raw agent transcripts.
func (c *Config) RawDir() string {
	return filepath.Join(c.StateDir, "raw")
}

// ConfigPath returns the on-disk location for the config file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.StateDir, configFileName)
}

func (c *Config) loadSettings() error {
	path := c.ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed Settings
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Settings = parsed
	return nil
}

func (c *Config) applyEnv() error {
	if raw := strings.TrimSpace(os.Getenv(EnvLockTimeout)); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: parse %s: %w", EnvLockTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", EnvLockTimeout)
		}
		c.LockTimeout = d
	}
	return nil
}

func defaultSettings() Settings {
	return Settings{
		Version:       1,
		Agent:         defaultAgent,
		TaskDocument:  defaultTaskDocument,
		MaxIterations: defaultMaxIterations,
		Monitor: MonitorSettings{
			Host: defaultMonitorHost,
			Port: defaultMonitorPort,
		},
	}
}

func (s *Settings) applyDefaults() {
	if s.Version == 0 {
		s.Version = 1
	}
	if strings.TrimSpace(s.Agent) == "" {
		s.Agent = defaultAgent
	}
	if strings.TrimSpace(s.TaskDocument) == "" {
		s.TaskDocument = defaultTaskDocument
	}
	if s.MaxIterations == 0 {
		s.MaxIterations = defaultMaxIterations
	}
	if strings.TrimSpace(s.Monitor.Host) == "" {
		s.Monitor.Host = defaultMonitorHost
	}
	if s.Monitor.Port == 0 {
		s.Monitor.Port = defaultMonitorPort
	}
}

func (s *Settings) normalize() {
	s.Agent = strings.TrimSpace(s.Agent)
	s.Model = strings.TrimSpace(s.Model)
	s.TaskDocument = strings.TrimSpace(s.TaskDocument)
	s.WebhookURL = strings.TrimSpace(s.WebhookURL)
	s.Monitor.Host = strings.TrimSpace(s.Monitor.Host)
}

func (s Settings) validate() error {
	if s.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if s.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1")
	}
	if s.Monitor.Port < 0 || s.Monitor.Port > 65535 {
		return fmt.Errorf("monitor.port must be between 0 and 65535")
	}
	if strings.ContainsAny(s.TaskDocument, `/\`) {
		return fmt.Errorf("task_document must be a bare file name")
	}
	return nil
}

func resolveStateDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(EnvStateDir)); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("config: resolve %s: %w", EnvStateDir, err)
		}
		return abs, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locate user config dir: %w", err)
	}
	return filepath.Join(base, "churn"), nil
}

func ensureConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0644)
}
