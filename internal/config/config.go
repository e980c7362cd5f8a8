// Package config loads process configuration from a YAML file, a .env
// file, and APC_-prefixed environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Application settings
	AppName   string `mapstructure:"app_name"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// SessionsRoot is where per-session folders (plan.md, backups/, logs/,
	// workflows/) live.
	SessionsRoot string `mapstructure:"sessions_root"`

	// Server configuration for the IPC endpoint
	Server ServerConfig `mapstructure:"server"`

	// Pool configuration
	Pool PoolConfig `mapstructure:"pool"`

	// SignalBus retention configuration
	SignalBus SignalBusConfig `mapstructure:"signal_bus"`

	// Coordinator reconciliation cadence
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`

	// Retry is the default phase retry policy; per-workflow-type overrides
	// are keyed by type name.
	Retry       RetryConfig            `mapstructure:"retry"`
	RetryByType map[string]RetryConfig `mapstructure:"retry_by_type"`

	// PhaseTimeouts bounds how long a phase waits on its agent's completion
	// signal, per workflow type; zero means the built-in default.
	PhaseTimeouts map[string]time.Duration `mapstructure:"phase_timeouts"`

	// AgentRunner configures the external agent CLI invocation.
	AgentRunner AgentRunnerConfig `mapstructure:"agent_runner"`
}

// ServerConfig holds IPC server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// PoolConfig holds agent-pool configuration
type PoolConfig struct {
	Size int `mapstructure:"size"`
}

// SignalBusConfig holds completion-signal retention configuration
type SignalBusConfig struct {
	RetentionTTL  time.Duration `mapstructure:"retention_ttl"`
	RetentionSize int           `mapstructure:"retention_size"`
}

// CoordinatorConfig holds reconciliation configuration
type CoordinatorConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// RetryConfig holds one retry policy (attempts, exponential backoff, cap,
// jitter fraction).
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Cap         time.Duration `mapstructure:"cap"`
	Jitter      float64       `mapstructure:"jitter"`
}

// AgentRunnerConfig holds the external agent CLI command line.
type AgentRunnerConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		// Set defaults
		AppName:      "apc",
		LogLevel:     "info",
		LogFormat:    "text",
		SessionsRoot: defaultSessionsRoot(),
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         7431,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Pool: PoolConfig{Size: 4},
		SignalBus: SignalBusConfig{
			RetentionTTL:  30 * time.Second,
			RetentionSize: 4096,
		},
		Coordinator: CoordinatorConfig{ReconcileInterval: 5 * time.Second},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Cap:         30 * time.Second,
			Jitter:      0.1,
		},
		AgentRunner: AgentRunnerConfig{Command: "apc-agent"},
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Add config paths
	if configPath != "" {
		if filepath.IsAbs(configPath) {
			v.SetConfigFile(configPath)
		} else {
			v.AddConfigPath(filepath.Dir(configPath))
			v.SetConfigName(filepath.Base(configPath[:len(configPath)-len(filepath.Ext(configPath))]))
		}
	}

	// Add common config paths
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/apc")

	// Environment variable support
	v.SetEnvPrefix("APC")
	v.AutomaticEnv()

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		// An explicit absolute path that does not exist surfaces as a plain
		// not-exist error rather than ConfigFileNotFoundError.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		// Config file not found is acceptable, we'll use defaults and env vars
	}

	// Unmarshal into struct
	if err := v.Unmarshal(config); err != nil {
		return nil, err
	}

	// Override with environment variables
	if root := os.Getenv("APC_SESSIONS_ROOT"); root != "" {
		config.SessionsRoot = root
	}
	if port := os.Getenv("APC_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if size := os.Getenv("APC_POOL_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			config.Pool.Size = n
		}
	}

	return config, nil
}

// RetryFor returns the retry policy for typeName, falling back to the
// process-wide default when no override is configured.
func (c *Config) RetryFor(typeName string) RetryConfig {
	if r, ok := c.RetryByType[typeName]; ok {
		return r
	}
	return c.Retry
}

// SessionDir returns the per-session folder under SessionsRoot.
func (c *Config) SessionDir(sessionID string) string {
	return filepath.Join(c.SessionsRoot, sessionID)
}

// WorkflowStateDir returns where a session's workflow state files live.
func (c *Config) WorkflowStateDir(sessionID string) string {
	return filepath.Join(c.SessionDir(sessionID), "workflows")
}

func defaultSessionsRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".apc/sessions"
	}
	return filepath.Join(home, ".apc", "sessions")
}
