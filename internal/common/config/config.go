// Package config provides configuration management for the coderelay daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Database DatabaseConfig `mapstructure:"database"`
	Events   EventsConfig   `mapstructure:"events"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Projects ProjectsConfig `mapstructure:"projects"`
	Push     PushConfig     `mapstructure:"push"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"readTimeout"`     // in seconds
	WriteTimeout    int    `mapstructure:"writeTimeout"`    // in seconds; 0 disables (required for SSE)
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"` // in seconds
}

// AuthConfig holds bearer-token authentication configuration.
// An empty token disables authentication entirely.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	// Command is the agent binary to spawn; Args are passed verbatim.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Workdir string   `mapstructure:"workdir"`

	// RequestTimeout bounds individual JSON-RPC calls to the agent (seconds).
	RequestTimeout int `mapstructure:"requestTimeout"`

	// ApprovalTimeout records a "timeout" decision on approvals that stay
	// pending this long (seconds). 0 disables the timeout.
	ApprovalTimeout int `mapstructure:"approvalTimeout"`

	// InterruptDeadline bounds how long a cancel waits for the agent to
	// confirm turn/interrupt before the job is forced to CANCELLED (seconds).
	InterruptDeadline int `mapstructure:"interruptDeadline"`
}

// DatabaseConfig holds the embedded database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EventsConfig holds event log and bus configuration.
type EventsConfig struct {
	// Retention is the per-job event ring size; older entries expire cursors.
	Retention int `mapstructure:"retention"`

	// PendingDeltaMaxBytes caps accumulated assistant-message bytes per job.
	PendingDeltaMaxBytes int `mapstructure:"pendingDeltaMaxBytes"`

	// NatsURL selects the NATS event bus backend; empty means in-memory.
	NatsURL string `mapstructure:"natsUrl"`
}

// TerminalConfig holds PTY terminal session configuration.
type TerminalConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Shell         string `mapstructure:"shell"`         // empty: $SHELL, then /bin/sh
	IdleTTL       int    `mapstructure:"idleTtl"`       // in seconds
	SweepInterval int    `mapstructure:"sweepInterval"` // in seconds
	RingMaxBytes  int    `mapstructure:"ringMaxBytes"`
	ScreenCols    int    `mapstructure:"screenCols"`
	ScreenRows    int    `mapstructure:"screenRows"`
}

// ProjectsConfig holds the project allowlist configuration.
type ProjectsConfig struct {
	// File points at a projects.yaml allowlist; empty skips file loading.
	File string `mapstructure:"file"`
	// Roots is an inline allowlist merged with the file entries.
	Roots []string `mapstructure:"roots"`
}

// PushConfig holds push provider configuration.
// An empty ProviderURL disables push delivery.
type PushConfig struct {
	ProviderURL string `mapstructure:"providerUrl"`
	AuthToken   string `mapstructure:"authToken"`
	Timeout     int    `mapstructure:"timeout"` // in seconds
}

// TransferConfig holds thread export/import configuration.
type TransferConfig struct {
	ExportDir string `mapstructure:"exportDir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the shutdown timeout as a time.Duration.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// RequestTimeoutDuration returns the agent request timeout as a time.Duration.
func (a *AgentConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Second
}

// ApprovalTimeoutDuration returns the approval timeout as a time.Duration.
func (a *AgentConfig) ApprovalTimeoutDuration() time.Duration {
	return time.Duration(a.ApprovalTimeout) * time.Second
}

// InterruptDeadlineDuration returns the interrupt deadline as a time.Duration.
func (a *AgentConfig) InterruptDeadlineDuration() time.Duration {
	return time.Duration(a.InterruptDeadline) * time.Second
}

// IdleTTLDuration returns the terminal idle TTL as a time.Duration.
func (t *TerminalConfig) IdleTTLDuration() time.Duration {
	return time.Duration(t.IdleTTL) * time.Second
}

// SweepIntervalDuration returns the sweep interval as a time.Duration.
func (t *TerminalConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(t.SweepInterval) * time.Second
}

// TimeoutDuration returns the push provider timeout as a time.Duration.
func (p *PushConfig) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" for explicit production environments, "text" for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("CODERELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults. The daemon binds loopback by default; remote access is
	// expected to arrive through a tunnel on the same host.
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // long-lived SSE/WS responses
	v.SetDefault("server.shutdownTimeout", 30)

	// Auth defaults - empty token means auth disabled (local development)
	v.SetDefault("auth.token", "")

	// Agent defaults
	v.SetDefault("agent.command", "codex")
	v.SetDefault("agent.args", []string{"app-server"})
	v.SetDefault("agent.workdir", "")
	v.SetDefault("agent.requestTimeout", 60)
	v.SetDefault("agent.approvalTimeout", 0)
	v.SetDefault("agent.interruptDeadline", 10)

	// Database defaults
	v.SetDefault("database.path", "./coderelay.db")

	// Events defaults - empty NATS URL means use in-memory event bus
	v.SetDefault("events.retention", 2000)
	v.SetDefault("events.pendingDeltaMaxBytes", 5*1024*1024)
	v.SetDefault("events.natsUrl", "")

	// Terminal defaults
	v.SetDefault("terminal.enabled", true)
	v.SetDefault("terminal.shell", "")
	v.SetDefault("terminal.idleTtl", 900)
	v.SetDefault("terminal.sweepInterval", 60)
	v.SetDefault("terminal.ringMaxBytes", 1024*1024)
	v.SetDefault("terminal.screenCols", 80)
	v.SetDefault("terminal.screenRows", 24)

	// Projects defaults - empty allowlist admits any absolute path
	v.SetDefault("projects.file", "")
	v.SetDefault("projects.roots", []string{})

	// Push defaults - empty provider URL disables push
	v.SetDefault("push.providerUrl", "")
	v.SetDefault("push.authToken", "")
	v.SetDefault("push.timeout", 10)

	// Transfer defaults
	v.SetDefault("transfer.exportDir", "./exports")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODERELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ./config, or /etc/coderelay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CODERELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.port", "PORT", "CODERELAY_SERVER_PORT")
	_ = v.BindEnv("database.path", "CODERELAY_DB_PATH", "CODERELAY_DATABASE_PATH")
	_ = v.BindEnv("agent.command", "CODERELAY_AGENT_COMMAND")
	_ = v.BindEnv("agent.requestTimeout", "CODERELAY_AGENT_REQUEST_TIMEOUT")
	_ = v.BindEnv("agent.approvalTimeout", "CODERELAY_AGENT_APPROVAL_TIMEOUT")
	_ = v.BindEnv("events.retention", "CODERELAY_EVENTS_RETENTION")
	_ = v.BindEnv("events.pendingDeltaMaxBytes", "CODERELAY_EVENTS_PENDING_DELTA_MAX_BYTES")
	_ = v.BindEnv("events.natsUrl", "CODERELAY_EVENTS_NATS_URL")
	_ = v.BindEnv("terminal.idleTtl", "CODERELAY_TERMINAL_IDLE_TTL")
	_ = v.BindEnv("terminal.sweepInterval", "CODERELAY_TERMINAL_SWEEP_INTERVAL")
	_ = v.BindEnv("terminal.ringMaxBytes", "CODERELAY_TERMINAL_RING_MAX_BYTES")
	_ = v.BindEnv("push.providerUrl", "CODERELAY_PUSH_PROVIDER_URL")
	_ = v.BindEnv("push.authToken", "CODERELAY_PUSH_AUTH_TOKEN")
	_ = v.BindEnv("transfer.exportDir", "CODERELAY_TRANSFER_EXPORT_DIR")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/coderelay/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.RequestTimeout <= 0 {
		errs = append(errs, "agent.requestTimeout must be positive")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Events.Retention <= 0 {
		errs = append(errs, "events.retention must be positive")
	}
	if cfg.Events.PendingDeltaMaxBytes <= 0 {
		errs = append(errs, "events.pendingDeltaMaxBytes must be positive")
	}

	if cfg.Terminal.Enabled {
		if cfg.Terminal.IdleTTL <= 0 {
			errs = append(errs, "terminal.idleTtl must be positive")
		}
		if cfg.Terminal.SweepInterval <= 0 {
			errs = append(errs, "terminal.sweepInterval must be positive")
		}
		if cfg.Terminal.RingMaxBytes <= 0 {
			errs = append(errs, "terminal.ringMaxBytes must be positive")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
