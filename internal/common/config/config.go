// Package config provides configuration management for webedt.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Backend names accepted by agent.backend.
const (
	BackendCLI = "cli"
	BackendSDK = "sdk"
)

// Database drivers accepted by database.driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration sections for webedt.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int      `mapstructure:"writeTimeout"` // in seconds, 0 disables (turn streams are long)
	CORSOrigins  []string `mapstructure:"corsOrigins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AgentConfig holds agent backend and turn configuration.
type AgentConfig struct {
	// Backend selects the agent implementation: "cli" or "sdk".
	Backend         string `mapstructure:"backend"`
	Model           string `mapstructure:"model"`
	ReasoningEffort string `mapstructure:"reasoningEffort"`

	// CLIPath overrides executable lookup of CLIName.
	CLIPath string `mapstructure:"cliPath"`
	CLIName string `mapstructure:"cliName"`

	NoActivityTimeout   int `mapstructure:"noActivityTimeout"`   // in seconds, before the first response
	PostResponseTimeout int `mapstructure:"postResponseTimeout"` // in seconds, after a response was seen
	KillGracePeriod     int `mapstructure:"killGracePeriod"`     // in milliseconds
	SessionCacheSize    int `mapstructure:"sessionCacheSize"`

	Instructions  string `mapstructure:"instructions"`
	WorkspaceRoot string `mapstructure:"workspaceRoot"`

	// Env lists KEY=VALUE overrides for the agent process. A list keeps key case,
	// viper lower-cases map keys.
	Env []string `mapstructure:"env"`

	SDK SDKConfig `mapstructure:"sdk"`
}

// SDKConfig configures the in-process Copilot SDK backend.
type SDKConfig struct {
	CLIUrl   string `mapstructure:"cliUrl"`
	LogLevel string `mapstructure:"logLevel"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// NoActivityTimeoutDuration returns the stall bound used before the first response.
func (a *AgentConfig) NoActivityTimeoutDuration() time.Duration {
	return time.Duration(a.NoActivityTimeout) * time.Second
}

// PostResponseTimeoutDuration returns the stall bound used once a response was seen.
func (a *AgentConfig) PostResponseTimeoutDuration() time.Duration {
	return time.Duration(a.PostResponseTimeout) * time.Second
}

// KillGracePeriodDuration returns how long a terminated agent gets before SIGKILL.
func (a *AgentConfig) KillGracePeriodDuration() time.Duration {
	return time.Duration(a.KillGracePeriod) * time.Millisecond
}

// EnvMap parses Env into a map. Entries without '=' are skipped.
func (a *AgentConfig) EnvMap() map[string]string {
	out := make(map[string]string, len(a.Env))
	for _, kv := range a.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("WEBEDT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

const defaultInstructions = `You are a coding agent working inside the user's workspace.
Make the requested changes directly in the files of the workspace and reply with a short summary of what you did.`

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.corsOrigins", []string{"*"})

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "./webedt.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "webedt")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "webedt")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "webedt")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("agent.backend", BackendCLI)
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.reasoningEffort", "")
	v.SetDefault("agent.cliPath", "")
	v.SetDefault("agent.cliName", "cursor-agent")
	v.SetDefault("agent.noActivityTimeout", 300)
	v.SetDefault("agent.postResponseTimeout", 30)
	v.SetDefault("agent.killGracePeriod", 500)
	v.SetDefault("agent.sessionCacheSize", 1024)
	v.SetDefault("agent.instructions", defaultInstructions)
	v.SetDefault("agent.workspaceRoot", "./workspaces")
	v.SetDefault("agent.env", []string{})
	v.SetDefault("agent.sdk.cliUrl", "")
	v.SetDefault("agent.sdk.logLevel", "error")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WEBEDT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/webedt/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WEBEDT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE.
	_ = v.BindEnv("agent.reasoningEffort", "WEBEDT_AGENT_REASONING_EFFORT")
	_ = v.BindEnv("agent.cliPath", "WEBEDT_AGENT_CLI_PATH", "CURSOR_AGENT_PATH")
	_ = v.BindEnv("agent.noActivityTimeout", "WEBEDT_AGENT_NO_ACTIVITY_TIMEOUT")
	_ = v.BindEnv("agent.postResponseTimeout", "WEBEDT_AGENT_POST_RESPONSE_TIMEOUT")
	_ = v.BindEnv("agent.workspaceRoot", "WEBEDT_AGENT_WORKSPACE_ROOT")
	_ = v.BindEnv("agent.sdk.cliUrl", "WEBEDT_AGENT_SDK_CLI_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/webedt/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Watch calls onChange with the re-decoded configuration every time the config
// file changes. It returns false when no config file was found to watch.
// Invalid edits are passed to onError and otherwise ignored.
func Watch(configPath string, onChange func(*Config), onError func(error)) (bool, error) {
	v, err := newViper(configPath)
	if err != nil {
		return false, err
	}
	if v.ConfigFileUsed() == "" {
		return false, nil
	}
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return true, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case DriverSQLite:
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	switch strings.ToLower(cfg.Agent.Backend) {
	case BackendCLI, BackendSDK:
	default:
		errs = append(errs, "agent.backend must be one of: cli, sdk")
	}
	if cfg.Agent.NoActivityTimeout <= 0 {
		errs = append(errs, "agent.noActivityTimeout must be positive")
	}
	if cfg.Agent.PostResponseTimeout <= 0 {
		errs = append(errs, "agent.postResponseTimeout must be positive")
	}
	if cfg.Agent.SessionCacheSize <= 0 {
		errs = append(errs, "agent.sessionCacheSize must be positive")
	}
	if cfg.Agent.KillGracePeriod < 0 {
		errs = append(errs, "agent.killGracePeriod must not be negative")
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
