// Package config provides configuration management for amp-acp.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/edlsh/amp-acp/internal/common/logger"
)

// NestingPolicy controls how nested (sub-agent) tool calls are presented.
type NestingPolicy string

const (
	// NestingFlat surfaces nested tool calls as ordinary top-level tool calls.
	NestingFlat NestingPolicy = "flat"
	// NestingInline folds nested tool calls into the parent's content.
	NestingInline NestingPolicy = "inline"
	// NestingSeparate surfaces nested calls as distinct calls marked as children.
	NestingSeparate NestingPolicy = "separate"
)

// PermissionMode mirrors the backend's permission prompting modes.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypass      PermissionMode = "bypassPermissions"
	PermissionPlan        PermissionMode = "plan"
)

// Config holds all configuration sections for amp-acp.
type Config struct {
	Backend     BackendConfig        `mapstructure:"backend"`
	Prompt      PromptConfig         `mapstructure:"prompt"`
	Display     DisplayConfig        `mapstructure:"display"`
	Breaker     BreakerConfig        `mapstructure:"breaker"`
	Permissions PermissionsConfig    `mapstructure:"permissions"`
	Store       StoreConfig          `mapstructure:"store"`
	Events      EventsConfig         `mapstructure:"events"`
	Listen      ListenConfig         `mapstructure:"listen"`
	Logging     logger.LoggingConfig `mapstructure:"logging"`
}

// BackendConfig describes how to invoke the Amp CLI.
type BackendConfig struct {
	// Command is the CLI executable, resolved against PATH.
	Command string `mapstructure:"command"`
	// Args are extra arguments appended to every invocation.
	Args []string `mapstructure:"args"`
	// WorkDir overrides the working directory requested by the client.
	WorkDir string `mapstructure:"workDir"`
	// InProcess selects the embedded engine instead of the subprocess CLI.
	InProcess bool `mapstructure:"inProcess"`
}

// PromptConfig bounds a single prompt turn.
type PromptConfig struct {
	TimeoutSeconds      int `mapstructure:"timeoutSeconds"`
	StaleToolAgeSeconds int `mapstructure:"staleToolAgeSeconds"`
}

// DisplayConfig controls notification rendering.
type DisplayConfig struct {
	NestedPolicy string `mapstructure:"nestedPolicy"`
	// MaxListedFailures caps failed child entries shown beyond the first two.
	MaxListedFailures int `mapstructure:"maxListedFailures"`
	// RecentCompleted is how many recent completed children stay listed.
	RecentCompleted int `mapstructure:"recentCompleted"`
}

// BreakerConfig tunes the backend-spawn circuit breaker.
type BreakerConfig struct {
	FailureThreshold     int `mapstructure:"failureThreshold"`
	ResetIntervalSeconds int `mapstructure:"resetIntervalSeconds"`
}

// PermissionsConfig controls tool-permission prompting.
type PermissionsConfig struct {
	Mode                  string `mapstructure:"mode"`
	BridgeAddr            string `mapstructure:"bridgeAddr"`
	RequestTimeoutSeconds int    `mapstructure:"requestTimeoutSeconds"`
}

// StoreConfig locates the thread store. An empty path disables persistence
// and with it the session load capability.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// EventsConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type EventsConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ListenConfig selects the serving transport. An empty address serves the
// protocol on stdio.
type ListenConfig struct {
	Addr string `mapstructure:"addr"`
}

// Timeout returns the prompt timeout as a time.Duration.
func (p *PromptConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// StaleToolAge returns the stale tool-call age as a time.Duration.
func (p *PromptConfig) StaleToolAge() time.Duration {
	return time.Duration(p.StaleToolAgeSeconds) * time.Second
}

// ResetInterval returns the breaker reset interval as a time.Duration.
func (b *BreakerConfig) ResetInterval() time.Duration {
	return time.Duration(b.ResetIntervalSeconds) * time.Second
}

// RequestTimeout returns the permission request timeout as a time.Duration.
func (p *PermissionsConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}

// Policy returns the nested display policy, defaulting to inline.
func (d *DisplayConfig) Policy() NestingPolicy {
	switch NestingPolicy(d.NestedPolicy) {
	case NestingFlat, NestingInline, NestingSeparate:
		return NestingPolicy(d.NestedPolicy)
	default:
		return NestingInline
	}
}

// defaultStorePath places the thread database under the user config dir.
func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "amp-acp", "threads.db")
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AMPACP_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Backend defaults
	v.SetDefault("backend.command", "amp")
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.workDir", "")
	v.SetDefault("backend.inProcess", false)

	// Prompt defaults
	v.SetDefault("prompt.timeoutSeconds", 3600)
	v.SetDefault("prompt.staleToolAgeSeconds", 600)

	// Display defaults
	v.SetDefault("display.nestedPolicy", string(NestingInline))
	v.SetDefault("display.maxListedFailures", 3)
	v.SetDefault("display.recentCompleted", 3)

	// Breaker defaults
	v.SetDefault("breaker.failureThreshold", 3)
	v.SetDefault("breaker.resetIntervalSeconds", 30)

	// Permission defaults
	v.SetDefault("permissions.mode", string(PermissionDefault))
	v.SetDefault("permissions.bridgeAddr", "127.0.0.1:0")
	v.SetDefault("permissions.requestTimeoutSeconds", 300)

	// Store defaults
	v.SetDefault("store.path", defaultStorePath())

	// Event bus defaults - empty URL means use the in-memory bus
	v.SetDefault("events.url", "")
	v.SetDefault("events.clientId", "amp-acp")
	v.SetDefault("events.maxReconnects", 10)

	// Listen defaults - empty means stdio
	v.SetDefault("listen.addr", "")

	// Logging defaults - stderr keeps stdout clean for the protocol stream
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AMPACP_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
// The config file is named amp-acp.yaml.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AMPACP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// An exported-but-empty variable counts as set. Several keys use the
	// empty string as an off switch (store.path, permissions.bridgeAddr,
	// events.url) and that has to be expressible from the environment too.
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("backend.command", "AMPACP_BACKEND_COMMAND", "AMP_BIN")
	_ = v.BindEnv("backend.workDir", "AMPACP_BACKEND_WORK_DIR")
	_ = v.BindEnv("backend.inProcess", "AMPACP_BACKEND_IN_PROCESS")
	_ = v.BindEnv("prompt.timeoutSeconds", "AMPACP_PROMPT_TIMEOUT_SECONDS")
	_ = v.BindEnv("prompt.staleToolAgeSeconds", "AMPACP_PROMPT_STALE_TOOL_AGE_SECONDS")
	_ = v.BindEnv("display.nestedPolicy", "AMPACP_DISPLAY_NESTED_POLICY")
	_ = v.BindEnv("display.maxListedFailures", "AMPACP_DISPLAY_MAX_LISTED_FAILURES")
	_ = v.BindEnv("display.recentCompleted", "AMPACP_DISPLAY_RECENT_COMPLETED")
	_ = v.BindEnv("breaker.failureThreshold", "AMPACP_BREAKER_FAILURE_THRESHOLD")
	_ = v.BindEnv("breaker.resetIntervalSeconds", "AMPACP_BREAKER_RESET_INTERVAL_SECONDS")
	_ = v.BindEnv("permissions.mode", "AMPACP_PERMISSIONS_MODE")
	_ = v.BindEnv("permissions.bridgeAddr", "AMPACP_PERMISSIONS_BRIDGE_ADDR")
	_ = v.BindEnv("permissions.requestTimeoutSeconds", "AMPACP_PERMISSIONS_REQUEST_TIMEOUT_SECONDS")
	_ = v.BindEnv("store.path", "AMPACP_STORE_PATH")
	_ = v.BindEnv("events.url", "AMPACP_EVENTS_URL", "NATS_URL")
	_ = v.BindEnv("events.clientId", "AMPACP_EVENTS_CLIENT_ID")
	_ = v.BindEnv("events.maxReconnects", "AMPACP_EVENTS_MAX_RECONNECTS")
	_ = v.BindEnv("listen.addr", "AMPACP_LISTEN_ADDR")

	v.SetConfigName("amp-acp")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "amp-acp"))
	}

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

	if !cfg.Backend.InProcess && cfg.Backend.Command == "" {
		errs = append(errs, "backend.command is required when backend.inProcess is false")
	}

	if cfg.Prompt.TimeoutSeconds <= 0 {
		errs = append(errs, "prompt.timeoutSeconds must be positive")
	}
	if cfg.Prompt.StaleToolAgeSeconds <= 0 {
		errs = append(errs, "prompt.staleToolAgeSeconds must be positive")
	}

	switch NestingPolicy(cfg.Display.NestedPolicy) {
	case NestingFlat, NestingInline, NestingSeparate:
	default:
		errs = append(errs, "display.nestedPolicy must be one of: flat, inline, separate")
	}
	if cfg.Display.MaxListedFailures < 0 {
		errs = append(errs, "display.maxListedFailures must not be negative")
	}
	if cfg.Display.RecentCompleted < 0 {
		errs = append(errs, "display.recentCompleted must not be negative")
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "breaker.failureThreshold must be positive")
	}
	if cfg.Breaker.ResetIntervalSeconds <= 0 {
		errs = append(errs, "breaker.resetIntervalSeconds must be positive")
	}

	switch PermissionMode(cfg.Permissions.Mode) {
	case PermissionDefault, PermissionAcceptEdits, PermissionBypass, PermissionPlan:
	default:
		errs = append(errs, "permissions.mode must be one of: default, acceptEdits, bypassPermissions, plan")
	}
	if cfg.Permissions.RequestTimeoutSeconds <= 0 {
		errs = append(errs, "permissions.requestTimeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
