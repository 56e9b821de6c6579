package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jedarden/forge/internal/discovery"
	"github.com/jedarden/forge/internal/fsutil"
	"github.com/jedarden/forge/internal/launcher"
	"github.com/jedarden/forge/internal/logging"
	"github.com/jedarden/forge/internal/tmux"
	"github.com/jedarden/forge/internal/workspace"
)

const (
	// FileName is the config file name inside the workspace's .forge directory.
	FileName = "config.yaml"
	// EnvPrefix prefixes environment overrides, e.g. FORGE_LAUNCHER.
	EnvPrefix = "FORGE"
)

// Config represents .forge/config.yaml.
type Config struct {
	Launcher           string            `mapstructure:"launcher" yaml:"launcher"`
	SessionPrefix      string            `mapstructure:"session_prefix" yaml:"session_prefix"`
	SpawnTimeoutS      int               `mapstructure:"spawn_timeout_s" yaml:"spawn_timeout_s"`
	DefaultModel       string            `mapstructure:"default_model" yaml:"default_model"`
	DefaultTier        string            `mapstructure:"default_tier" yaml:"default_tier"`
	Ping               Ping              `mapstructure:"ping" yaml:"ping"`
	Discovery          Discovery         `mapstructure:"discovery" yaml:"discovery"`
	Workspaces         []string          `mapstructure:"workspaces" yaml:"workspaces"`
	ReconcileIntervalS int               `mapstructure:"reconcile_interval_s" yaml:"reconcile_interval_s"`
	LogLevel           string            `mapstructure:"log_level" yaml:"log_level"`
	LogFormat          string            `mapstructure:"log_format" yaml:"log_format"`
	StateDir           string            `mapstructure:"state_dir" yaml:"state_dir"`
	Env                map[string]string `mapstructure:"env" yaml:"env"`
}

// Ping contains liveness check settings.
type Ping struct {
	TimeoutMs        int `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
}

// Discovery contains session discovery settings.
type Discovery struct {
	IdleThresholdS   int      `mapstructure:"idle_threshold_s" yaml:"idle_threshold_s"`
	ExecutorPrefixes []string `mapstructure:"executor_prefixes" yaml:"executor_prefixes"`
}

// GenerateDefault creates a Config with default values.
func GenerateDefault() *Config {
	return &Config{
		Launcher:      "",
		SessionPrefix: launcher.DefaultSessionPrefix,
		SpawnTimeoutS: int(launcher.DefaultSpawnTimeout / time.Second),
		DefaultModel:  "sonnet",
		DefaultTier:   string(launcher.TierStandard),
		Ping: Ping{
			TimeoutMs:        5000,
			FailureThreshold: 2,
		},
		Discovery: Discovery{
			IdleThresholdS:   int(discovery.DefaultIdleThreshold / time.Second),
			ExecutorPrefixes: append([]string(nil), discovery.DefaultExecutorPrefixes...),
		},
		Workspaces:         []string{},
		ReconcileIntervalS: 15,
		LogLevel:           "info",
		LogFormat:          "text",
		StateDir:           workspace.ForgeDir,
		Env:                map[string]string{},
	}
}

// Path returns the config file location for a workspace root.
func Path(root string) string {
	return filepath.Join(workspace.StateDir(root), FileName)
}

// Load reads the config for root. A missing file yields the defaults; FORGE_*
// environment variables override file values.
func Load(root string) (*Config, error) {
	return LoadFile(Path(root))
}

// LoadFile reads the config at path with defaults and environment overrides.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, GenerateDefault())

	exists, err := fsutil.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
	}
	if exists {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	// viper lowercases map keys; environment names are conventionally upper case.
	env := make(map[string]string, len(cfg.Env))
	for k, val := range cfg.Env {
		env[strings.ToUpper(k)] = val
	}
	cfg.Env = env
	return &cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("launcher", cfg.Launcher)
	v.SetDefault("session_prefix", cfg.SessionPrefix)
	v.SetDefault("spawn_timeout_s", cfg.SpawnTimeoutS)
	v.SetDefault("default_model", cfg.DefaultModel)
	v.SetDefault("default_tier", cfg.DefaultTier)

	v.SetDefault("ping.timeout_ms", cfg.Ping.TimeoutMs)
	v.SetDefault("ping.failure_threshold", cfg.Ping.FailureThreshold)

	v.SetDefault("discovery.idle_threshold_s", cfg.Discovery.IdleThresholdS)
	v.SetDefault("discovery.executor_prefixes", cfg.Discovery.ExecutorPrefixes)

	v.SetDefault("workspaces", cfg.Workspaces)
	v.SetDefault("reconcile_interval_s", cfg.ReconcileIntervalS)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("env", cfg.Env)
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.SessionPrefix != "" {
		if err := tmux.ValidateSessionName(c.SessionPrefix + "x"); err != nil {
			return fmt.Errorf("configuration error: invalid 'session_prefix' value: %q\n\nHint: Session names may only contain letters, digits, '_' and '-':\n  session_prefix: forge-", c.SessionPrefix)
		}
	}

	if c.SpawnTimeoutS <= 0 {
		return fmt.Errorf("configuration error: invalid 'spawn_timeout_s' value: %d\n\nHint: The launcher script needs a positive timeout in seconds:\n  spawn_timeout_s: 30", c.SpawnTimeoutS)
	}

	if _, err := launcher.ParseTier(c.DefaultTier); err != nil {
		return fmt.Errorf("configuration error: invalid 'default_tier' value: %q\n\nHint: Use one of premium, standard or budget:\n  default_tier: standard", c.DefaultTier)
	}

	if c.Ping.TimeoutMs <= 0 {
		return fmt.Errorf("configuration error: invalid 'ping.timeout_ms' value: %d\n\nHint: Pings need a positive timeout:\n  ping:\n    timeout_ms: 5000", c.Ping.TimeoutMs)
	}
	if c.Ping.FailureThreshold < 1 {
		return fmt.Errorf("configuration error: invalid 'ping.failure_threshold' value: %d\n\nHint: A worker is marked unresponsive after this many consecutive failures:\n  ping:\n    failure_threshold: 2", c.Ping.FailureThreshold)
	}

	if c.Discovery.IdleThresholdS <= 0 {
		return fmt.Errorf("configuration error: invalid 'discovery.idle_threshold_s' value: %d\n\nHint: Use a positive number of seconds:\n  discovery:\n    idle_threshold_s: 300", c.Discovery.IdleThresholdS)
	}
	if len(c.Discovery.ExecutorPrefixes) == 0 {
		return errors.New("configuration error: 'discovery.executor_prefixes' is empty\n\nHint: List the session name prefixes that identify workers:\n  discovery:\n    executor_prefixes: [claude-code, opencode, forge]")
	}
	for _, p := range c.Discovery.ExecutorPrefixes {
		if strings.TrimSpace(p) == "" {
			return errors.New("configuration error: 'discovery.executor_prefixes' contains an empty entry\n\nHint: Remove blank entries from the list")
		}
	}

	if c.ReconcileIntervalS <= 0 {
		return fmt.Errorf("configuration error: invalid 'reconcile_interval_s' value: %d\n\nHint: Use a positive number of seconds:\n  reconcile_interval_s: 15", c.ReconcileIntervalS)
	}

	if _, _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("configuration error: invalid 'log_level' value: %q\n\nHint: Use one of debug, info, warn or error:\n  log_level: info", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("configuration error: invalid 'log_format' value: %q\n\nHint: Use text or json:\n  log_format: text", c.LogFormat)
	}

	for k := range c.Env {
		if k == "" || strings.ContainsAny(k, "= ") {
			return fmt.Errorf("configuration error: invalid 'env' key %q\n\nHint: Environment variable names cannot be empty or contain '=' or spaces", k)
		}
	}
	return nil
}

// SpawnTimeout returns spawn_timeout_s as a duration.
func (c *Config) SpawnTimeout() time.Duration {
	return time.Duration(c.SpawnTimeoutS) * time.Second
}

// PingTimeout returns ping.timeout_ms as a duration.
func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.Ping.TimeoutMs) * time.Millisecond
}

// IdleThreshold returns discovery.idle_threshold_s as a duration.
func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.Discovery.IdleThresholdS) * time.Second
}

// ReconcileInterval returns reconcile_interval_s as a duration.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalS) * time.Second
}

// ResolveLauncher returns the launcher path, relative paths taken from root.
func (c *Config) ResolveLauncher(root string) string {
	return resolve(root, c.Launcher)
}

// ResolveStateDir returns the state directory, relative paths taken from root.
func (c *Config) ResolveStateDir(root string) string {
	if c.StateDir == "" {
		return workspace.StateDir(root)
	}
	return resolve(root, c.StateDir)
}

// WorkspaceRoots returns the configured workspaces, or root alone when none.
func (c *Config) WorkspaceRoots(root string) []string {
	if len(c.Workspaces) == 0 {
		return []string{filepath.Clean(root)}
	}
	out := make([]string, 0, len(c.Workspaces))
	for _, ws := range c.Workspaces {
		out = append(out, resolve(root, ws))
	}
	return out
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// SaveToFile writes the configuration as YAML with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := fsutil.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// WriteDefault writes the default configuration to path.
func WriteDefault(path string) error {
	return GenerateDefault().SaveToFile(path)
}
