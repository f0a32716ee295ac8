package config

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
//
// Sources, highest precedence first:
//  1. CLI flags bound through LoadOptions.Flags
//  2. Environment variables (LAZYTREE_*)
//  3. config.yaml in the enlistment's dot directory, then ~/.config/lazytree
//  4. Defaults from ApplyDefaults
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Background BackgroundConfig `mapstructure:"background" yaml:"background"`
	Lock       LockConfig       `mapstructure:"lock" yaml:"lock"`
	Mount      MountConfig      `mapstructure:"mount" yaml:"mount"`
	Hooks      HooksConfig      `mapstructure:"hooks" yaml:"hooks"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is the minimum level written to the log files.
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error"`
	// Dir overrides the log directory. Empty means <dot>/logs.
	Dir string `mapstructure:"dir" yaml:"dir,omitempty"`
	// Console mirrors INFO/WARN/ERROR to stdout/stderr.
	Console bool `mapstructure:"console" yaml:"console"`
}

// DatabaseConfig sizes the SQLite connection pool.
type DatabaseConfig struct {
	InitialConnections int           `mapstructure:"initial_connections" yaml:"initial_connections" validate:"gte=1,lte=64"`
	ConnectionWait     time.Duration `mapstructure:"connection_wait" yaml:"connection_wait" validate:"gt=0"`
	BusyTimeout        time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout" validate:"gte=0"`
}

// BackgroundConfig tunes the drain worker.
type BackgroundConfig struct {
	RetryMinBackoff time.Duration `mapstructure:"retry_min_backoff" yaml:"retry_min_backoff" validate:"gt=0"`
	RetryMaxBackoff time.Duration `mapstructure:"retry_max_backoff" yaml:"retry_max_backoff" validate:"gtefield=RetryMinBackoff"`
	MaxBatch        int           `mapstructure:"max_batch" yaml:"max_batch" validate:"gte=1"`
	ReplayTimeout   time.Duration `mapstructure:"replay_timeout" yaml:"replay_timeout" validate:"gt=0"`
}

// LockConfig tunes the git command lock.
type LockConfig struct {
	// LivenessTimeout bounds the PID probe run against an external holder.
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout" yaml:"liveness_timeout" validate:"gt=0"`
}

// MountConfig controls mount orchestration and waiting clients.
type MountConfig struct {
	// WaitTimeout overrides the WaitUntilMounted bound. Zero picks the
	// interactive or unattended default.
	WaitTimeout  time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout" validate:"gte=0"`
	Unattended   bool          `mapstructure:"unattended" yaml:"unattended"`
	FailedLinger time.Duration `mapstructure:"failed_linger" yaml:"failed_linger" validate:"gte=0"`
	// Watch enables the fsnotify notification source in place of a kernel provider.
	Watch bool `mapstructure:"watch" yaml:"watch"`
}

// HooksConfig locates the native hook executables.
type HooksConfig struct {
	InstallDir string `mapstructure:"install_dir" yaml:"install_dir"`
}

// CacheConfig sizes the projection cache on the read path.
type CacheConfig struct {
	ProjectionTTL      time.Duration `mapstructure:"projection_ttl" yaml:"projection_ttl" validate:"gt=0"`
	ProjectionCapacity uint64        `mapstructure:"projection_capacity" yaml:"projection_capacity" validate:"gte=1"`
}

const (
	interactiveWaitTimeout = 60 * time.Second
	unattendedWaitTimeout  = 300 * time.Second
)

// EffectiveWaitTimeout returns the bound WaitUntilMounted should use.
func (c MountConfig) EffectiveWaitTimeout() time.Duration {
	if c.WaitTimeout > 0 {
		return c.WaitTimeout
	}
	if c.Unattended {
		return unattendedWaitTimeout
	}
	return interactiveWaitTimeout
}

// LoadOptions locates configuration sources.
type LoadOptions struct {
	// DotRoot is the enlistment's dot directory; its config.yaml is searched first.
	DotRoot string
	// ConfigPath is an explicit config file. It disables the search.
	ConfigPath string
	// Flags are bound to config keys by name (see flagKeys).
	Flags *pflag.FlagSet
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"log-level":  "logging.level",
	"console":    "logging.console",
	"unattended": "mount.unattended",
	"watch":      "mount.watch",
	"hooks-dir":  "hooks.install_dir",
}

// Load reads configuration from file, environment and flags, applies
// defaults and validates the result.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	setupViper(v, opts)

	if err := bindFlags(v, opts.Flags); err != nil {
		return nil, err
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := expandPaths(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variable support and the config file search.
func setupViper(v *viper.Viper, opts LoadOptions) {
	// Example: LAZYTREE_DATABASE_INITIAL_CONNECTIONS=8
	v.SetEnvPrefix("LAZYTREE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range allKeys() {
		v.BindEnv(key) //nolint:errcheck
	}

	if opts.ConfigPath != "" {
		v.SetConfigFile(opts.ConfigPath)
		return
	}

	if opts.DotRoot != "" {
		v.AddConfigPath(opts.DotRoot)
	}
	if dir := userConfigDir(); dir != "" {
		v.AddConfigPath(dir)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// No config file: defaults and environment only.
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func expandPaths(cfg *Config) error {
	var err error
	if cfg.Logging.Dir, err = homedir.Expand(cfg.Logging.Dir); err != nil {
		return fmt.Errorf("expand logging.dir: %w", err)
	}
	if cfg.Hooks.InstallDir, err = homedir.Expand(cfg.Hooks.InstallDir); err != nil {
		return fmt.Errorf("expand hooks.install_dir: %w", err)
	}
	return nil
}

// userConfigDir returns ~/.config/lazytree, or "" if the home directory is unknown.
func userConfigDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "lazytree")
}

// allKeys lists every config key. Keep in sync with the mapstructure tags.
func allKeys() []string {
	return []string{
		"logging.level", "logging.dir", "logging.console",
		"database.initial_connections", "database.connection_wait", "database.busy_timeout",
		"background.retry_min_backoff", "background.retry_max_backoff", "background.max_batch", "background.replay_timeout",
		"lock.liveness_timeout",
		"mount.wait_timeout", "mount.unattended", "mount.failed_linger", "mount.watch",
		"hooks.install_dir",
		"cache.projection_ttl", "cache.projection_capacity",
	}
}

// Write serializes cfg as YAML.
func Write(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
