// Package config loads treesync configuration from file, environment and flags.
//
// Precedence, highest first: command-line flags bound with BindFlags,
// TREESYNC_* environment variables (dots become underscores, so
// TREESYNC_WATCH_DEBOUNCE sets watch.debounce), the config file, defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/treesync/treesync/internal/mirror/filter"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "TREESYNC"

// Config is the decoded configuration.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Watch        WatchConfig        `mapstructure:"watch"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Log          LogConfig          `mapstructure:"log"`
	Filter       FilterConfig       `mapstructure:"filter"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

type QueueConfig struct {
	Retention   time.Duration `mapstructure:"retention"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type HousekeepingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig controls the optional rotating log file. An empty File logs to
// stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// FilterConfig holds inline filter rules plus an optional filter file whose
// rules are merged on top.
type FilterConfig struct {
	filter.Config `mapstructure:",squash"`
	File          string `mapstructure:"file"`
}

// DefaultDatabasePath returns ~/.treesync/mirror.db, or a path relative to
// the working directory if the home directory is unknown.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".treesync", "mirror.db")
	}
	return filepath.Join(home, ".treesync", "mirror.db")
}

// New returns a viper instance with defaults, environment binding and the
// standard config search path (./treesync.* then ~/.config/treesync/treesync.*).
func New() *viper.Viper {
	v := viper.New()

	v.SetConfigName("treesync")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "treesync"))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath())

	v.SetDefault("watch.debounce", 500*time.Millisecond)
	v.SetDefault("watch.max_wait", 10*time.Second)

	v.SetDefault("queue.retention", 24*time.Hour)
	v.SetDefault("queue.stale_after", 10*time.Minute)
	v.SetDefault("queue.max_attempts", 3)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.batch_size", 32)
	v.SetDefault("worker.poll_interval", time.Second)

	v.SetDefault("housekeeping.interval", time.Minute)

	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	def := filter.DefaultConfig()
	v.SetDefault("filter.blocked_folders", def.BlockedFolders)
	v.SetDefault("filter.blocked_extensions", def.BlockedExtensions)
	v.SetDefault("filter.allowed_extensions", def.AllowedExtensions)
	v.SetDefault("filter.blocked_filenames", def.BlockedFilenames)
	v.SetDefault("filter.blocked_patterns", def.BlockedPatterns)
	v.SetDefault("filter.file", "")
}

// BindFlags binds the persistent root flags --db so they take precedence
// over file and environment.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if f := flags.Lookup("db"); f != nil {
		if err := v.BindPFlag("database.path", f); err != nil {
			return fmt.Errorf("failed to bind --db: %w", err)
		}
	}
	return nil
}

// Load reads configFile (or searches the default locations when it is
// empty) and decodes the result. A missing config file is only an error if
// it was named explicitly.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return decode(v)
}

// Watch calls onChange with the re-decoded configuration whenever the
// config file in use is written. It does nothing if no file was loaded.
func Watch(v *viper.Viper, onChange func(*Config, error)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(fsnotify.Event) {
		onChange(decode(v))
	})
	v.WatchConfig()
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Watch.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("watch.debounce must be positive, got %v", c.Watch.Debounce))
	}
	if c.Watch.MaxWait < 0 {
		errs = append(errs, fmt.Errorf("watch.max_wait cannot be negative, got %v", c.Watch.MaxWait))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency))
	}
	if c.Worker.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be at least 1, got %d", c.Worker.BatchSize))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// BuildFilter compiles the configured rules, merging in the filter file if
// one is set.
func (c *Config) BuildFilter() (*filter.Filter, error) {
	rules := c.Filter.Config
	if c.Filter.File != "" {
		extra, err := filter.LoadFile(c.Filter.File)
		if err != nil {
			return nil, err
		}
		rules = filter.Merge(rules, extra)
	}
	return filter.New(rules)
}
