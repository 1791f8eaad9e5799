// Package config loads flowroll settings from defaults, an optional config
// file and FLOWROLL_* environment variables, in increasing precedence.
//
//	# ~/.flowroll/flowroll.yaml
//	remote:
//	  url: https://example.supabase.co
//	  api_key: public-anon-key
//	sync:
//	  interval: 5m
//
//	FLOWROLL_REMOTE_URL=https://... fr sync run
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvPrefix prefixes every environment variable, e.g. FLOWROLL_DATA_DIR.
const EnvPrefix = "FLOWROLL"

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the full configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// StorageConfig selects the local storage backend.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	FileLock bool   `mapstructure:"file_lock"`
}

// RemoteConfig points at the hosted backend.
type RemoteConfig struct {
	URL             string        `mapstructure:"url"`
	APIKey          string        `mapstructure:"api_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
	AvatarBucket    string        `mapstructure:"avatar_bucket"`
	GroupIconBucket string        `mapstructure:"group_icon_bucket"`
}

// SyncConfig tunes the coordinator and the daemon.
type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Debounce    time.Duration `mapstructure:"debounce"`
	Concurrency int           `mapstructure:"concurrency"`
}

// DashboardConfig configures the sync event dashboard.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig configures log output. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultDataDir returns ~/.flowroll, or .flowroll when the home directory
// is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowroll"
	}
	return filepath.Join(home, ".flowroll")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.file_lock", true)
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.avatar_bucket", "avatars")
	v.SetDefault("remote.group_icon_bucket", "group-icons")
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.debounce", 2*time.Second)
	v.SetDefault("sync.concurrency", 1)
	v.SetDefault("dashboard.port", 8787)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file. It must exist.
	File string

	// SearchDirs are searched for flowroll.{yaml,toml,json} when File is
	// empty. Defaults to the working directory and the default data dir.
	SearchDirs []string

	// Fs overrides the filesystem config files are read from.
	Fs afero.Fs
}

// Load reads the configuration.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	if opts.Fs != nil {
		v.SetFs(opts.Fs)
	}
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.File, err)
		}
	} else {
		v.SetConfigName("flowroll")
		dirs := opts.SearchDirs
		if dirs == nil {
			dirs = []string{".", DefaultDataDir()}
		}
		for _, dir := range dirs {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok || (rest != "" && rest[0] != '/' && rest[0] != filepath.Separator) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// Validate checks values that would otherwise fail later and far from
// their source.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("storage.backend must be %q or %q (got %q)", BackendFile, BackendSQLite, c.Storage.Backend)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive (got %s)", c.Remote.Timeout)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive (got %s)", c.Sync.Interval)
	}
	if c.Sync.Debounce < 0 {
		return fmt.Errorf("sync.debounce must not be negative (got %s)", c.Sync.Debounce)
	}
	if c.Sync.Concurrency < 1 || c.Sync.Concurrency > 4 {
		return fmt.Errorf("sync.concurrency must be between 1 and 4 (got %d)", c.Sync.Concurrency)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be a valid port (got %d)", c.Dashboard.Port)
	}
	return nil
}

// RequireRemote reports an error when no backend URL is configured. Only
// commands that talk to the backend call it.
func (c *Config) RequireRemote() error {
	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is not set; add it to the config file or set %s_REMOTE_URL", EnvPrefix)
	}
	return nil
}

// SQLitePath is the database file used by the sqlite backend.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "flowroll.db")
}

// Writer returns the log destination: a size-rotated file when File is set,
// stderr otherwise.
func (l LogConfig) Writer() io.Writer {
	if l.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
		Compress:   true,
	}
}
