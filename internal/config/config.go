// Package config loads diario settings. Values come from defaults, then an
// optional config file (diario.toml or diario.yaml), then DIARIO_* environment
// variables, then command-line flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/autoescola/diario/internal/keyspace"
)

// EnvPrefix prefixes environment overrides: remote.url is DIARIO_REMOTE_URL.
const EnvPrefix = "DIARIO"

// Remote drivers.
const (
	DriverHTTP     = "http"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the full diario configuration.
type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote" toml:"remote"`
	Local     LocalConfig     `mapstructure:"local" toml:"local"`
	Session   SessionConfig   `mapstructure:"session" toml:"session"`
	Migration MigrationConfig `mapstructure:"migration" toml:"migration"`
	Sync      SyncConfig      `mapstructure:"sync" toml:"sync"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`

	// File is the config file that was read, empty when running on defaults.
	File string `mapstructure:"-" toml:"-"`
}

// RemoteConfig selects the remote store.
type RemoteConfig struct {
	Driver string `mapstructure:"driver" toml:"driver"` // http, sqlite, postgres or memory
	URL    string `mapstructure:"url" toml:"url"`       // hosted API base URL (http driver)
	DSN    string `mapstructure:"dsn" toml:"dsn"`       // database path or connection string
}

// LocalConfig configures the on-device cache.
type LocalConfig struct {
	Path      string `mapstructure:"path" toml:"path"`
	Namespace string `mapstructure:"namespace" toml:"namespace"` // bare or identity
}

// SessionConfig locates the session file written by login.
type SessionConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// MigrationConfig configures the legacy data migration.
type MigrationConfig struct {
	Sentinel string   `mapstructure:"sentinel" toml:"sentinel"` // local or remote
	Keys     []string `mapstructure:"keys" toml:"keys"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	WriteRetries int `mapstructure:"write_retries" toml:"write_retries"`
}

// ServerConfig configures diario serve.
type ServerConfig struct {
	Addr string `mapstructure:"addr" toml:"addr"`
}

// LogConfig configures log output.
type LogConfig struct {
	File       string `mapstructure:"file" toml:"file"` // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	Debug      bool   `mapstructure:"debug" toml:"debug"`
}

// Dir returns the per-user diario directory.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config dir: %w", err)
	}
	return filepath.Join(base, "diario"), nil
}

// DefaultPath returns where config init writes the config file.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "diario.toml"), nil
}

// Defaults returns the default value of every key.
func Defaults() map[string]any {
	dir, err := Dir()
	if err != nil {
		dir = "."
	}
	return map[string]any{
		"remote.driver":      DriverHTTP,
		"remote.url":         "http://127.0.0.1:8787",
		"remote.dsn":         filepath.Join(dir, "server.db"),
		"local.path":         filepath.Join(dir, "local.db"),
		"local.namespace":    keyspace.Bare{}.Name(),
		"session.path":       filepath.Join(dir, "session.json"),
		"migration.sentinel": "local",
		"migration.keys":     []string{"students", "lessons", "classes"},
		"sync.write_retries": 0,
		"server.addr":        "127.0.0.1:8787",
		"log.file":           "",
		"log.max_size_mb":    10,
		"log.max_backups":    3,
		"log.debug":          false,
	}
}

// Load reads the configuration. path names an explicit config file; when
// empty the file is searched in the user config dir, /etc/diario and the
// working directory, and a missing file is not an error. Flags of cmd whose
// names match config keys (remote.url, log.debug, ...) override everything.
func Load(cmd *cobra.Command, path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("diario")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath("/etc/diario")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		var bindErr error
		visit := func(f *pflag.Flag) {
			if _, known := Defaults()[f.Name]; known && bindErr == nil {
				bindErr = v.BindPFlag(f.Name, f)
			}
		}
		cmd.Flags().VisitAll(visit)
		cmd.InheritedFlags().VisitAll(visit)
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		if cfg.File != "" {
			return nil, fmt.Errorf("invalid config %s: %w", cfg.File, err)
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the Config has valid field values.
func (c *Config) Validate() error {
	switch c.Remote.Driver {
	case DriverHTTP:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for the http driver")
		}
	case DriverSQLite, DriverPostgres:
		if c.Remote.DSN == "" {
			return fmt.Errorf("remote.dsn is required for the %s driver", c.Remote.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown remote.driver %q (want http, sqlite, postgres or memory)", c.Remote.Driver)
	}
	if _, err := keyspace.ParseNamespace(c.Local.Namespace); err != nil {
		return err
	}
	if c.Migration.Sentinel != "local" && c.Migration.Sentinel != "remote" {
		return fmt.Errorf("migration.sentinel must be local or remote (got %q)", c.Migration.Sentinel)
	}
	for _, key := range c.Migration.Keys {
		if err := keyspace.ValidLogicalKey(key); err != nil {
			return fmt.Errorf("migration.keys: %w", err)
		}
	}
	if c.Sync.WriteRetries < 0 {
		return fmt.Errorf("sync.write_retries must not be negative (got %d)", c.Sync.WriteRetries)
	}
	return nil
}

// Namespace returns the parsed local cache namespace.
func (c *Config) Namespace() keyspace.Namespace {
	ns, err := keyspace.ParseNamespace(c.Local.Namespace)
	if err != nil {
		return keyspace.Bare{}
	}
	return ns
}

// WriteDefault writes a TOML config file holding the defaults to path.
// An existing file is only replaced when overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}

	cfg, err := decode(newViper())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
