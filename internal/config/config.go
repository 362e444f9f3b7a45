// Package config loads queueboard settings from defaults, an optional YAML
// file, QUEUEBOARD_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// QUEUEBOARD_SERVER_ADDR for server.addr.
const EnvPrefix = "QUEUEBOARD"

// Config is the full configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Log      LogConfig      `mapstructure:"log"`
	Client   ClientConfig   `mapstructure:"client"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	WebDir          string        `mapstructure:"web_dir"` // compiled board UI, optional
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StatusRetries   int           `mapstructure:"status_retries"`
}

// StorageConfig selects the persistence driver.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // postgres or memory
}

// DatabaseConfig is used by the postgres driver.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig enables the cross-replica relay when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// StreamConfig tunes the per-queue fan-out.
type StreamConfig struct {
	HistorySize int           `mapstructure:"history_size"`
	BufferSize  int           `mapstructure:"buffer_size"`
	KeepAlive   time.Duration `mapstructure:"keepalive"`
}

// LogConfig controls logrus.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// ClientConfig is read by the tq and ui binaries.
type ClientConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			StatusRetries:   3,
		},
		Storage:  StorageConfig{Driver: DriverMemory},
		Database: DatabaseConfig{MaxConns: 10},
		Redis:    RedisConfig{Channel: "queueboard:events"},
		Stream: StreamConfig{
			HistorySize: 50,
			BufferSize:  256,
			KeepAlive:   15 * time.Second,
		},
		Log:    LogConfig{Level: "info", Format: "text"},
		Client: ClientConfig{BaseURL: "http://localhost:8080", Timeout: 10 * time.Second},
	}
}

// SetDefaults registers every key's default on v. Keys must be registered
// for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.web_dir", d.Server.WebDir)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.status_retries", d.Server.StatusRetries)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_conns", d.Database.MaxConns)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.channel", d.Redis.Channel)

	v.SetDefault("stream.history_size", d.Stream.HistorySize)
	v.SetDefault("stream.buffer_size", d.Stream.BufferSize)
	v.SetDefault("stream.keepalive", d.Stream.KeepAlive)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("client.base_url", d.Client.BaseURL)
	v.SetDefault("client.timeout", d.Client.Timeout)
}

// New returns a viper instance with defaults, environment binding and the
// config file applied. An explicit path must exist; otherwise queueboard.yaml
// is looked up in the working directory and ConfigDir, and a missing file
// is not an error.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// DATABASE_URL is the conventional name; the prefixed form wins.
	if err := v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("queueboard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// BindFlags binds command-line flags to config keys. flags maps a flag
// name to its key, e.g. "addr" -> "server.addr". Flags missing from fs are
// skipped.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, flags map[string]string) error {
	for name, key := range flags {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ConfigDir returns the user config directory for queueboard.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "queueboard")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".queueboard"
	}
	return filepath.Join(home, ".config", "queueboard")
}
