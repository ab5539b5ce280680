// Package config loads crewsync configuration.
//
// Precedence, highest first: CREWSYNC_* environment variables, the config
// file, built-in defaults. Nested keys map to environment variables with
// dots replaced by underscores (sync.interval -> CREWSYNC_SYNC_INTERVAL).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/crewdesk/crewsync/internal/conflict"
)

// Config is the full crewsync configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// StoreConfig locates the Local Store.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig locates the remote store service.
type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes the orchestrator and connectivity probing.
type SyncConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	Offline          bool          `mapstructure:"offline"`
	ConflictStrategy string        `mapstructure:"conflict_strategy"`
}

// RealtimeConfig controls the remote change listener.
type RealtimeConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// Broadcast drivers.
const (
	DriverFile  = "file"
	DriverRedis = "redis"
	DriverNone  = "none"
)

// BroadcastConfig selects the cross-context channel.
type BroadcastConfig struct {
	Driver string      `mapstructure:"driver"`
	Dir    string      `mapstructure:"dir"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the redis broadcast driver.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	Channel  string `mapstructure:"channel"`
}

// DashboardConfig controls the local control server.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LogConfig configures logging. File enables rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CREWSYNC"

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", ".crewsync/crewsync.db")

	v.SetDefault("remote.url", "http://127.0.0.1:8787")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", "10s")

	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.probe_interval", "10s")
	v.SetDefault("sync.probe_timeout", "5s")
	v.SetDefault("sync.offline", false)
	v.SetDefault("sync.conflict_strategy", string(conflict.StrategyLastWriteWins))

	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.reconnect_delay", "5s")

	v.SetDefault("broadcast.driver", DriverFile)
	v.SetDefault("broadcast.dir", ".crewsync/broadcast")
	v.SetDefault("broadcast.redis.addr", "localhost:6379")
	v.SetDefault("broadcast.redis.password", "")
	v.SetDefault("broadcast.redis.db", 0)
	v.SetDefault("broadcast.redis.key", "crewsync:snapshot")
	v.SetDefault("broadcast.redis.channel", "crewsync:snapshot:changed")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 8788)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// NewViper returns a viper instance with defaults, the config file at path
// (or crewsync.yaml / crewsync.toml in the working directory or .crewsync/
// when path is empty) and environment overrides applied.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("crewsync")
		v.AddConfigPath(".")
		v.AddConfigPath(".crewsync")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// Load reads and validates the configuration.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	return cfg
}

// Validate checks the values other packages rely on.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("invalid config: store.path is required")
	}
	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid config: remote.url must be an http(s) URL, got %q", c.Remote.URL)
		}
	} else if !c.Sync.Offline {
		return fmt.Errorf("invalid config: remote.url is required unless sync.offline is set")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("invalid config: sync.interval must be positive")
	}
	switch conflict.Strategy(c.Sync.ConflictStrategy) {
	case conflict.StrategyLastWriteWins, conflict.StrategyPreferLocal:
	default:
		return fmt.Errorf("invalid config: unknown sync.conflict_strategy %q", c.Sync.ConflictStrategy)
	}
	switch c.Broadcast.Driver {
	case DriverFile, DriverRedis, DriverNone:
	default:
		return fmt.Errorf("invalid config: unknown broadcast.driver %q", c.Broadcast.Driver)
	}
	if c.Broadcast.Driver == DriverFile && c.Broadcast.Dir == "" {
		return fmt.Errorf("invalid config: broadcast.dir is required for the file driver")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("invalid config: dashboard.port must be between 0 and 65535")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid config: log.level: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid config: log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// Encode renders the settings held by v as "yaml" or "toml".
func Encode(v *viper.Viper, format string) ([]byte, error) {
	settings := v.AllSettings()
	switch format {
	case "yaml", "yml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		return data, nil
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(settings); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
}

// Starter returns a config file holding the defaults in format.
func Starter(format string) ([]byte, error) {
	v := viper.New()
	setDefaults(v)
	return Encode(v, format)
}
