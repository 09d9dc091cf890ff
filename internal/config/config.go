// File: internal/config/config.go
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Scripts   ScriptsConfig   `mapstructure:"scripts" yaml:"scripts"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Resources ResourcesConfig `mapstructure:"resources" yaml:"resources"`
	Injection InjectionConfig `mapstructure:"injection" yaml:"injection"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chrome instance scripts are injected into.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	// RemoteURL attaches to an already running browser instead of launching one.
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url"`
}

// ScriptsConfig locates installed userscripts and the persisted registry state.
type ScriptsConfig struct {
	Dir       string `mapstructure:"dir" yaml:"dir"`
	StateFile string `mapstructure:"state_file" yaml:"state_file"`
	Watch     bool   `mapstructure:"watch" yaml:"watch"`
}

// StorageBackend names a GM value storage implementation.
type StorageBackend string

const (
	StorageMemory   StorageBackend = "memory"
	StorageSQLite   StorageBackend = "sqlite"
	StoragePostgres StorageBackend = "postgres"
	StorageRedis    StorageBackend = "redis"
)

// StorageConfig selects and configures the GM value storage backend.
type StorageConfig struct {
	Backend StorageBackend `mapstructure:"backend" yaml:"backend"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path" yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `mapstructure:"dsn" yaml:"-"`
	// RedisURL is a redis:// URL; KeyPrefix scopes all keys written to Redis.
	RedisURL  string `mapstructure:"redis_url" yaml:"-"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// ResourcesConfig tunes the @require/@resource fetcher.
type ResourcesConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst        int           `mapstructure:"burst" yaml:"burst"`
	UserAgent    string        `mapstructure:"user_agent" yaml:"user_agent"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// InjectionConfig tunes the injection strategy chain.
type InjectionConfig struct {
	// StrategyTimeout bounds one delivery attempt. Zero disables the bound.
	StrategyTimeout time.Duration `mapstructure:"strategy_timeout" yaml:"strategy_timeout"`
	// AuxiliaryLoadTimeout bounds the wait for a detached document's load event.
	AuxiliaryLoadTimeout time.Duration `mapstructure:"auxiliary_load_timeout" yaml:"auxiliary_load_timeout"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scriptmonkey")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.startup_timeout", "30s")

	// -- Scripts --
	v.SetDefault("scripts.dir", "~/.scriptmonkey/scripts")
	v.SetDefault("scripts.state_file", "~/.scriptmonkey/registry.yaml")
	v.SetDefault("scripts.watch", true)

	// -- Storage --
	v.SetDefault("storage.backend", string(StorageSQLite))
	v.SetDefault("storage.path", "~/.scriptmonkey/values.db")
	v.SetDefault("storage.key_prefix", "scriptmonkey:")

	// -- Resources --
	v.SetDefault("resources.fetch_timeout", "30s")
	v.SetDefault("resources.rate_limit", 10.0)
	v.SetDefault("resources.burst", 5)
	v.SetDefault("resources.user_agent", "scriptmonkey/1.0")
	v.SetDefault("resources.max_body_bytes", 8<<20)

	// -- Injection --
	v.SetDefault("injection.strategy_timeout", "0s")
	v.SetDefault("injection.auxiliary_load_timeout", "10s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	_ = v.BindEnv("storage.dsn", "SCRIPTMONKEY_STORAGE_DSN")
	_ = v.BindEnv("storage.redis_url", "SCRIPTMONKEY_REDIS_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("error expanding paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves "~" in every filesystem path of the configuration.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{&c.Scripts.Dir, &c.Scripts.StateFile, &c.Storage.Path, &c.Logger.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("%q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Scripts.Dir == "" {
		return fmt.Errorf("scripts.dir is required")
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration invalid: %w", err)
	}
	if err := c.Resources.Validate(); err != nil {
		return fmt.Errorf("resources configuration invalid: %w", err)
	}
	if c.Injection.StrategyTimeout < 0 {
		return fmt.Errorf("injection.strategy_timeout must not be negative")
	}
	return nil
}

// Validate checks the storage backend selection.
func (s *StorageConfig) Validate() error {
	switch StorageBackend(strings.ToLower(string(s.Backend))) {
	case StorageMemory:
	case StorageSQLite:
		if s.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case StoragePostgres:
		if s.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend. Set SCRIPTMONKEY_STORAGE_DSN")
		}
	case StorageRedis:
		if s.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for the redis backend. Set SCRIPTMONKEY_REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", s.Backend)
	}
	return nil
}

// Validate checks the fetcher settings.
func (r *ResourcesConfig) Validate() error {
	if r.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be a positive duration")
	}
	if r.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if r.RateLimit > 0 && r.Burst <= 0 {
		return fmt.Errorf("burst must be positive when rate_limit is set")
	}
	return nil
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying cfg.
func NewContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext returns the configuration stored by NewContext.
func FromContext(ctx context.Context) (*Config, bool) {
	cfg, ok := ctx.Value(contextKey{}).(*Config)
	return cfg, ok
}
