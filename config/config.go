package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PROCESS_STORAGE_DRIVER.
const EnvPrefix = "PROCESS"

// Config holds the configuration of a process engine deployment.
type Config struct {
	Log     Log     `mapstructure:"log"`
	Engine  Engine  `mapstructure:"engine"`
	Storage Storage `mapstructure:"storage"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Engine configures the workflow engine.
type Engine struct {
	WorkLimit        int           `mapstructure:"work_limit"`
	AsyncWorkers     int           `mapstructure:"async_workers"`
	DefinitionCache  int           `mapstructure:"definition_cache"`
	DefinitionTTL    time.Duration `mapstructure:"definition_ttl"`
	ActionMaxRetries int           `mapstructure:"action_max_retries"`
	ActionRetryDelay time.Duration `mapstructure:"action_retry_delay"`
}

// Storage selects and configures the persistence backend.
type Storage struct {
	// Driver is one of memory, redis or sqlite.
	Driver string `mapstructure:"driver"`
	Redis  Redis  `mapstructure:"redis"`
	SQLite SQLite `mapstructure:"sqlite"`
}

// Redis configures the Redis store.
type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

// SQLite configures the SQLite store.
type SQLite struct {
	DSN string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("engine.work_limit", 10000)
	v.SetDefault("engine.async_workers", 4)
	v.SetDefault("engine.definition_cache", 128)
	v.SetDefault("engine.definition_ttl", time.Hour)
	v.SetDefault("engine.action_max_retries", 0)
	v.SetDefault("engine.action_retry_delay", time.Second)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.idle_timeout", 5*time.Minute)
	v.SetDefault("storage.redis.lock_ttl", time.Minute)
	v.SetDefault("storage.sqlite.dsn", "file:process.db")
}

// Default returns the built-in defaults. The environment is not consulted.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// setDefaults only holds values of the destination types.
		panic(fmt.Sprintf("config: decode defaults: %v", err))
	}
	return &cfg
}

// Load reads configuration from the YAML file at path, when path is not empty,
// and from PROCESS_* environment variables. Environment values win.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ErrInvalidConfig is returned for configuration values out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if c.Engine.WorkLimit < 0 {
		return fmt.Errorf("%w: engine.work_limit must not be negative", ErrInvalidConfig)
	}
	if c.Engine.AsyncWorkers < 1 {
		return fmt.Errorf("%w: engine.async_workers must be at least 1", ErrInvalidConfig)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// NewLogger builds a slog logger writing to stderr.
func (l Log) NewLogger() *slog.Logger {
	return l.NewLoggerTo(os.Stderr)
}

// NewLoggerTo builds a slog logger writing to w in the configured format.
func (l Log) NewLoggerTo(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, s)
	}
	return level, nil
}
