// Package config loads engine configuration from environment variables and
// an optional config file, with live reload on file change.
package config

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	MaxOpenConns  int    `mapstructure:"max_open_conns"`
	MaxIdleConns  int    `mapstructure:"max_idle_conns"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

type CollectionsConfig struct {
	// Channel is the presentment channel batches are built for.
	Channel string `mapstructure:"channel"`
	// Adapter names the bank file format adapter.
	Adapter string `mapstructure:"adapter"`
	// GlobalCutoffHour defers same-day attempts scheduled at or after this
	// hour to the next batch. Agencies may override or opt out.
	GlobalCutoffHour     int           `mapstructure:"global_cutoff_hour"`
	RequireActiveMandate bool          `mapstructure:"require_active_mandate"`
	TxWaitTimeout        time.Duration `mapstructure:"tx_wait_timeout"`
	TxExecTimeout        time.Duration `mapstructure:"tx_exec_timeout"`
}

type FallbackConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MPEnabled       bool          `mapstructure:"mp_enabled"`
	DefaultProvider string        `mapstructure:"default_provider"`
	ExpiryWindow    time.Duration `mapstructure:"expiry_window"`
	MPAccessToken   string        `mapstructure:"mp_access_token"`
	MPBaseURL       string        `mapstructure:"mp_base_url"`
}

type DunningConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type Config struct {
	Env      string `mapstructure:"env"`
	HTTPAddr string `mapstructure:"http_addr"`

	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Collections CollectionsConfig `mapstructure:"collections"`
	Fallback    FallbackConfig    `mapstructure:"fallback"`
	Dunning     DunningConfig     `mapstructure:"dunning"`

	RolloutCacheTTL time.Duration `mapstructure:"rollout_cache_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("http_addr", ":8080")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:cobranza.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.enable_metrics", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.dir", "./data/batches")

	v.SetDefault("collections.channel", "PD")
	v.SetDefault("collections.adapter", "csvdebit")
	v.SetDefault("collections.global_cutoff_hour", 13)
	v.SetDefault("collections.require_active_mandate", true)
	v.SetDefault("collections.tx_wait_timeout", 10*time.Second)
	v.SetDefault("collections.tx_exec_timeout", 45*time.Second)

	v.SetDefault("fallback.enabled", true)
	v.SetDefault("fallback.mp_enabled", true)
	v.SetDefault("fallback.default_provider", "mp")
	v.SetDefault("fallback.expiry_window", 72*time.Hour)
	v.SetDefault("fallback.mp_base_url", "")

	v.SetDefault("dunning.enabled", true)

	v.SetDefault("rollout_cache_ttl", 5*time.Minute)
}

// Load reads config from (in order of precedence) environment variables
// prefixed COBRANZA_, an optional config.yaml, and the defaults above. A
// .env file, when present, seeds the environment first.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COBRANZA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	} else {
		v.OnConfigChange(func(fsnotify.Event) {
			var reloaded Config
			if err := v.Unmarshal(&reloaded); err == nil {
				current.Store(&reloaded)
			}
		})
		v.WatchConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	current.Store(&cfg)
	return cfg, nil
}

var current atomic.Pointer[Config]

// Current returns the latest loaded configuration, reflecting config-file
// edits picked up by the watcher. Services that captured the startup value
// keep it; readers that want live values call this.
func Current() Config {
	if cfg := current.Load(); cfg != nil {
		return *cfg
	}
	return Config{}
}

var Module = fx.Module("config",
	fx.Provide(Load),
)
