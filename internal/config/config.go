// Package config loads process configuration from defaults, a config file,
// FLUXO_* environment variables and command line flags, in increasing
// priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/petrijr/fluxo-bpmn/internal/logging"
)

const EnvPrefix = "FLUXO"

type Config struct {
	Database Database        `mapstructure:"database"`
	HTTP     HTTP            `mapstructure:"http"`
	Redis    Redis           `mapstructure:"redis"`
	Worker   Worker          `mapstructure:"worker"`
	Log      logging.Options `mapstructure:"log"`
	IAM      IAM             `mapstructure:"iam"`
}

type Database struct {
	// Driver is "sqlite" or "postgres".
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type HTTP struct {
	Listen  string `mapstructure:"listen"`
	BaseURL string `mapstructure:"base_url"`
}

// Redis configures the message bus. An empty Addr selects the in-process
// bus.
type Redis struct {
	Addr   string `mapstructure:"addr"`
	Prefix string `mapstructure:"prefix"`
}

type Worker struct {
	Topic              string        `mapstructure:"topic"`
	Token              string        `mapstructure:"token"`
	MaxTasks           int           `mapstructure:"max_tasks"`
	LockDuration       time.Duration `mapstructure:"lock_duration"`
	LongPollingTimeout time.Duration `mapstructure:"long_polling_timeout"`
	RetryInterval      time.Duration `mapstructure:"retry_interval"`
	RenewMargin        time.Duration `mapstructure:"renew_margin"`

	// MetricsListen serves /metrics of the worker process. Empty disables it.
	MetricsListen string `mapstructure:"metrics_listen"`
}

// IAM maps user ids to the claims they hold. An empty table allows every
// authenticated caller.
type IAM struct {
	Claims map[string][]string `mapstructure:"claims"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:fluxo.db?_txlock=immediate&_pragma=busy_timeout(5000)")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("http.listen", ":8000")
	v.SetDefault("http.base_url", "http://localhost:8000")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "fluxo:")
	v.SetDefault("worker.topic", "")
	v.SetDefault("worker.token", "")
	v.SetDefault("worker.max_tasks", 10)
	v.SetDefault("worker.lock_duration", 30*time.Second)
	v.SetDefault("worker.long_polling_timeout", 10*time.Second)
	v.SetDefault("worker.retry_interval", time.Second)
	v.SetDefault("worker.renew_margin", 5*time.Second)
	v.SetDefault("worker.metrics_listen", ":8001")
	v.SetDefault("log.level", "")
	v.SetDefault("log.encoding", "console")
}

// New returns a viper instance with defaults and environment binding. A
// non-empty configFile is read when Load runs.
func New(configFile string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	return v
}

// BindFlags binds flags to keys. Flag names use "-" where keys use "." or
// "_", e.g. --worker-lock-duration sets worker.lock_duration.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys ...string) error {
	for _, key := range keys {
		name := strings.NewReplacer(".", "-", "_", "-").Replace(key)
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("no flag %q for config key %q", name, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the config file, if any, and decodes the merged settings.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Worker.LockDuration <= 0 {
		return errors.New("worker.lock_duration must be positive")
	}
	return nil
}
