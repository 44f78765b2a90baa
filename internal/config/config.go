// Package config loads evalflow settings from defaults, an optional YAML
// file and EVALFLOW_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. EVALFLOW_STORE_DSN.
const EnvPrefix = "EVALFLOW"

// Config holds the configuration for an evalflow process.
type Config struct {
	Store struct {
		Driver string `mapstructure:"driver" validate:"oneof=memory sqlite postgres"`
		DSN    string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
	} `mapstructure:"store"`

	Queue struct {
		Driver            string `mapstructure:"driver" validate:"oneof=memory sqlite postgres mongo"`
		DSN               string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
		MongoDatabase     string `mapstructure:"mongo_database"`
		MongoCollection   string `mapstructure:"mongo_collection"`
		DefaultMaxRetries int    `mapstructure:"default_max_retries" validate:"gte=0"`
		Retry             struct {
			Strategy       string        `mapstructure:"strategy" validate:"oneof=linear exponential"`
			InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gte=0"`
			Multiplier     float64       `mapstructure:"multiplier" validate:"gte=0"`
			MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
		} `mapstructure:"retry"`
		PurgeAfter time.Duration `mapstructure:"purge_after" validate:"gte=0"`
	} `mapstructure:"queue"`

	Locks struct {
		Driver    string        `mapstructure:"driver" validate:"oneof=local redis"`
		RedisAddr string        `mapstructure:"redis_addr" validate:"required_if=Driver redis"`
		Prefix    string        `mapstructure:"prefix"`
		TTL       time.Duration `mapstructure:"ttl" validate:"gte=0"`
	} `mapstructure:"locks"`

	Worker struct {
		Concurrency       int           `mapstructure:"concurrency" validate:"gte=1"`
		PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
		MaxPollInterval   time.Duration `mapstructure:"max_poll_interval" validate:"gte=0"`
		LeaseTTL          time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gte=0"`
		ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
		ReapInterval      time.Duration `mapstructure:"reap_interval" validate:"gte=0"`
	} `mapstructure:"worker"`

	Priorities struct {
		ConfigValidation int `mapstructure:"config_validation"`
		QualityCheck     int `mapstructure:"quality_check"`
		Evaluation       int `mapstructure:"evaluation"`
	} `mapstructure:"priorities"`

	Log struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=json text"`
	} `mapstructure:"log"`

	Metrics struct {
		Addr string `mapstructure:"addr" validate:"required"`
		Path string `mapstructure:"path" validate:"startswith=/"`
	} `mapstructure:"metrics"`
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "evalflow.db")

	v.SetDefault("queue.driver", "sqlite")
	v.SetDefault("queue.dsn", "evalflow.db")
	v.SetDefault("queue.mongo_database", "evalflow")
	v.SetDefault("queue.mongo_collection", "tasks")
	v.SetDefault("queue.default_max_retries", 3)
	v.SetDefault("queue.retry.strategy", "exponential")
	v.SetDefault("queue.retry.initial_backoff", time.Second)
	v.SetDefault("queue.retry.multiplier", 2.0)
	v.SetDefault("queue.retry.max_backoff", 5*time.Minute)
	v.SetDefault("queue.purge_after", 30*24*time.Hour)

	v.SetDefault("locks.driver", "local")
	v.SetDefault("locks.redis_addr", "")
	v.SetDefault("locks.prefix", "evalflow:lock:")
	v.SetDefault("locks.ttl", 30*time.Second)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", 100*time.Millisecond)
	v.SetDefault("worker.max_poll_interval", 2*time.Second)
	v.SetDefault("worker.lease_ttl", 30*time.Second)
	v.SetDefault("worker.heartbeat_interval", 10*time.Second)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)
	v.SetDefault("worker.reap_interval", 15*time.Second)

	v.SetDefault("priorities.config_validation", 10)
	v.SetDefault("priorities.quality_check", 10)
	v.SetDefault("priorities.evaluation", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}

// Default returns the built-in defaults, ignoring files and environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: decode defaults: %v", err))
	}
	return &cfg
}

// Load reads the configuration. An empty path searches for evalflow.yaml in
// the working directory and ./config, and a missing file is not an error.
// An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("evalflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	if c.Worker.HeartbeatInterval >= c.Worker.LeaseTTL {
		return fmt.Errorf("config: invalid: worker.heartbeat_interval %s must be below worker.lease_ttl %s",
			c.Worker.HeartbeatInterval, c.Worker.LeaseTTL)
	}
	return nil
}

// SharedDatabase reports whether the store and the queue use the same SQL
// database, in which case they share one connection pool.
func (c *Config) SharedDatabase() bool {
	return c.Store.Driver == c.Queue.Driver && c.Store.DSN == c.Queue.DSN &&
		(c.Store.Driver == "sqlite" || c.Store.Driver == "postgres")
}
