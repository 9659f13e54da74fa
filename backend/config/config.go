// Package config loads the server configuration with viper from
// collabConfig.yaml and FLOWCOLLAB_* environment variables.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// Instance is the broadcaster origin id; random when empty.
		Instance        string        `mapstructure:"instance"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"running"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Store struct {
		// Driver is "mysql" or "memory".
		Driver          string        `mapstructure:"driver"`
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
		AutoMigrate     bool          `mapstructure:"auto_migrate"`
	} `mapstructure:"store"`
	Redis struct {
		// Addrs with more than one entry selects a cluster client.
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queue_size"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"max_retry"`
		BaseBackoff time.Duration `mapstructure:"base_backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
		MaxInFlight int           `mapstructure:"max_in_flight"`
	} `mapstructure:"kafka"`
	Auth struct {
		// JWTSecret enables local token verification; empty trusts the
		// userId query parameter.
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	HTTP struct {
		CORSOrigins    []string      `mapstructure:"cors_origins"`
		WSOrigins      []string      `mapstructure:"ws_origins"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		MaxSubmits     int           `mapstructure:"max_submits"`
	} `mapstructure:"http"`
	Collab struct {
		MaxLogEntries     int           `mapstructure:"max_log_entries"`
		ActivityWindow    time.Duration `mapstructure:"activity_window"`
		PresenceTTL       time.Duration `mapstructure:"presence_ttl"`
		InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
		DisposeGrace      time.Duration `mapstructure:"dispose_grace"`
		CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
		ApplyTimeout      time.Duration `mapstructure:"apply_timeout"`
		PublishTimeout    time.Duration `mapstructure:"publish_timeout"`
	} `mapstructure:"collab"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.instance", "")
	v.SetDefault("running.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_open_conns", 20)
	v.SetDefault("store.max_idle_conns", 10)
	v.SetDefault("store.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("store.auto_migrate", true)
	// keys without a real default are still registered so the environment
	// can set them
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("http.cors_origins", []string{})
	v.SetDefault("http.ws_origins", []string{})
	v.SetDefault("kafka.topic", "flow-ops")
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("kafka.base_backoff", 50*time.Millisecond)
	v.SetDefault("kafka.max_backoff", time.Second)
	v.SetDefault("kafka.max_in_flight", 100)
	v.SetDefault("http.request_timeout", 5*time.Second)
	v.SetDefault("http.max_submits", 100)
	v.SetDefault("collab.max_log_entries", 1000)
	v.SetDefault("collab.activity_window", 60*time.Second)
	v.SetDefault("collab.presence_ttl", 5*time.Minute)
	v.SetDefault("collab.inactivity_timeout", 30*time.Minute)
	v.SetDefault("collab.dispose_grace", 30*time.Second)
	v.SetDefault("collab.cleanup_interval", 5*time.Minute)
	v.SetDefault("collab.apply_timeout", 5*time.Second)
	v.SetDefault("collab.publish_timeout", 300*time.Millisecond)
}

// Load reads collabConfig.yaml from the usual locations. A missing file is
// fine; defaults and the environment still apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// started from the repository root or from backend/
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	return load(v)
}

// LoadFile reads one explicit config file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("FLOWCOLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "mysql":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the mysql driver")
		}
	default:
		return errors.New("store.driver must be mysql or memory")
	}
	if c.Running.Port <= 0 {
		return errors.New("running.port must be positive")
	}
	if c.Collab.MaxLogEntries <= 0 {
		return errors.New("collab.max_log_entries must be positive")
	}
	return nil
}
