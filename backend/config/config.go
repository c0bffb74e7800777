// Package config loads the service configuration from collabConfig.yaml,
// with COLLAB_ prefixed environment variables taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"collabcore/backend/internal/collab"
)

const (
	TransportRedis  = "redis"
	TransportMemory = "memory"
	StoreMySQL      = "mysql"
	StoreMemory     = "memory"
)

type Config struct {
	Running struct {
		Port int    `mapstructure:"port"`
		Mode string `mapstructure:"mode"`
	} `mapstructure:"running"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Store struct {
		Kind string `mapstructure:"kind"`
	} `mapstructure:"store"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Transport struct {
		Kind        string        `mapstructure:"kind"`
		PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"transport"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		ClientID    string        `mapstructure:"client_id"`
		QueueSize   int           `mapstructure:"queue_size"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"max_retry"`
		BaseBackoff time.Duration `mapstructure:"base_backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path   string `mapstructure:"path"`
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Cors struct {
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"cors"`
	Collab collab.Config `mapstructure:"collab"`
}

func setDefaults(v *viper.Viper) {
	d := collab.DefaultConfig()
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.kind", StoreMySQL)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("transport.kind", TransportRedis)
	v.SetDefault("transport.presence_ttl", 2*d.HeartbeatInterval)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "")
	v.SetDefault("kafka.client_id", "collab-server")
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("kafka.base_backoff", 50*time.Millisecond)
	v.SetDefault("kafka.max_backoff", time.Second)
	v.SetDefault("auth.path", "http://localhost:3001")
	v.SetDefault("auth.secret", "")
	v.SetDefault("cors.allow_origins", []string{"http://localhost:5173"})
	v.SetDefault("collab.heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("collab.persist_every", d.PersistEvery)
	v.SetDefault("collab.lock_lease", d.LockLease)
	v.SetDefault("collab.idle_after", d.IdleAfter)
	v.SetDefault("collab.away_after", d.AwayAfter)
	v.SetDefault("collab.history_limit", d.HistoryLimit)
	v.SetDefault("collab.store_timeout", d.StoreTimeout)
	v.SetDefault("collab.broadcast_timeout", d.BroadcastTimeout)
	v.SetDefault("collab.strategy", string(d.Strategy))
}

// Load reads the configuration. With an empty path collabConfig.yaml is
// looked up in ./backend/config, ./config and the working directory, and a
// missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Running.Port)
	}
	switch c.Store.Kind {
	case StoreMemory:
	case StoreMySQL:
		if c.Mysql.DSN == "" {
			return errors.New("config: mysql.dsn is required for the mysql store")
		}
	default:
		return fmt.Errorf("config: unknown store kind %q", c.Store.Kind)
	}
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportRedis:
		if len(c.Redis.Addrs) == 0 {
			return errors.New("config: redis.addrs is required for the redis transport")
		}
	default:
		return fmt.Errorf("config: unknown transport kind %q", c.Transport.Kind)
	}
	return nil
}
