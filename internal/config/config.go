// Package config loads service settings from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete service configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	AGI      AGIConfig      `mapstructure:"agi"`
	AMI      AMIConfig      `mapstructure:"ami"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Health   HealthConfig   `mapstructure:"health"`
	Routing  RoutingConfig  `mapstructure:"routing"`
	Store    StoreConfig    `mapstructure:"store"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // mysql or sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Path     string `mapstructure:"path"` // sqlite file
}

// DSN returns the driver-specific connection string.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type HTTPConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"` // requests/s per organization, 0 disables
	RateBurst    int           `mapstructure:"rate_burst"`
}

type AGIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type AMIConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CacheConfig struct {
	Backend string        `mapstructure:"backend"` // local or redis
	TTL     time.Duration `mapstructure:"ttl"`
}

type HealthConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	Hysteresis    int           `mapstructure:"hysteresis"`
	OutcomeWindow time.Duration `mapstructure:"outcome_window"`
	DefaultScore  int           `mapstructure:"default_score"`
}

type RoutingConfig struct {
	MaxRoutesDefault int           `mapstructure:"max_routes_default"`
	MaxRoutesLimit   int           `mapstructure:"max_routes_limit"`
	StoreTimeout     time.Duration `mapstructure:"store_timeout"`
	StoreRetries     int           `mapstructure:"store_retries"`
	QualityBand      int           `mapstructure:"quality_band"`
	// SnapshotMaxAge is how old the in-memory config snapshot may get before a
	// lookup tries to refresh it from the store.
	SnapshotMaxAge time.Duration `mapstructure:"snapshot_max_age"`
}

type StoreConfig struct {
	Reload string `mapstructure:"reload"` // cron spec
}

type NotifyConfig struct {
	Webhooks     []string `mapstructure:"webhooks"`
	RedisChannel string   `mapstructure:"redis_channel"`
	AMQPURL      string   `mapstructure:"amqp_url"`
	AMQPExchange string   `mapstructure:"amqp_exchange"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "asterisk_lcr")
	v.SetDefault("database.path", "lcr.db")

	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.read_timeout", 5*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.rate_limit", 200.0)
	v.SetDefault("http.rate_burst", 400)

	v.SetDefault("agi.enabled", true)
	v.SetDefault("agi.port", 8002)

	v.SetDefault("ami.enabled", false)
	v.SetDefault("ami.host", "localhost")
	v.SetDefault("ami.port", 5038)
	v.SetDefault("ami.username", "admin")
	v.SetDefault("ami.password", "admin")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("cache.backend", "local")
	v.SetDefault("cache.ttl", 300*time.Second)

	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.probe_timeout", 2*time.Second)
	v.SetDefault("health.hysteresis", 2)
	v.SetDefault("health.outcome_window", 15*time.Minute)
	v.SetDefault("health.default_score", 70)

	v.SetDefault("routing.max_routes_default", 5)
	v.SetDefault("routing.max_routes_limit", 10)
	v.SetDefault("routing.store_timeout", 200*time.Millisecond)
	v.SetDefault("routing.store_retries", 2)
	v.SetDefault("routing.quality_band", 5)
	v.SetDefault("routing.snapshot_max_age", 5*time.Minute)

	v.SetDefault("store.reload", "@every 30s")

	v.SetDefault("notify.redis_channel", "")
	v.SetDefault("notify.amqp_exchange", "lcr.events")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads configuration. A missing config file is not an error; values then
// come from defaults and LCR_* environment variables. A .env file in the working
// directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("LCR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
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

// Validate rejects settings the routing core cannot honour.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver must be mysql or sqlite, got %q", c.Database.Driver)
	}
	switch c.Cache.Backend {
	case "local":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("cache.backend redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("cache.backend must be local or redis, got %q", c.Cache.Backend)
	}
	if c.Routing.MaxRoutesLimit < 1 || c.Routing.MaxRoutesLimit > 10 {
		return fmt.Errorf("routing.max_routes_limit must be between 1 and 10")
	}
	if c.Routing.MaxRoutesDefault < 1 || c.Routing.MaxRoutesDefault > c.Routing.MaxRoutesLimit {
		return fmt.Errorf("routing.max_routes_default must be between 1 and max_routes_limit")
	}
	if c.Routing.QualityBand < 0 {
		return fmt.Errorf("routing.quality_band must not be negative")
	}
	if c.Routing.StoreTimeout <= 0 {
		return fmt.Errorf("routing.store_timeout must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Health.Interval <= 0 || c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("health.interval and health.probe_timeout must be positive")
	}
	if c.Health.Hysteresis < 1 {
		return fmt.Errorf("health.hysteresis must be at least 1")
	}
	if c.Health.DefaultScore < 0 || c.Health.DefaultScore > 100 {
		return fmt.Errorf("health.default_score must be between 0 and 100")
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
