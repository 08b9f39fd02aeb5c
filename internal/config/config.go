package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/markahope-aag/hazardos-webhooks/internal/delivery"
	"github.com/markahope-aag/hazardos-webhooks/internal/sweeper"
	"github.com/markahope-aag/hazardos-webhooks/internal/webhooks"
	"github.com/markahope-aag/hazardos-webhooks/pkg/database"
	"github.com/markahope-aag/hazardos-webhooks/pkg/observability"
)

// EnvPrefix is prepended to every environment override, e.g.
// WEBHOOKS_DATABASE_HOST.
const EnvPrefix = "WEBHOOKS"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Log      LogConfig      `mapstructure:"log"`
	Events   EventsConfig   `mapstructure:"events"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type DeliveryConfig struct {
	Timeout        time.Duration   `mapstructure:"timeout"`
	UserAgent      string          `mapstructure:"user_agent"`
	MaxAttempts    int             `mapstructure:"max_attempts"`
	RetrySchedule  []time.Duration `mapstructure:"retry_schedule"`
	MaxConcurrency int             `mapstructure:"max_concurrency"`
	RecoveryDelay  time.Duration   `mapstructure:"recovery_delay"`
	LockTTL        time.Duration   `mapstructure:"lock_ttl"`
}

type SweeperConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
}

type RedisConfig struct {
	// URL is optional; without it retries are only serialized within a
	// process and attempt claims in Postgres.
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Environment string  `mapstructure:"environment"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EventsConfig struct {
	// Extra event types accepted in addition to the built-in vocabulary.
	Extra []string `mapstructure:"extra"`
}

// Load reads configuration from path (or webhooks.yaml in the working
// directory when path is empty) and applies WEBHOOKS_* environment
// overrides. A missing default config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("webhooks")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hazardos-webhooks")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "webhooks")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("delivery.timeout", delivery.DefaultTimeout)
	v.SetDefault("delivery.user_agent", delivery.DefaultUserAgent)
	v.SetDefault("delivery.max_attempts", webhooks.DefaultMaxAttempts)
	v.SetDefault("delivery.retry_schedule", webhooks.DefaultRetrySchedule)
	v.SetDefault("delivery.max_concurrency", 16)
	v.SetDefault("delivery.recovery_delay", webhooks.DefaultRecoveryDelay)
	v.SetDefault("delivery.lock_ttl", 2*delivery.DefaultTimeout)

	v.SetDefault("sweeper.interval", 30*time.Second)
	v.SetDefault("sweeper.batch_size", 100)
	v.SetDefault("sweeper.concurrency", 4)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "webhooks:delivery-lock:")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("events.extra", []string{})
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Delivery.Timeout <= 0 {
		return fmt.Errorf("config: delivery.timeout must be positive")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("config: delivery.max_attempts must be positive")
	}
	for _, d := range c.Delivery.RetrySchedule {
		if d <= 0 {
			return fmt.Errorf("config: delivery.retry_schedule entries must be positive")
		}
	}
	if c.Delivery.LockTTL > 0 && c.Delivery.LockTTL <= c.Delivery.Timeout {
		return fmt.Errorf("config: delivery.lock_ttl must exceed delivery.timeout")
	}
	if c.Delivery.RecoveryDelay > 0 && c.Delivery.RecoveryDelay <= c.Delivery.Timeout {
		return fmt.Errorf("config: delivery.recovery_delay must exceed delivery.timeout")
	}
	return nil
}

func (c DatabaseConfig) ToDatabase() database.Config {
	return database.Config{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		DBName:          c.Name,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

func (c DeliveryConfig) ToExecutor() delivery.Config {
	return delivery.Config{Timeout: c.Timeout, UserAgent: c.UserAgent, LockTTL: c.LockTTL}
}

func (c DeliveryConfig) RetryPolicy() webhooks.RetryPolicy {
	return webhooks.RetryPolicy{
		Schedule:      c.RetrySchedule,
		MaxAttempts:   c.MaxAttempts,
		RecoveryDelay: c.RecoveryDelay,
	}
}

// NewLocker returns a Redis-backed delivery lock when a URL is configured,
// and a no-op lock otherwise. The returned close function is never nil.
func (c RedisConfig) NewLocker(ctx context.Context) (delivery.Locker, func() error, error) {
	if c.URL == "" {
		return delivery.NoopLocker{}, func() error { return nil }, nil
	}
	client, err := delivery.NewRedisClient(c.URL)
	if err != nil {
		return nil, nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return delivery.NewRedisLocker(client, c.KeyPrefix), client.Close, nil
}

func (c SweeperConfig) ToSweeper() sweeper.Config {
	return sweeper.Config{
		Interval:    c.Interval,
		BatchSize:   c.BatchSize,
		Concurrency: c.Concurrency,
	}
}

func (c TracingConfig) ToTracer(serviceName, version string) observability.TracerConfig {
	return observability.TracerConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    c.Environment,
		OTLPEndpoint:   c.Endpoint,
		Insecure:       c.Insecure,
		SampleRatio:    c.SampleRatio,
	}
}
