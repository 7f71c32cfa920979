// Package config handles application configuration loading and validation using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Loyalty    LoyaltyConfig    `mapstructure:"loyalty"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Events     EventsConfig     `mapstructure:"events"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Mattermost MattermostConfig `mapstructure:"mattermost"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Environment     string `mapstructure:"environment"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // seconds
}

// DatabaseConfig selects the SQL driver and holds per-driver settings.
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`  // postgres, mysql, sqlite
	Migrate  string         `mapstructure:"migrate"` // auto, sql, none
	Postgres PostgresConfig `mapstructure:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Pool     PoolConfig     `mapstructure:"pool"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN builds a libpq keyword/value connection string.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// MySQLConfig contains MySQL connection settings.
type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// DSN builds a go-sql-driver/mysql connection string.
func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database,
	)
}

// SQLiteConfig contains the SQLite file path (or ":memory:").
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PoolConfig contains connection pool settings shared by all drivers.
type PoolConfig struct {
	MaxOpenConns    int `mapstructure:"max_open_conns"`
	MaxIdleConns    int `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"` // seconds
}

// RedisConfig contains Redis connection and pool settings.
// An empty host disables the leaderboard cache and the distributed lock.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr returns host:port.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Enabled reports whether a Redis host is configured.
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

// LoyaltyConfig contains the ledger, leaderboard and churn rules.
type LoyaltyConfig struct {
	LeaderboardSize     int    `mapstructure:"leaderboard_size"`
	WinnersCount        int    `mapstructure:"winners_count"`
	AtRiskDays          int    `mapstructure:"at_risk_days"`
	NewClientDays       int    `mapstructure:"new_client_days"`
	LeaderboardCacheTTL int    `mapstructure:"leaderboard_cache_ttl"` // seconds, 0 disables caching
	RolloverLockTTL     int    `mapstructure:"rollover_lock_ttl"`     // seconds
	Timezone            string `mapstructure:"timezone"`
}

// GetLocation returns the timezone months are computed in.
func (c *LoyaltyConfig) GetLocation() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// SchedulerConfig contains the cron settings for background jobs.
type SchedulerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	RolloverCron    string `mapstructure:"rollover_cron"`
	RolloverOnStart bool   `mapstructure:"rollover_on_start"`
	DigestTime      string `mapstructure:"digest_time"` // HH:MM, empty disables the digest
	SkipWeekends    bool   `mapstructure:"skip_weekends"`
	Timezone        string `mapstructure:"timezone"`
}

// GetLocation returns the timezone location.
func (c *SchedulerConfig) GetLocation() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// EventsConfig contains outbox relay and broker settings.
type EventsConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	Broker       string         `mapstructure:"broker"` // kafka, rabbitmq, log
	Topic        string         `mapstructure:"topic"`
	PollInterval int            `mapstructure:"poll_interval"` // seconds
	BatchSize    int            `mapstructure:"batch_size"`
	MaxRetries   int            `mapstructure:"max_retries"`
	Kafka        KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ     RabbitMQConfig `mapstructure:"rabbitmq"`
}

// KafkaConfig contains Kafka producer settings.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

// RabbitMQConfig contains RabbitMQ connection settings.
type RabbitMQConfig struct {
	URL string `mapstructure:"url"`
}

// AuthConfig contains bearer token verification settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// MattermostConfig contains Mattermost webhook notification settings.
type MattermostConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
	Username   string `mapstructure:"username"`
	Enabled    bool   `mapstructure:"enabled"`
}

// MetricsConfig contains Prometheus exporter settings.
type MetricsConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig contains Prometheus metrics exporter settings.
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Exporter    string  `mapstructure:"exporter"` // stdout, otlp
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name"`
}

// LoggingConfig contains application logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.shutdown_timeout", 15)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.migrate", "auto")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.sqlite.path", "loyalty.db")
	v.SetDefault("database.pool.max_open_conns", 25)
	v.SetDefault("database.pool.max_idle_conns", 5)
	v.SetDefault("database.pool.conn_max_lifetime", 300)

	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("loyalty.leaderboard_size", 5)
	v.SetDefault("loyalty.winners_count", 5)
	v.SetDefault("loyalty.at_risk_days", 21)
	v.SetDefault("loyalty.new_client_days", 7)
	v.SetDefault("loyalty.leaderboard_cache_ttl", 30)
	v.SetDefault("loyalty.rollover_lock_ttl", 60)
	v.SetDefault("loyalty.timezone", "UTC")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.rollover_cron", "5 0 1 * *")
	v.SetDefault("scheduler.rollover_on_start", true)
	v.SetDefault("scheduler.digest_time", "09:00")
	v.SetDefault("scheduler.timezone", "UTC")

	v.SetDefault("events.broker", "log")
	v.SetDefault("events.topic", "loyalty.events")
	v.SetDefault("events.poll_interval", 5)
	v.SetDefault("events.batch_size", 100)
	v.SetDefault("events.max_retries", 5)
	v.SetDefault("events.kafka.client_id", "loyalty-ledger")

	v.SetDefault("mattermost.username", "Loyalty Bot")

	v.SetDefault("metrics.prometheus.enabled", true)
	v.SetDefault("metrics.prometheus.path", "/metrics")

	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "loyalty-ledger")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Load reads configuration from file and environment variables.
// A missing config file is tolerated when configPath is empty so the
// service can run from environment variables alone.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/loyalty-ledger/")
	}

	// Explicit bindings for 12-factor app compliance
	// Server
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("server.environment", "SERVER_ENVIRONMENT")
	_ = v.BindEnv("server.shutdown_timeout", "SERVER_SHUTDOWN_TIMEOUT")

	// Database
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.migrate", "DATABASE_MIGRATE")
	_ = v.BindEnv("database.postgres.host", "POSTGRES_HOST")
	_ = v.BindEnv("database.postgres.port", "POSTGRES_PORT")
	_ = v.BindEnv("database.postgres.database", "POSTGRES_DB")
	_ = v.BindEnv("database.postgres.user", "POSTGRES_USER")
	_ = v.BindEnv("database.postgres.password", "POSTGRES_PASSWORD")
	_ = v.BindEnv("database.postgres.ssl_mode", "POSTGRES_SSL_MODE")
	_ = v.BindEnv("database.mysql.host", "MYSQL_HOST")
	_ = v.BindEnv("database.mysql.port", "MYSQL_PORT")
	_ = v.BindEnv("database.mysql.database", "MYSQL_DATABASE")
	_ = v.BindEnv("database.mysql.user", "MYSQL_USER")
	_ = v.BindEnv("database.mysql.password", "MYSQL_PASSWORD")
	_ = v.BindEnv("database.sqlite.path", "SQLITE_PATH")
	_ = v.BindEnv("database.pool.max_open_conns", "DATABASE_MAX_OPEN_CONNS")
	_ = v.BindEnv("database.pool.max_idle_conns", "DATABASE_MAX_IDLE_CONNS")
	_ = v.BindEnv("database.pool.conn_max_lifetime", "DATABASE_CONN_MAX_LIFETIME")

	// Redis
	_ = v.BindEnv("redis.host", "REDIS_HOST")
	_ = v.BindEnv("redis.port", "REDIS_PORT")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("redis.pool_size", "REDIS_POOL_SIZE")

	// Loyalty rules
	_ = v.BindEnv("loyalty.leaderboard_size", "LOYALTY_LEADERBOARD_SIZE")
	_ = v.BindEnv("loyalty.winners_count", "LOYALTY_WINNERS_COUNT")
	_ = v.BindEnv("loyalty.at_risk_days", "LOYALTY_AT_RISK_DAYS")
	_ = v.BindEnv("loyalty.new_client_days", "LOYALTY_NEW_CLIENT_DAYS")
	_ = v.BindEnv("loyalty.leaderboard_cache_ttl", "LOYALTY_LEADERBOARD_CACHE_TTL")
	_ = v.BindEnv("loyalty.rollover_lock_ttl", "LOYALTY_ROLLOVER_LOCK_TTL")
	_ = v.BindEnv("loyalty.timezone", "LOYALTY_TIMEZONE")

	// Scheduler
	_ = v.BindEnv("scheduler.enabled", "SCHEDULER_ENABLED")
	_ = v.BindEnv("scheduler.rollover_cron", "SCHEDULER_ROLLOVER_CRON")
	_ = v.BindEnv("scheduler.rollover_on_start", "SCHEDULER_ROLLOVER_ON_START")
	_ = v.BindEnv("scheduler.digest_time", "SCHEDULER_DIGEST_TIME")
	_ = v.BindEnv("scheduler.skip_weekends", "SCHEDULER_SKIP_WEEKENDS")
	_ = v.BindEnv("scheduler.timezone", "SCHEDULER_TIMEZONE")

	// Events
	_ = v.BindEnv("events.enabled", "EVENTS_ENABLED")
	_ = v.BindEnv("events.broker", "EVENTS_BROKER")
	_ = v.BindEnv("events.topic", "EVENTS_TOPIC")
	_ = v.BindEnv("events.poll_interval", "EVENTS_POLL_INTERVAL")
	_ = v.BindEnv("events.batch_size", "EVENTS_BATCH_SIZE")
	_ = v.BindEnv("events.max_retries", "EVENTS_MAX_RETRIES")
	_ = v.BindEnv("events.kafka.brokers", "KAFKA_BROKERS")
	_ = v.BindEnv("events.kafka.client_id", "KAFKA_CLIENT_ID")
	_ = v.BindEnv("events.rabbitmq.url", "RABBITMQ_URL")

	// Auth
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("auth.issuer", "JWT_ISSUER")

	// Mattermost
	_ = v.BindEnv("mattermost.webhook_url", "MATTERMOST_WEBHOOK_URL")
	_ = v.BindEnv("mattermost.channel", "MATTERMOST_CHANNEL")
	_ = v.BindEnv("mattermost.username", "MATTERMOST_USERNAME")
	_ = v.BindEnv("mattermost.enabled", "MATTERMOST_ENABLED")

	// Metrics and tracing
	_ = v.BindEnv("metrics.prometheus.enabled", "PROMETHEUS_ENABLED")
	_ = v.BindEnv("metrics.prometheus.path", "PROMETHEUS_PATH")
	_ = v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	_ = v.BindEnv("tracing.exporter", "TRACING_EXPORTER")
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("tracing.insecure", "TRACING_INSECURE")
	_ = v.BindEnv("tracing.sample_ratio", "TRACING_SAMPLE_RATIO")
	_ = v.BindEnv("tracing.service_name", "OTEL_SERVICE_NAME")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
	_ = v.BindEnv("logging.output", "LOG_OUTPUT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// KAFKA_BROKERS arrives as a single comma separated string
	if len(config.Events.Kafka.Brokers) == 1 && strings.Contains(config.Events.Kafka.Brokers[0], ",") {
		config.Events.Kafka.Brokers = splitList(config.Events.Kafka.Brokers[0])
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
		if c.Database.Postgres.User == "" {
			return fmt.Errorf("database.postgres.user is required")
		}
	case "mysql":
		if c.Database.MySQL.Host == "" {
			return fmt.Errorf("database.mysql.host is required")
		}
		if c.Database.MySQL.Database == "" {
			return fmt.Errorf("database.mysql.database is required")
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}

	switch c.Database.Migrate {
	case "auto", "none":
	case "sql":
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("database.migrate=sql is only supported with postgres")
		}
	default:
		return fmt.Errorf("unsupported database.migrate %q", c.Database.Migrate)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Loyalty.LeaderboardSize <= 0 {
		return fmt.Errorf("loyalty.leaderboard_size must be positive")
	}
	if c.Loyalty.WinnersCount <= 0 {
		return fmt.Errorf("loyalty.winners_count must be positive")
	}
	if _, err := c.Loyalty.GetLocation(); err != nil {
		return fmt.Errorf("invalid loyalty.timezone %q: %w", c.Loyalty.Timezone, err)
	}

	if c.Events.Enabled {
		switch c.Events.Broker {
		case "kafka":
			if len(c.Events.Kafka.Brokers) == 0 {
				return fmt.Errorf("events.kafka.brokers is required when broker is kafka")
			}
		case "rabbitmq":
			if c.Events.RabbitMQ.URL == "" {
				return fmt.Errorf("events.rabbitmq.url is required when broker is rabbitmq")
			}
		case "log":
		default:
			return fmt.Errorf("unsupported events.broker %q", c.Events.Broker)
		}
	}

	if c.Mattermost.Enabled && c.Mattermost.WebhookURL == "" {
		return fmt.Errorf("mattermost.webhook_url is required when mattermost is enabled")
	}

	return nil
}
