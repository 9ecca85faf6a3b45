// Package config loads service configuration from an optional config file and
// STOCK_-prefixed environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Log      LogConfig
	HTTP     HTTPConfig
	Stock    StockConfig
	Metrics  MetricsConfig
	Worker   WorkerConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// IsDevelopment reports whether the service runs in development mode.
func (c AppConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string // takes precedence over the individual fields
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	StatementTimeout time.Duration
	MigrateOnStart   bool
}

// DSN returns the connection string for pgxpool.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.DBName,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// RedisConfig holds Redis connection settings. An empty Addr disables the rebuild guard.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT settings
type JWTConfig struct {
	Secret                string
	Issuer                string
	AccessTokenExpiration time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string // debug, info, warn, error
	Development bool
	OutputPaths []string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	IdempotencyEnabled bool
	IdempotencyTTL     time.Duration
}

// StockConfig holds stock ledger settings
type StockConfig struct {
	Epsilon        decimal.Decimal
	RebuildLockTTL time.Duration
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// WorkerConfig holds background maintenance schedules. A zero interval disables the job.
type WorkerConfig struct {
	AuditInterval   time.Duration
	CleanupInterval time.Duration
}

// Load loads configuration from a config file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with STOCK_ prefix (e.g., STOCK_DATABASE_PASSWORD)
// 2. config.yaml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/stockledger")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("STOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	epsilon, err := decimal.NewFromString(v.GetString("stock.epsilon"))
	if err != nil {
		return nil, fmt.Errorf("invalid stock.epsilon: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			URL:             v.GetString("database.url"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxConns:        v.GetInt32("database.max_conns"),
			MinConns:        v.GetInt32("database.min_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetDuration("database.conn_max_idle_time"),

			StatementTimeout: v.GetDuration("database.statement_timeout"),
			MigrateOnStart:   v.GetBool("database.migrate_on_start"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:                v.GetString("jwt.secret"),
			Issuer:                v.GetString("jwt.issuer"),
			AccessTokenExpiration: v.GetDuration("jwt.access_token_expiration"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			OutputPaths: v.GetStringSlice("log.output_paths"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			IdleTimeout:     v.GetDuration("http.idle_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),

			IdempotencyEnabled: v.GetBool("http.idempotency_enabled"),
			IdempotencyTTL:     v.GetDuration("http.idempotency_ttl"),
		},
		Stock: StockConfig{
			Epsilon:        epsilon,
			RebuildLockTTL: v.GetDuration("stock.rebuild_lock_ttl"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Path:    v.GetString("metrics.path"),
		},
		Worker: WorkerConfig{
			AuditInterval:   v.GetDuration("worker.audit_interval"),
			CleanupInterval: v.GetDuration("worker.cleanup_interval"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "stockledger")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "stockledger")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)
	v.SetDefault("database.statement_timeout", 30*time.Second)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("redis.db", 0)

	v.SetDefault("jwt.issuer", "stockledger")
	v.SetDefault("jwt.access_token_expiration", 15*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.output_paths", []string{"stdout"})

	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("http.idempotency_enabled", true)
	v.SetDefault("http.idempotency_ttl", 24*time.Hour)

	v.SetDefault("stock.epsilon", "0.01")
	v.SetDefault("stock.rebuild_lock_ttl", 10*time.Minute)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("worker.audit_interval", time.Hour)
	v.SetDefault("worker.cleanup_interval", time.Hour)
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		if !c.App.IsDevelopment() {
			return fmt.Errorf("jwt.secret is required outside development")
		}
		c.JWT.Secret = "development-secret-change-me"
	}
	if !c.Stock.Epsilon.IsPositive() {
		return fmt.Errorf("stock.epsilon must be positive, got %s", c.Stock.Epsilon)
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("database.max_conns (%d) is below database.min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}
	return nil
}
