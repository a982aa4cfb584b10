package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	DB       DBConfig
	Log      LogConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Issuance IssuanceConfig
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port            string `envconfig:"SERVER_PORT" default:"3000"`
	ShutdownTimeout int    `envconfig:"SHUTDOWN_TIMEOUT" default:"30"` // seconds
}

// DBConfig holds database-related configuration.
// WARNING: Default password is for local development only.
// In production, always set DB_PASSWORD via environment variable.
// In production, set DB_SSLMODE to "require" or "verify-full".
type DBConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD" default:"postgres"` // CHANGE IN PRODUCTION
	Name     string `envconfig:"DB_NAME" default:"coupon_db"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"` // Use "require" in production
	MaxConns int    `envconfig:"DB_MAX_CONNS" default:"25"`
	MinConns int    `envconfig:"DB_MIN_CONNS" default:"5"`
}

// DSN returns the PostgreSQL connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d&pool_min_conns=%d",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode, c.MaxConns, c.MinConns)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Pretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// RedisConfig holds cache connectivity configuration. ClusterMode is an
// explicit switch rather than inferred from address count: a
// single-node cluster deployment and a standalone instance look
// identical from one seed address, so guessing would silently pick the
// wrong client.
type RedisConfig struct {
	Addrs       []string `envconfig:"REDIS_ADDRS" default:"localhost:6379"`
	ClusterMode bool     `envconfig:"REDIS_CLUSTER_MODE" default:"false"`
	PoolSize    int      `envconfig:"REDIS_POOL_SIZE" default:"50"`
	TTLSeconds  int      `envconfig:"REDIS_TTL_SECONDS" default:"3600"`
}

// TTL returns the configured admission-state TTL as a duration.
func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// KafkaConfig holds event-bus connectivity configuration.
type KafkaConfig struct {
	Brokers       []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	Topic         string   `envconfig:"KAFKA_TOPIC" default:"coupon-events"`
	DLQTopic      string   `envconfig:"KAFKA_DLQ_TOPIC" default:"coupon-events.dlq"`
	ConsumerGroup string   `envconfig:"KAFKA_CONSUMER_GROUP" default:"coupon-materializer"`
}

// IssuanceConfig holds business policy for the admission coordinator.
type IssuanceConfig struct {
	DefaultStock           int  `envconfig:"ISSUANCE_DEFAULT_STOCK" default:"100"`
	ConvenienceSeedEnabled bool `envconfig:"ISSUANCE_CONVENIENCE_SEED_ENABLED" default:"true"`
	RequestDeadlineSeconds int  `envconfig:"ISSUANCE_REQUEST_DEADLINE_SECONDS" default:"10"`
}

// RequestDeadline returns the per-request budget as a duration.
func (c IssuanceConfig) RequestDeadline() time.Duration {
	return time.Duration(c.RequestDeadlineSeconds) * time.Second
}

// Load parses environment variables into the Config struct and validates them.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	// Validate server port
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil {
		return fmt.Errorf("SERVER_PORT must be a valid number: %w", err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", port)
	}

	// Validate shutdown timeout
	if c.Server.ShutdownTimeout < 1 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be at least 1 second, got %d", c.Server.ShutdownTimeout)
	}

	// Validate DB port
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.DB.Port)
	}

	// Validate connection pool sizes
	if c.DB.MaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.DB.MaxConns)
	}
	if c.DB.MinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be at least 0, got %d", c.DB.MinConns)
	}
	if c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DB.MinConns, c.DB.MaxConns)
	}

	// Validate SSL mode
	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[c.DB.SSLMode] {
		return fmt.Errorf("DB_SSLMODE must be one of: disable, allow, prefer, require, verify-ca, verify-full; got %q", c.DB.SSLMode)
	}

	if len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("REDIS_ADDRS must list at least one address")
	}
	if c.Redis.PoolSize < 1 {
		return fmt.Errorf("REDIS_POOL_SIZE must be at least 1, got %d", c.Redis.PoolSize)
	}
	if c.Redis.TTLSeconds < 1 {
		return fmt.Errorf("REDIS_TTL_SECONDS must be at least 1, got %d", c.Redis.TTLSeconds)
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("KAFKA_CONSUMER_GROUP must not be empty")
	}

	if c.Issuance.DefaultStock < 0 {
		return fmt.Errorf("ISSUANCE_DEFAULT_STOCK must not be negative, got %d", c.Issuance.DefaultStock)
	}
	if c.Issuance.RequestDeadlineSeconds < 1 {
		return fmt.Errorf("ISSUANCE_REQUEST_DEADLINE_SECONDS must be at least 1, got %d", c.Issuance.RequestDeadlineSeconds)
	}

	return nil
}
