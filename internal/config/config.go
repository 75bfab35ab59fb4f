// Package config provides configuration loading for the dispatch service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	Host           string        `mapstructure:"host"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	Environment    string        `mapstructure:"environment"` // dev, staging, prod
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig holds event bus configuration.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ClientID      string   `mapstructure:"client_id"`
	Topic         string   `mapstructure:"topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	ConsumeTopics []string `mapstructure:"consume_topics"`
}

// DispatchConfig holds dispatch policy knobs.
type DispatchConfig struct {
	OfferTimeout                 time.Duration `mapstructure:"offer_timeout"`
	MaxConcurrentOffersPerPorter int           `mapstructure:"max_concurrent_offers_per_porter"`
	LocationSnapshotInterval     time.Duration `mapstructure:"location_snapshot_interval"`
	LocationHistoryRetentionDays int           `mapstructure:"location_history_retention_days"`
	LocationUpdateRatePerSecond  int           `mapstructure:"location_update_rate_per_second"`
	AvailabilityStateTTL         time.Duration `mapstructure:"availability_state_ttl"`
	IdempotencyRecordTTL         time.Duration `mapstructure:"idempotency_record_ttl"`
	HeartbeatInterval            time.Duration `mapstructure:"heartbeat_interval"`
	ProfileCacheTTL              time.Duration `mapstructure:"profile_cache_ttl"`
	RateLimitFailOpen            bool          `mapstructure:"ratelimit_fail_open"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/porter-dispatch")

	// Enable environment variable override
	v.SetEnvPrefix("PORTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Explicitly bind kafka environment variables (nested struct issue with viper)
	v.BindEnv("kafka.brokers", "PORTER_KAFKA_BROKERS")
	v.BindEnv("kafka.client_id", "PORTER_KAFKA_CLIENT_ID")
	v.BindEnv("kafka.topic", "PORTER_KAFKA_TOPIC")
	v.BindEnv("kafka.consumer_group", "PORTER_KAFKA_CONSUMER_GROUP")
	v.BindEnv("kafka.consume_topics", "PORTER_KAFKA_CONSUME_TOPICS")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:*"})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dispatch")
	v.SetDefault("database.password", "dispatch")
	v.SetDefault("database.database", "dispatch")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "porter-dispatch")
	v.SetDefault("kafka.topic", "porter.events")
	v.SetDefault("kafka.consumer_group", "porter-dispatch")
	v.SetDefault("kafka.consume_topics", []string{"order.events", "payment.events"})

	// Dispatch defaults
	v.SetDefault("dispatch.offer_timeout", "30s")
	v.SetDefault("dispatch.max_concurrent_offers_per_porter", 3)
	v.SetDefault("dispatch.location_snapshot_interval", "60s")
	v.SetDefault("dispatch.location_history_retention_days", 90)
	v.SetDefault("dispatch.location_update_rate_per_second", 10)
	v.SetDefault("dispatch.availability_state_ttl", "1h")
	v.SetDefault("dispatch.idempotency_record_ttl", "24h")
	v.SetDefault("dispatch.heartbeat_interval", "30s")
	v.SetDefault("dispatch.profile_cache_ttl", "30s")
	v.SetDefault("dispatch.ratelimit_fail_open", true)
}
