package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration, loaded from the environment
// with optional .env overrides.
type Config struct {
	ListenAddr string
	LogLevel   string
	LogPretty  bool

	Database DatabaseConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Ledger   LedgerConfig
}

// DatabaseConfig selects the gorm backend. Driver is "postgres" or
// "sqlite"; for sqlite the DSN is a file path (or ":memory:").
type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// KafkaConfig configures the balance-event publisher. Empty broker
// list disables publishing (nop publisher).
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// RedisConfig configures the optional wallet cache. Empty address
// disables the cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

// LedgerConfig bounds the optimistic append retry loop
type LedgerConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_DSN", "host=localhost user=bitvex dbname=bitvex sslmode=disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 50)
	v.SetDefault("DB_MAX_IDLE_CONNS", 10)
	v.SetDefault("DB_CONN_MAX_LIFETIME", time.Hour)

	v.SetDefault("KAFKA_BROKERS", []string{})
	v.SetDefault("KAFKA_TOPIC", "bitvex.balance-events")
	v.SetDefault("KAFKA_WRITE_TIMEOUT", 2*time.Second)

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_CACHE_TTL", 30*time.Second)

	v.SetDefault("LEDGER_MAX_RETRIES", 5)
	v.SetDefault("LEDGER_RETRY_BACKOFF", 20*time.Millisecond)

	cfg := &Config{
		ListenAddr: v.GetString("LISTEN_ADDR"),
		LogLevel:   v.GetString("LOG_LEVEL"),
		LogPretty:  v.GetBool("LOG_PRETTY"),
		Database: DatabaseConfig{
			Driver:          v.GetString("DB_DRIVER"),
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Kafka: KafkaConfig{
			Brokers:      v.GetStringSlice("KAFKA_BROKERS"),
			Topic:        v.GetString("KAFKA_TOPIC"),
			WriteTimeout: v.GetDuration("KAFKA_WRITE_TIMEOUT"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			CacheTTL: v.GetDuration("REDIS_CACHE_TTL"),
		},
		Ledger: LedgerConfig{
			MaxRetries:   v.GetInt("LEDGER_MAX_RETRIES"),
			RetryBackoff: v.GetDuration("LEDGER_RETRY_BACKOFF"),
		},
	}

	return cfg, nil
}
