package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 50, cfg.Database.MaxOpenConns)
	require.Empty(t, cfg.Kafka.Brokers)
	require.Equal(t, "bitvex.balance-events", cfg.Kafka.Topic)
	require.Empty(t, cfg.Redis.Addr)
	require.Equal(t, 5, cfg.Ledger.MaxRetries)
	require.Equal(t, 20*time.Millisecond, cfg.Ledger.RetryBackoff)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "bitvex.db")
	t.Setenv("LEDGER_MAX_RETRIES", "2")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "bitvex.db", cfg.Database.DSN)
	require.Equal(t, 2, cfg.Ledger.MaxRetries)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
}
