package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epoque/eventing"
	"epoque/eventing/store"
	"epoque/logging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, eventing.LockOptionDefault, cfg.Lock())
	assert.Equal(t, "sqlite", cfg.DBConfig().Driver)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.NATS.URL)
}

func TestLoadFromMap(t *testing.T) {
	cfg, err := LoadFromMap(map[string]string{
		"EPOQUE_DEFAULT_TIMEOUT":    "5s",
		"EPOQUE_DEFAULT_LOCK":       "journal_lock",
		"EPOQUE_SUMMARY_CACHE_SIZE": "42",
		"EPOQUE_SUMMARY_CACHE_TTL":  "1m",
		"EPOQUE_DB_DRIVER":          "postgres",
		"EPOQUE_DB_DSN":             "postgres://localhost/epoque?sslmode=disable",
		"EPOQUE_EVENT_TABLE":        "events",
		"EPOQUE_REDIS_ADDR":         "localhost:6379",
		"EPOQUE_NATS_URL":           "nats://localhost:4222",
		"EPOQUE_LOG_LEVEL":          "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, eventing.LockOptionJournal, cfg.Lock())
	assert.Equal(t, 42, cfg.CacheConfig("project").MaxSize)
	assert.Equal(t, time.Minute, cfg.CacheConfig("project").TTL)
	assert.Equal(t, "project", cfg.CacheConfig("project").Name)
	assert.Equal(t, "postgres", cfg.DBConfig().Driver)
	assert.Equal(t, "events", cfg.Database.EventTable)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, logging.DebugLevel, cfg.Logger().Level())

	// 未设置的变量保留默认值
	assert.Equal(t, "EPOQUE", cfg.NATS.Stream)
	assert.Equal(t, time.Hour, cfg.Redis.SummaryTTL)
}

func TestOutboxConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Outbox.Enabled)
	assert.Equal(t, "event_outbox", cfg.Outbox.Table)
	assert.Equal(t, 5, cfg.RelayConfig().MaxRetries)

	cfg, err := LoadFromMap(map[string]string{
		"EPOQUE_OUTBOX_ENABLED":          "true",
		"EPOQUE_OUTBOX_PUBLISH_INTERVAL": "2s",
		"EPOQUE_OUTBOX_MAX_RETRIES":      "9",
	})
	require.NoError(t, err)
	assert.True(t, cfg.Outbox.Enabled)
	relay := cfg.RelayConfig()
	assert.Equal(t, 2*time.Second, relay.PublishInterval)
	assert.Equal(t, 9, relay.MaxRetries)
	assert.Equal(t, 100, relay.BatchSize)
	assert.Equal(t, 7*24*time.Hour, relay.RetentionPeriod)
}

func TestRateLimitConfig(t *testing.T) {
	cfg, err := LoadFromMap(nil)
	require.NoError(t, err)
	assert.Zero(t, cfg.RateLimit.RPS)

	cfg, err = LoadFromMap(map[string]string{
		"EPOQUE_RATE_LIMIT_RPS":   "12.5",
		"EPOQUE_RATE_LIMIT_BURST": "20",
		"EPOQUE_RATE_LIMIT_WAIT":  "true",
	})
	require.NoError(t, err)
	assert.Equal(t, 12.5, cfg.RateLimit.RPS)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.True(t, cfg.RateLimit.Wait)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("EPOQUE_DEFAULT_TIMEOUT", "250ms")
	t.Setenv("EPOQUE_LOG_LEVEL", "warn")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.DefaultTimeout)
	assert.Equal(t, logging.WarnLevel, cfg.Logger().Level())
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"bad duration":   {"EPOQUE_DEFAULT_TIMEOUT": "soon"},
		"negative":       {"EPOQUE_DEFAULT_TIMEOUT": "-1s"},
		"lock":           {"EPOQUE_DEFAULT_LOCK": "pessimistic"},
		"level":          {"EPOQUE_LOG_LEVEL": "loud"},
		"driver":         {"EPOQUE_DB_DRIVER": "oracle"},
		"table":          {"EPOQUE_EVENT_TABLE": "events; drop"},
		"cache size":     {"EPOQUE_SUMMARY_CACHE_SIZE": "-3"},
		"cache size int": {"EPOQUE_SUMMARY_CACHE_SIZE": "many"},
		"outbox table":   {"EPOQUE_OUTBOX_TABLE": "outbox!"},
		"outbox retries": {"EPOQUE_OUTBOX_MAX_RETRIES": "-1"},
		"rate limit":     {"EPOQUE_RATE_LIMIT_RPS": "-2"},
	}
	for name, environ := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFromMap(environ)
			assert.Error(t, err)
		})
	}
}

func TestConfig_Environment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 2 * time.Second
	cfg.DefaultLock = "journal"

	env, err := cfg.Environment(store.NewMemoryEventStore(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, env.DefaultTimeout)
	assert.Equal(t, eventing.LockOptionJournal, env.DefaultLock)
	assert.NotNil(t, env.Logger)

	cfg.DefaultTimeout = 0
	env, err = cfg.Environment(store.NewMemoryEventStore(), nil)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, env.DefaultTimeout, "0 使用引擎默认值")

	_, err = cfg.Environment(nil, nil)
	assert.Error(t, err)
}
