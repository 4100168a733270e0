// Package config 汇总引擎的运行配置
//
// DefaultConfig 给出可直接运行的默认值；LoadFromEnv 在默认值之上读取 EPOQUE_* 环境变量。
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"epoque/cache"
	"epoque/data/db"
	sqlbuilder "epoque/data/db/sql"
	"epoque/eventing"
	"epoque/eventing/outbox"
	"epoque/eventing/store"
	"epoque/logging"
	"epoque/messaging/command"
)

// Config 引擎配置
type Config struct {
	// DefaultTimeout 命令与 journal 都未指定超时时使用
	DefaultTimeout time.Duration `env:"EPOQUE_DEFAULT_TIMEOUT"`

	// DefaultLock 锁策略名称：default / journal_lock
	DefaultLock string `env:"EPOQUE_DEFAULT_LOCK"`

	// LogLevel debug / info / warn / error
	LogLevel string `env:"EPOQUE_LOG_LEVEL"`

	SummaryCache SummaryCacheConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	NATS         NATSConfig
	Outbox       OutboxConfig
	RateLimit    RateLimitConfig
}

// SummaryCacheConfig 进程内摘要缓存
type SummaryCacheConfig struct {
	// Size 最大条目数，0 表示不限
	Size int           `env:"EPOQUE_SUMMARY_CACHE_SIZE"`
	TTL  time.Duration `env:"EPOQUE_SUMMARY_CACHE_TTL"`
}

// DatabaseConfig SQL 事件存储
type DatabaseConfig struct {
	Driver     string `env:"EPOQUE_DB_DRIVER"`
	DSN        string `env:"EPOQUE_DB_DSN"`
	EventTable string `env:"EPOQUE_EVENT_TABLE"`

	MaxOpenConns    int           `env:"EPOQUE_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"EPOQUE_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"EPOQUE_DB_CONN_MAX_LIFETIME"`
}

// RedisConfig 为空地址时不启用 Redis 摘要缓存与 Redis Streams
type RedisConfig struct {
	Addr         string        `env:"EPOQUE_REDIS_ADDR"`
	Password     string        `env:"EPOQUE_REDIS_PASSWORD"`
	DB           int           `env:"EPOQUE_REDIS_DB"`
	SummaryTTL   time.Duration `env:"EPOQUE_REDIS_SUMMARY_TTL"`
	StreamPrefix string        `env:"EPOQUE_REDIS_STREAM_PREFIX"`
}

// NATSConfig 为空 URL 时不启用 JetStream 发布
type NATSConfig struct {
	URL           string `env:"EPOQUE_NATS_URL"`
	Stream        string `env:"EPOQUE_NATS_STREAM"`
	SubjectPrefix string `env:"EPOQUE_NATS_SUBJECT_PREFIX"`
}

// OutboxConfig 事务性 outbox；仅 SQL 事件存储可用
type OutboxConfig struct {
	Enabled         bool          `env:"EPOQUE_OUTBOX_ENABLED"`
	Table           string        `env:"EPOQUE_OUTBOX_TABLE"`
	PublishInterval time.Duration `env:"EPOQUE_OUTBOX_PUBLISH_INTERVAL"`
	BatchSize       int           `env:"EPOQUE_OUTBOX_BATCH_SIZE"`
	MaxRetries      int           `env:"EPOQUE_OUTBOX_MAX_RETRIES"`
	RetryInterval   time.Duration `env:"EPOQUE_OUTBOX_RETRY_INTERVAL"`
	Retention       time.Duration `env:"EPOQUE_OUTBOX_RETENTION"`
}

// RateLimitConfig 按 journal 组限制根命令速率；RPS 为 0 时不启用
type RateLimitConfig struct {
	RPS   float64 `env:"EPOQUE_RATE_LIMIT_RPS"`
	Burst int     `env:"EPOQUE_RATE_LIMIT_BURST"`
	Wait  bool    `env:"EPOQUE_RATE_LIMIT_WAIT"`
}

// DefaultConfig 默认配置：内存之外的依赖全部关闭，数据库为本地 sqlite 文件
func DefaultConfig() Config {
	relay := outbox.DefaultConfig()
	return Config{
		DefaultTimeout: command.DefaultTimeout,
		DefaultLock:    eventing.LockOptionDefault.String(),
		LogLevel:       logging.InfoLevel.String(),
		SummaryCache: SummaryCacheConfig{
			Size: 10000,
			TTL:  10 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			DSN:        "file:epoque.db?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
			EventTable: "journal_events",
		},
		Redis: RedisConfig{
			SummaryTTL:   time.Hour,
			StreamPrefix: "epoque:events:",
		},
		NATS: NATSConfig{
			Stream:        "EPOQUE",
			SubjectPrefix: "epoque.",
		},
		Outbox: OutboxConfig{
			Table:           outbox.DefaultTable,
			PublishInterval: relay.PublishInterval,
			BatchSize:       relay.BatchSize,
			MaxRetries:      relay.MaxRetries,
			RetryInterval:   relay.RetryInterval,
			Retention:       relay.RetentionPeriod,
		},
	}
}

// LoadFromEnv 在默认值之上读取进程环境变量并校验
func LoadFromEnv() (Config, error) {
	return load(env.Options{})
}

// LoadFromMap 与 LoadFromEnv 相同，但从给定的键值读取（测试与嵌入场景）
func LoadFromMap(environ map[string]string) (Config, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 校验取值范围与名称
func (c Config) Validate() error {
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("config: default timeout must not be negative, got %s", c.DefaultTimeout)
	}
	if _, err := eventing.ParseLockOption(c.DefaultLock); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.SummaryCache.Size < 0 {
		return fmt.Errorf("config: summary cache size must not be negative, got %d", c.SummaryCache.Size)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.EventTable != "" && !sqlbuilder.IsSafeIdentifier(c.Database.EventTable) {
		return fmt.Errorf("config: unsafe event table name %q", c.Database.EventTable)
	}
	if c.Outbox.Table != "" && !sqlbuilder.IsSafeIdentifier(c.Outbox.Table) {
		return fmt.Errorf("config: unsafe outbox table name %q", c.Outbox.Table)
	}
	if c.Outbox.BatchSize < 0 || c.Outbox.MaxRetries < 0 {
		return fmt.Errorf("config: outbox batch size and max retries must not be negative")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("config: rate limit must not be negative")
	}
	return nil
}

// Lock 解析后的默认锁策略；名称非法时返回 LockOptionUnspecified
func (c Config) Lock() eventing.LockOption {
	lock, _ := eventing.ParseLockOption(c.DefaultLock)
	return lock
}

// Environment 以配置的默认值构建执行环境
func (c Config) Environment(s store.EventStore, cb command.CallbackHandler) (*command.Environment, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	e := &command.Environment{
		Store:          s,
		Callback:       cb,
		DefaultTimeout: c.DefaultTimeout,
		DefaultLock:    c.Lock(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// DBConfig 转换为 data/db 的连接配置
func (c Config) DBConfig() db.DBConfig {
	return db.DBConfig{
		Driver:          c.Database.Driver,
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

// RelayConfig outbox 发布器配置
func (c Config) RelayConfig() outbox.Config {
	return outbox.Config{
		PublishInterval: c.Outbox.PublishInterval,
		BatchSize:       c.Outbox.BatchSize,
		MaxRetries:      c.Outbox.MaxRetries,
		RetryInterval:   c.Outbox.RetryInterval,
		RetentionPeriod: c.Outbox.Retention,
	}
}

// CacheConfig 摘要缓存配置，name 用于日志与统计
func (c Config) CacheConfig(name string) cache.Config {
	return cache.Config{Name: name, MaxSize: c.SummaryCache.Size, TTL: c.SummaryCache.TTL}
}

// Logger 按 LogLevel 构建标准库 Logger
func (c Config) Logger() *logging.StdLogger {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		level = logging.InfoLevel
	}
	return logging.NewStdLogger("[epoque] ").WithLevel(level)
}
