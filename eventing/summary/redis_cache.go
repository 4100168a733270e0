package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"epoque/eventing"
)

// redisClient go-redis 中用到的命令子集，便于测试替换
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisCache 跨进程共享的摘要缓存
//
// 写入是后写覆盖；多个进程并发写入时缓存可能短暂持有较旧版本。
type RedisCache[S any] struct {
	client redisClient
	codec  eventing.Codec[S]
	prefix string
	ttl    time.Duration
}

type redisEntry struct {
	Version uint64 `json:"version"`
	Summary []byte `json:"summary"`
}

// NewRedisCache 创建 Redis 摘要缓存；codec 为 nil 时使用 JSON，ttl 为 0 表示不过期
func NewRedisCache[S any](client redis.Cmdable, codec eventing.Codec[S], prefix string, ttl time.Duration) *RedisCache[S] {
	return newRedisCache[S](client, codec, prefix, ttl)
}

func newRedisCache[S any](client redisClient, codec eventing.Codec[S], prefix string, ttl time.Duration) *RedisCache[S] {
	if codec == nil {
		codec = eventing.JSONCodec[S]{}
	}
	if prefix == "" {
		prefix = "epoque:summary:"
	}
	return &RedisCache[S]{client: client, codec: codec, prefix: prefix, ttl: ttl}
}

func (c *RedisCache[S]) key(key CacheKey) string {
	return c.prefix + key.String()
}

func (c *RedisCache[S]) Get(ctx context.Context, key CacheKey) (VersionedSummary[S], bool, error) {
	var zero VersionedSummary[S]
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}

	var entry redisEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return zero, false, fmt.Errorf("decode cached summary %s: %w", key, err)
	}
	s, err := c.codec.Decode(entry.Summary)
	if err != nil {
		return zero, false, fmt.Errorf("decode cached summary %s: %w", key, err)
	}
	return VersionedSummary[S]{Version: eventing.Version(entry.Version), Summary: s}, true, nil
}

func (c *RedisCache[S]) Put(ctx context.Context, key CacheKey, value VersionedSummary[S]) error {
	data, err := c.codec.Encode(value.Summary)
	if err != nil {
		return fmt.Errorf("encode summary %s: %w", key, err)
	}
	raw, err := json.Marshal(redisEntry{Version: uint64(value.Version), Summary: data})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), raw, c.ttl).Err()
}

func (c *RedisCache[S]) Invalidate(ctx context.Context, key CacheKey) error {
	return c.client.Del(ctx, c.key(key)).Err()
}
