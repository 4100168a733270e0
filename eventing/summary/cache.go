package summary

import (
	"context"

	"epoque/cache"
	"epoque/eventing"
)

// CacheKey 摘要缓存键；同一 journal 可以有多种摘要类型
type CacheKey struct {
	SummaryType string
	Key         eventing.JournalKey
}

func (k CacheKey) String() string {
	return k.SummaryType + ":" + k.Key.String()
}

// Cache 摘要缓存，仅作加速用途
//
// 缓存内容可能落后于事件日志；加载方总是从缓存版本继续读取后续事件，
// 因此缓存缺失或过旧只影响性能，不影响正确性。
type Cache[S any] interface {
	Get(ctx context.Context, key CacheKey) (VersionedSummary[S], bool, error)
	Put(ctx context.Context, key CacheKey, value VersionedSummary[S]) error
	Invalidate(ctx context.Context, key CacheKey) error
}

// LRUCache 进程内摘要缓存
type LRUCache[S any] struct {
	lru *cache.Cache[CacheKey, VersionedSummary[S]]
}

// NewLRUCache 创建进程内缓存；TTL 从写入时刻起算
func NewLRUCache[S any](config cache.Config) *LRUCache[S] {
	if config.Name == "" {
		config.Name = "summary"
	}
	return &LRUCache[S]{lru: cache.New[CacheKey, VersionedSummary[S]](config)}
}

func (c *LRUCache[S]) Get(_ context.Context, key CacheKey) (VersionedSummary[S], bool, error) {
	v, ok := c.lru.Get(key)
	return v, ok, nil
}

// Put 不会用较旧的版本覆盖较新的版本
func (c *LRUCache[S]) Put(_ context.Context, key CacheKey, value VersionedSummary[S]) error {
	c.lru.SetIf(key, value, func(old VersionedSummary[S]) bool {
		return !value.Version.Before(old.Version)
	})
	return nil
}

func (c *LRUCache[S]) Invalidate(_ context.Context, key CacheKey) error {
	c.lru.Delete(key)
	return nil
}

func (c *LRUCache[S]) Stats() cache.Stats { return c.lru.Stats() }
func (c *LRUCache[S]) Len() int           { return c.lru.Len() }
