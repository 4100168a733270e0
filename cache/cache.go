// Package cache 提供进程内的泛型 LRU + TTL 缓存
//
// 摘要缓存（summary cache）以它为默认实现：容量受限、按写入时间过期、并发安全。
package cache

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Config 缓存配置
type Config struct {
	// Name 用于日志与统计
	Name string

	// MaxSize 最大条目数，<=0 表示不限
	MaxSize int

	// TTL 自写入起的存活时间，<=0 表示永不过期
	TTL time.Duration
}

// Stats 统计信息
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64 // 因容量被驱逐
	Expires   int64 // 因 TTL 过期
	Rejected  int64 // SetIf 拒绝的写入
	Size      int
}

// HitRate 命中率，无访问时为 0
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache 泛型 LRU 缓存
//
// 淘汰顺序由 simplelru 维护；过期时间随条目保存，按注入的时钟判断，
// 外层互斥锁让 SetIf 的"读旧值再决定是否覆盖"成为原子操作。
type Cache[K comparable, V any] struct {
	config  Config
	onEvict func(K, V)
	now     func() time.Time

	mu    sync.Mutex
	lru   *simplelru.LRU[K, entry[V]]
	stats Stats
}

type entry[V any] struct {
	value     V
	expiresAt time.Time // 零值表示不过期
}

// Option 可选配置
type Option[K comparable, V any] func(*Cache[K, V])

// WithOnEvict 条目被驱逐、过期或删除时回调（在缓存锁内调用，不可重入缓存）
func WithOnEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// WithClock 替换时间源（用于测试）
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// New 创建缓存
func New[K comparable, V any](config Config, opts ...Option[K, V]) *Cache[K, V] {
	if config.Name == "" {
		config.Name = "unnamed"
	}
	c := &Cache[K, V]{config: config, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	size := config.MaxSize
	if size <= 0 {
		size = math.MaxInt
	}
	// size 为正时 NewLRU 不会失败
	c.lru, _ = simplelru.NewLRU[K, entry[V]](size, func(key K, e entry[V]) {
		if c.onEvict != nil {
			c.onEvict(key, e.value)
		}
	})
	return c
}

func (c *Cache[K, V]) Name() string { return c.config.Name }

// Get 返回未过期的值并将其标记为最近使用
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if c.expired(e) {
		c.lru.Remove(key)
		c.stats.Expires++
		c.stats.Misses++
		return zero, false
	}
	c.stats.Hits++
	return e.value, true
}

// Set 写入或覆盖
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetIf(key, value, nil)
}

// SetIf 仅当 replace(旧值) 为 true 时覆盖已存在的未过期条目；replace 为 nil 时总是覆盖
//
// 返回值表示是否写入。
func (c *Cache[K, V]) SetIf(key K, value V, replace func(old V) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if replace != nil {
		if old, ok := c.lru.Peek(key); ok && !c.expired(old) && !replace(old.value) {
			c.stats.Rejected++
			return false
		}
	}
	if c.lru.Add(key, entry[V]{value: value, expiresAt: c.deadline()}) {
		c.stats.Evictions++
	}
	return true
}

// Delete 删除条目，返回是否存在
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Clear 清空缓存
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// CleanExpired 清理所有过期条目，返回清理数量
func (c *Cache[K, V]) CleanExpired() int {
	if c.config.TTL <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cleaned := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && c.expired(e) {
			c.lru.Remove(key)
			cleaned++
		}
	}
	c.stats.Expires += int64(cleaned)
	return cleaned
}

// Len 当前条目数（含尚未清理的过期条目）
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats 统计信息副本
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.lru.Len()
	return s
}

func (c *Cache[K, V]) String() string {
	s := c.Stats()
	return fmt.Sprintf("Cache[%s]: size=%d/%d, hits=%d, misses=%d, hit_rate=%.2f%%, evictions=%d, expires=%d",
		c.config.Name, s.Size, c.config.MaxSize, s.Hits, s.Misses, s.HitRate()*100, s.Evictions, s.Expires)
}

func (c *Cache[K, V]) deadline() time.Time {
	if c.config.TTL <= 0 {
		return time.Time{}
	}
	return c.now().Add(c.config.TTL)
}

func (c *Cache[K, V]) expired(e entry[V]) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}
