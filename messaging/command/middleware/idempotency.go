package middleware

import (
	"context"
	"sync"
	"time"

	"epoque/cache"
	"epoque/errors"
	"epoque/messaging/command"
)

// MetadataIdempotencyKey 调用方在命令元数据中提供的幂等键
const MetadataIdempotencyKey = "idempotency_key"

// IdempotencyConfig 幂等性配置
type IdempotencyConfig struct {
	// TTL 已完成记录的保留时间（默认：1小时），过期后允许重新执行
	TTL time.Duration

	// MaxEntries 最多保留的记录数（默认：100000），超出时淘汰最久未使用的
	MaxEntries int
}

// DefaultIdempotencyConfig 默认配置
func DefaultIdempotencyConfig() *IdempotencyConfig {
	return &IdempotencyConfig{
		TTL:        time.Hour,
		MaxEntries: 100000,
	}
}

type idempotencyEntry struct {
	commandID string
	done      bool
	// deadline 执行中的记录在命令截止时间之后失效
	deadline time.Time
}

// IdempotencyCallback 基于幂等键拒绝重复提交的根命令
//
// 记录保存在进程内缓存中，多实例部署需要在入口处使用共享存储去重。
// 只有成功提交的命令会被记住，失败的命令可以用同一个键重试。
type IdempotencyCallback struct {
	command.BaseCallback

	mu      sync.Mutex
	entries *cache.Cache[string, idempotencyEntry]
	now     func() time.Time
}

// NewIdempotencyCallback 创建幂等回调，config 为 nil 时使用默认配置
func NewIdempotencyCallback(config *IdempotencyConfig) *IdempotencyCallback {
	if config == nil {
		config = DefaultIdempotencyConfig()
	}
	return &IdempotencyCallback{
		entries: cache.New[string, idempotencyEntry](cache.Config{
			Name:    "idempotency",
			MaxSize: config.MaxEntries,
			TTL:     config.TTL,
		}),
		now: time.Now,
	}
}

func idempotencyKey(cc *command.Context) (string, bool) {
	if cc == nil || cc.Parent != nil {
		return "", false
	}
	key, ok := cc.Metadata[MetadataIdempotencyKey].(string)
	if !ok || key == "" {
		return "", false
	}
	return cc.CommandType + ":" + key, true
}

// BeforeBegin 登记执行中的键；重复或并发的同键命令被拒绝
func (c *IdempotencyCallback) BeforeBegin(_ context.Context, cc *command.Context) error {
	key, ok := idempotencyKey(cc)
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, found := c.entries.Get(key); found {
		switch {
		case e.done:
			return errors.CommandRejected("Duplicate command", nil).
				WithDetails(map[string]any{MetadataIdempotencyKey: key, "command_id": e.commandID})
		case c.now().Before(e.deadline):
			return errors.CommandRejected("Command already in progress", nil).
				WithDetails(map[string]any{MetadataIdempotencyKey: key, "command_id": e.commandID})
		}
	}
	c.entries.Set(key, idempotencyEntry{commandID: cc.CommandID, deadline: cc.Deadline})
	return nil
}

// AfterCommit 记住已提交的键
func (c *IdempotencyCallback) AfterCommit(_ context.Context, out *command.Output) {
	key, ok := idempotencyKey(out.Context)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Set(key, idempotencyEntry{commandID: out.Context.CommandID, done: true})
}

// AfterRollback 释放本命令登记的键
func (c *IdempotencyCallback) AfterRollback(_ context.Context, cc *command.Context, _ error) {
	key, ok := idempotencyKey(cc)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, found := c.entries.Get(key); found && !e.done && e.commandID == cc.CommandID {
		c.entries.Delete(key)
	}
}

// Len 当前保存的记录数（用于监控）
func (c *IdempotencyCallback) Len() int {
	return c.entries.Len()
}

// Clear 清空所有记录（用于测试）
func (c *IdempotencyCallback) Clear() {
	c.entries.Clear()
}
