package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"epoque/errors"
	"epoque/eventing"
	"epoque/messaging/command"
)

// RateLimitConfig 按 journal 组限流
type RateLimitConfig struct {
	// RPS 每秒允许的命令数
	RPS float64
	// Burst 突发容量；<=0 时取 1
	Burst int
	// Wait 为 true 时排队等待令牌，直到 context 截止；否则立即拒绝
	Wait bool
}

type rateLimitCallback struct {
	command.BaseCallback
	cfg RateLimitConfig

	mu       sync.Mutex
	limiters map[eventing.JournalGroupID]*rate.Limiter
}

// NewRateLimitCallback 在 BeforeBegin 阶段限制根命令的速率
//
// 链式命令在父命令的事务内执行，不参与限流。
// 排队超时以 TIMEOUT 返回，立即拒绝以 COMMAND_REJECTED 返回。
func NewRateLimitCallback(cfg RateLimitConfig) command.CallbackHandler {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &rateLimitCallback{cfg: cfg, limiters: make(map[eventing.JournalGroupID]*rate.Limiter)}
}

func (r *rateLimitCallback) limiter(group eventing.JournalGroupID) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[group]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.cfg.RPS), r.cfg.Burst)
		r.limiters[group] = l
	}
	return l
}

func (r *rateLimitCallback) BeforeBegin(ctx context.Context, cc *command.Context) error {
	if cc.Parent != nil {
		return nil
	}
	l := r.limiter(cc.Key.GroupID)
	if r.cfg.Wait {
		if err := l.Wait(ctx); err != nil {
			return errors.Timeout(err)
		}
		return nil
	}
	if !l.Allow() {
		return errors.CommandRejected("rate limit exceeded", nil).
			WithContext("journal_group", string(cc.Key.GroupID))
	}
	return nil
}
