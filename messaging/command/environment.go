package command

import (
	"time"

	"epoque/errors"
	"epoque/eventing"
	"epoque/eventing/monitoring"
	"epoque/eventing/store"
	"epoque/logging"
)

// DefaultTimeout 环境未配置超时时使用
const DefaultTimeout = 30 * time.Second

// Environment 执行器共享的运行环境
type Environment struct {
	// Store 事件存储，必填
	Store store.EventStore

	// Callback 全局回调（投影、调试日志、指标等），对所有命令生效
	Callback CallbackHandler

	// DefaultTimeout 命令与 journal 都未指定时的超时
	DefaultTimeout time.Duration

	// DefaultLock 命令与 journal 都未指定时的锁策略
	DefaultLock eventing.LockOption

	Metrics *monitoring.Metrics
	Logger  logging.Logger

	// Now 时钟，测试时可替换
	Now func() time.Time
}

// Validate 校验必填项并补齐默认值
func (e *Environment) Validate() error {
	if e == nil || e.Store == nil {
		return errors.InvalidConfiguration("environment has no event store")
	}
	if e.DefaultTimeout < 0 {
		return errors.InvalidConfiguration("default timeout must not be negative, got %s", e.DefaultTimeout)
	}
	if e.DefaultTimeout == 0 {
		e.DefaultTimeout = DefaultTimeout
	}
	if e.DefaultLock == eventing.LockOptionUnspecified {
		e.DefaultLock = eventing.LockOptionDefault
	}
	if e.Logger == nil {
		e.Logger = logging.ComponentLogger("command")
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	return nil
}
