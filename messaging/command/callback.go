package command

import (
	"context"

	"epoque/eventing/store"
)

// CallbackHandler 命令生命周期回调
//
// 调用顺序：BeforeBegin → AfterBegin → BeforeCommit → AfterCommit，
// 事务开始后任一步失败则改为调用 AfterRollback。
// BeforeBegin、AfterBegin、BeforeCommit 返回错误会中止命令；
// AfterCommit、AfterRollback 发生在事务之外，无法影响结果。
type CallbackHandler interface {
	// BeforeBegin 开始获取事务与锁之前
	BeforeBegin(ctx context.Context, c *Context) error

	// AfterBegin 事务与锁已持有
	AfterBegin(ctx context.Context, c *Context, tx store.Tx) error

	// BeforeCommit 事件已写入事务、尚未提交；投影在此阶段执行
	BeforeCommit(ctx context.Context, out *Output, tx store.Tx) error

	// AfterCommit 事务已提交
	AfterCommit(ctx context.Context, out *Output)

	// AfterRollback 事务已回滚，err 为导致回滚的错误
	AfterRollback(ctx context.Context, c *Context, err error)
}

// BaseCallback 空实现，嵌入后只需覆盖关心的阶段
type BaseCallback struct{}

func (BaseCallback) BeforeBegin(context.Context, *Context) error           { return nil }
func (BaseCallback) AfterBegin(context.Context, *Context, store.Tx) error  { return nil }
func (BaseCallback) BeforeCommit(context.Context, *Output, store.Tx) error { return nil }
func (BaseCallback) AfterCommit(context.Context, *Output)                  {}
func (BaseCallback) AfterRollback(context.Context, *Context, error)        {}

// callbackChain 按注册顺序依次调用
type callbackChain []CallbackHandler

// Callbacks 组合多个回调；每个阶段按参数顺序调用
//
// Before/After-begin 与 BeforeCommit 在第一个错误处停止；
// AfterCommit 与 AfterRollback 总是调用全部。nil 参数被忽略，嵌套组合会被展开。
func Callbacks(handlers ...CallbackHandler) CallbackHandler {
	var chain callbackChain
	for _, h := range handlers {
		switch v := h.(type) {
		case nil:
		case callbackChain:
			chain = append(chain, v...)
		default:
			chain = append(chain, v)
		}
	}
	if len(chain) == 1 {
		return chain[0]
	}
	return chain
}

func (c callbackChain) BeforeBegin(ctx context.Context, cc *Context) error {
	for _, h := range c {
		if err := h.BeforeBegin(ctx, cc); err != nil {
			return err
		}
	}
	return nil
}

func (c callbackChain) AfterBegin(ctx context.Context, cc *Context, tx store.Tx) error {
	for _, h := range c {
		if err := h.AfterBegin(ctx, cc, tx); err != nil {
			return err
		}
	}
	return nil
}

func (c callbackChain) BeforeCommit(ctx context.Context, out *Output, tx store.Tx) error {
	for _, h := range c {
		if err := h.BeforeCommit(ctx, out, tx); err != nil {
			return err
		}
	}
	return nil
}

func (c callbackChain) AfterCommit(ctx context.Context, out *Output) {
	for _, h := range c {
		h.AfterCommit(ctx, out)
	}
}

func (c callbackChain) AfterRollback(ctx context.Context, cc *Context, err error) {
	for _, h := range c {
		h.AfterRollback(ctx, cc, err)
	}
}
