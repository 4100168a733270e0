package command

import (
	"context"
	"fmt"
	"sync"

	"epoque/errors"
	"epoque/eventing"
	"epoque/eventing/store"
)

// Handler 命令处理器
//
// Prepare 可选，在事务开始前执行（例如调用外部系统），结果传给 Handle。
// Handle 根据命令与当前摘要决定发生了什么：通过 HandlerContext 发出事件，
// 或返回 hc.Reject(...) 拒绝命令。
type Handler[C Command, S any, P any] struct {
	Prepare func(ctx context.Context, cmd C) (P, error)
	Handle  func(ctx context.Context, hc *HandlerContext[S], cmd C, summary S, prepared P) error
}

// HandlerFunc 不需要 Prepare 阶段的处理器
func HandlerFunc[C Command, S any](fn func(ctx context.Context, hc *HandlerContext[S], cmd C, summary S) error) Handler[C, S, struct{}] {
	return Handler[C, S, struct{}]{
		Handle: func(ctx context.Context, hc *HandlerContext[S], cmd C, summary S, _ struct{}) error {
			return fn(ctx, hc, cmd, summary)
		},
	}
}

// chainedCommand 已编码、等待在 BeforeCommit 阶段执行的链式命令
type chainedCommand struct {
	input Input
}

// HandlerContext 处理器可用的能力对象，只在一次 Handle 调用期间有效
//
// 方法可并发调用；事件按调用顺序收集。
type HandlerContext[S any] struct {
	command *Context
	tx      store.Tx
	router  *Router

	mu            sync.Mutex
	events        []eventing.Event
	metadata      Metadata
	chained       []chainedCommand
	notifications []func(ctx context.Context) error
}

func newHandlerContext[S any](c *Context, tx store.Tx, router *Router) *HandlerContext[S] {
	return &HandlerContext[S]{command: c, tx: tx, router: router, metadata: Metadata{}}
}

// Context 当前命令的执行上下文
func (hc *HandlerContext[S]) Context() *Context { return hc.command }

// Emit 追加事件
func (hc *HandlerContext[S]) Emit(events ...eventing.Event) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.events = append(hc.events, events...)
}

// EmitWithMetadata 追加事件并合并输出元数据
func (hc *HandlerContext[S]) EmitWithMetadata(md Metadata, events ...eventing.Event) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.events = append(hc.events, events...)
	for k, v := range md {
		hc.metadata[k] = v
	}
}

// SetMetadata 设置输出元数据
func (hc *HandlerContext[S]) SetMetadata(key string, value any) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.metadata[key] = value
}

// Reject 构造业务拒绝错误，处理器应直接返回它
//
//	if summary.Exists {
//		return hc.Reject("Project already exists")
//	}
func (hc *HandlerContext[S]) Reject(message string, cause ...error) error {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return errors.CommandRejected(message, c)
}

// Exists 在当前事务内检查另一个聚合是否存在，用于校验外部引用
func (hc *HandlerContext[S]) Exists(ctx context.Context, key eventing.JournalKey) (bool, error) {
	return hc.tx.JournalExists(ctx, key)
}

// InputOption 构造命令输入时的选项
type InputOption func(*Input)

// WithOptions 指定执行选项
func WithOptions(opts ExecutionOptions) InputOption {
	return func(in *Input) { in.Options = &opts }
}

// WithMetadata 附加元数据
func WithMetadata(md Metadata) InputOption {
	return func(in *Input) { in.Metadata = in.Metadata.Merge(md) }
}

// Chain 登记一个在提交前、同一事务内执行的命令
//
// 命令立即编码，编解码器缺失或编码失败会在此处返回。
// 链式命令失败会使当前命令整体回滚。
func (hc *HandlerContext[S]) Chain(id eventing.JournalID, cmd Command, opts ...InputOption) error {
	if hc.router == nil {
		return errors.CommandNotSupported(cmd.CommandType())
	}
	payload, err := hc.router.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	in := Input{ID: id, Type: cmd.CommandType(), Payload: payload}
	for _, opt := range opts {
		opt(&in)
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.chained = append(hc.chained, chainedCommand{input: in})
	return nil
}

// Notify 登记提交后执行的通知；通知失败不会撤销已提交的写入
func (hc *HandlerContext[S]) Notify(fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.notifications = append(hc.notifications, fn)
}

// collected 处理器返回后取出收集的结果
func (hc *HandlerContext[S]) collected() ([]eventing.Event, Metadata, []chainedCommand, []func(context.Context) error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.events, hc.metadata, hc.chained, hc.notifications
}

// invoke 调用 Handle，并把 panic 与非领域错误归为 COMMAND_HANDLER_FAILURE
func invoke[C Command, S any, P any](ctx context.Context, h Handler[C, S, P], hc *HandlerContext[S], cmd C, summary S, prepared P) (err error) {
	commandType := cmd.CommandType()
	defer func() {
		if r := recover(); r != nil {
			err = errors.CommandHandlerFailure(commandType, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := h.Handle(ctx, hc, cmd, summary, prepared); err != nil {
		return errors.OrElse(err, func(cause error) errors.IError {
			return errors.CommandHandlerFailure(commandType, cause)
		})
	}
	return nil
}
