package command

import (
	"context"

	"epoque/errors"
	"epoque/eventing"
	"epoque/eventing/registry"
)

// Processor 处理一种命令类型；Executor 是标准实现
type Processor interface {
	CommandType() string
	Codec() CommandCodec
	Process(ctx context.Context, input Input, scope *Scope) (*Output, error)
}

// Router 按命令类型把输入分派给 Processor
//
// 构建后不可变，可并发使用。
type Router struct {
	processors *registry.Registry[Processor]
}

func commandNotSupported(tag string) error { return errors.CommandNotSupported(tag) }

// NewRouter 创建路由器；命令类型重复时返回 DUPLICATE_REGISTRATION
func NewRouter(processors ...Processor) (*Router, error) {
	b := registry.NewBuilder[Processor]("commands", commandNotSupported)
	for _, p := range processors {
		if p == nil {
			return nil, errors.InvalidConfiguration("router received a nil processor")
		}
		if err := b.Add(p.CommandType(), p); err != nil {
			return nil, err
		}
	}
	reg, err := b.Build()
	if err != nil {
		return nil, err
	}
	return &Router{processors: reg}, nil
}

// MustRouter NewRouter 失败时 panic
func MustRouter(processors ...Processor) *Router {
	r, err := NewRouter(processors...)
	if err != nil {
		panic(err)
	}
	return r
}

// MergeRouters 合并多个独立构建的路由器（例如每个限界上下文一个）
func MergeRouters(routers ...*Router) (*Router, error) {
	regs := make([]*registry.Registry[Processor], 0, len(routers))
	for _, r := range routers {
		if r == nil {
			continue
		}
		regs = append(regs, r.processors)
	}
	merged, err := registry.Merge(regs...)
	if err != nil {
		return nil, err
	}
	return &Router{processors: merged}, nil
}

// CommandTypes 已注册的命令类型（排序）
func (r *Router) CommandTypes() []string { return r.processors.Types() }

// Process 执行一条根命令；返回的错误总是 errors.IError
//
// 通知失败时同时返回已提交的 Output 与 NOTIFICATION_FAILURE。
func (r *Router) Process(ctx context.Context, input Input) (*Output, error) {
	return r.process(ctx, input, &Scope{Router: r})
}

func (r *Router) process(ctx context.Context, input Input, scope *Scope) (*Output, error) {
	p, err := r.processors.Find(input.Type)
	if err != nil {
		return nil, err
	}
	out, err := p.Process(ctx, input, scope)
	if err != nil {
		return out, errors.Normalize(err)
	}
	return out, nil
}

// EncodeCommand 用注册的编解码器序列化命令
func (r *Router) EncodeCommand(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, errors.CommandEncodingFailure("<nil>", errors.NewError(errors.ErrCodeUnexpected, "nil command"))
	}
	p, err := r.processors.Find(cmd.CommandType())
	if err != nil {
		return nil, err
	}
	data, err := p.Codec().EncodeCommand(cmd)
	if err != nil {
		return nil, errors.CommandEncodingFailure(cmd.CommandType(), err)
	}
	return data, nil
}

// NewInput 编码命令并构造路由器输入
func (r *Router) NewInput(id eventing.JournalID, cmd Command, opts ...InputOption) (Input, error) {
	payload, err := r.EncodeCommand(cmd)
	if err != nil {
		return Input{}, err
	}
	in := Input{ID: id, Type: cmd.CommandType(), Payload: payload}
	for _, opt := range opts {
		opt(&in)
	}
	return in, nil
}

// Execute 编码并执行命令
func (r *Router) Execute(ctx context.Context, id eventing.JournalID, cmd Command, opts ...InputOption) (*Output, error) {
	in, err := r.NewInput(id, cmd, opts...)
	if err != nil {
		return nil, err
	}
	return r.Process(ctx, in)
}
