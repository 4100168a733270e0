package command

import (
	"context"
	stdErrors "errors"

	"github.com/google/uuid"

	"epoque/errors"
	"epoque/eventing"
	"epoque/eventing/store"
	"epoque/eventing/summary"
	"epoque/logging"
)

// Executor 执行一种命令：C 为命令类型，S 为摘要类型，P 为 Prepare 的结果类型
type Executor[C Command, S any, P any] struct {
	env         *Environment
	journal     *summary.Journal[S]
	loader      *summary.Loader[S]
	handler     Handler[C, S, P]
	commandType string
	codec       eventing.Codec[C]
	callback    CallbackHandler
	logger      logging.Logger
}

// ExecutorOption 执行器可选配置
type ExecutorOption func(*executorOptions)

type executorOptions struct {
	codec     any
	callbacks []CallbackHandler
	logger    logging.Logger
}

// WithCodec 指定命令编解码器，默认 JSON
func WithCodec[C Command](codec eventing.Codec[C]) ExecutorOption {
	return func(o *executorOptions) { o.codec = codec }
}

// WithCallback 只对该命令生效的回调，在环境回调之后调用
func WithCallback(cb CallbackHandler) ExecutorOption {
	return func(o *executorOptions) { o.callbacks = append(o.callbacks, cb) }
}

func WithLogger(l logging.Logger) ExecutorOption {
	return func(o *executorOptions) { o.logger = l }
}

// NewExecutor 创建执行器；配置错误在此返回
func NewExecutor[C Command, S any, P any](env *Environment, journal *summary.Journal[S], handler Handler[C, S, P], opts ...ExecutorOption) (*Executor[C, S, P], error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if journal == nil {
		return nil, errors.InvalidConfiguration("executor has no journal")
	}
	var zero C
	commandType := zero.CommandType()
	if commandType == "" {
		return nil, errors.InvalidConfiguration("command %T has an empty type tag", zero)
	}
	if handler.Handle == nil {
		return nil, errors.InvalidConfiguration("command %q has no handler", commandType)
	}

	o := executorOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	var codec eventing.Codec[C] = eventing.JSONCodec[C]{}
	if o.codec != nil {
		typed, ok := o.codec.(eventing.Codec[C])
		if !ok {
			return nil, errors.InvalidConfiguration("codec %T does not handle command %q", o.codec, commandType)
		}
		codec = typed
	}
	logger := o.logger
	if logger == nil {
		logger = env.Logger.WithFields(logging.CommandType(commandType))
	}

	return &Executor[C, S, P]{
		env:         env,
		journal:     journal,
		loader:      summary.NewLoader(journal, summary.WithMetrics(env.Metrics), summary.WithLogger(logger)),
		handler:     handler,
		commandType: commandType,
		codec:       codec,
		callback:    Callbacks(env.Callback, Callbacks(o.callbacks...)),
		logger:      logger,
	}, nil
}

func (e *Executor[C, S, P]) CommandType() string          { return e.commandType }
func (e *Executor[C, S, P]) Codec() CommandCodec          { return EraseCodec(e.codec) }
func (e *Executor[C, S, P]) Journal() *summary.Journal[S] { return e.journal }

// Loader 查询侧使用，例如 Peek 当前摘要
func (e *Executor[C, S, P]) Loader() *summary.Loader[S] { return e.loader }

// attempt 事务内执行成功后的结果，提交后使用
type attempt[S any] struct {
	out           *Output
	summary       summary.VersionedSummary[S]
	notifications []func(ctx context.Context) error
}

// Process 执行一条命令
//
// scope 为 nil 或不带事务时作为根命令开启新事务；否则在父命令的事务内执行。
func (e *Executor[C, S, P]) Process(ctx context.Context, input Input, scope *Scope) (*Output, error) {
	if scope == nil {
		scope = &Scope{}
	}
	if input.Type != "" && input.Type != e.commandType {
		return nil, errors.CommandNotSupported(input.Type)
	}

	cmd, err := e.codec.Decode(input.Payload)
	if err != nil {
		return nil, errors.CommandDecodingFailure(e.commandType, err)
	}
	cc, err := e.buildContext(input, cmd, scope)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithDeadline(ctx, cc.Deadline)
	defer cancel()

	var prepared P
	if e.handler.Prepare != nil {
		p, err := e.handler.Prepare(ctx, cmd)
		if err != nil {
			return nil, errors.OrElse(err, func(cause error) errors.IError {
				return errors.CommandPreparationFailure(e.commandType, cause)
			})
		}
		prepared = p
	}

	if err := e.callback.BeforeBegin(ctx, cc); err != nil {
		return nil, errors.Normalize(err)
	}
	if scope.Chained() {
		return e.processChained(ctx, cc, cmd, prepared, scope)
	}
	return e.processRoot(ctx, cc, cmd, prepared, scope)
}

func (e *Executor[C, S, P]) buildContext(input Input, cmd C, scope *Scope) (*Context, error) {
	key := e.journal.Key(input.ID)
	if err := key.Validate(); err != nil {
		return nil, errors.CommandDecodingFailure(e.commandType, err)
	}

	now := e.env.Now()
	var opts ExecutionOptions
	if input.Options != nil {
		opts = *input.Options
	}
	opts.Lock = opts.Lock.Or(e.journal.LockOption()).Or(e.env.DefaultLock)
	if opts.Timeout <= 0 {
		opts.Timeout = e.env.DefaultTimeout
	}
	deadline := now.Add(opts.Timeout)
	// 链式命令不重置超时，只使用父命令剩余的时间
	if p := scope.Parent; p != nil && !p.Deadline.IsZero() && p.Deadline.Before(deadline) {
		deadline = p.Deadline
		opts.Timeout = deadline.Sub(now)
	}

	return &Context{
		CommandID:   uuid.NewString(),
		Key:         key,
		CommandType: e.commandType,
		Command:     cmd,
		ReceivedAt:  now,
		Deadline:    deadline,
		Options:     opts,
		Metadata:    input.Metadata.Merge(nil),
		Parent:      scope.Parent,
	}, nil
}

func (e *Executor[C, S, P]) processRoot(ctx context.Context, cc *Context, cmd C, prepared P, scope *Scope) (*Output, error) {
	root := &transaction{}
	var result *attempt[S]
	err := e.env.Store.StartTransactionAndLock(ctx, cc.Key, cc.Options.Lock, func(ctx context.Context, tx store.Tx) error {
		a, err := e.run(ctx, cc, cmd, prepared, scope, tx, root)
		if err != nil {
			return err
		}
		result = a
		return nil
	})

	// 提交或回滚之后的工作不受命令超时影响
	after := context.WithoutCancel(ctx)
	if err != nil {
		err = e.failure(ctx, err)
		e.logger.Debug(ctx, "command rolled back", logging.Journal(cc.Key), logging.Error(err))
		e.callback.AfterRollback(after, cc, err)
		root.rolledBack(after, err)
		return nil, err
	}

	e.logger.Debug(ctx, "command committed",
		logging.Journal(cc.Key), logging.Int("events", len(result.out.Events)))
	errs := e.committed(after, cc.Key, result)
	errs = append(errs, root.committed(after)...)
	if len(errs) > 0 {
		return result.out, errors.NotificationFailure(stdErrors.Join(errs...))
	}
	return result.out, nil
}

func (e *Executor[C, S, P]) processChained(ctx context.Context, cc *Context, cmd C, prepared P, scope *Scope) (*Output, error) {
	root := scope.root
	if root == nil {
		root = &transaction{}
	}

	// 先登记，保证提交后的执行顺序与链式调用顺序一致
	var done *attempt[S]
	root.afterCommit(func(ctx context.Context) error {
		if done == nil {
			return nil
		}
		return stdErrors.Join(e.committed(ctx, cc.Key, done)...)
	})
	root.afterRollback(func(ctx context.Context, err error) {
		e.callback.AfterRollback(ctx, cc, err)
	})

	if err := scope.Tx.Lock(ctx, cc.Key, cc.Options.Lock); err != nil {
		return nil, e.failure(ctx, err)
	}
	a, err := e.run(ctx, cc, cmd, prepared, scope, scope.Tx, root)
	if err != nil {
		return nil, e.failure(ctx, err)
	}
	done = a
	return a.out, nil
}

// run 事务内的步骤：加载摘要、调用处理器、序列化并写入事件、提交前回调与链式命令
func (e *Executor[C, S, P]) run(ctx context.Context, cc *Context, cmd C, prepared P, scope *Scope, tx store.Tx, root *transaction) (*attempt[S], error) {
	if err := e.callback.AfterBegin(ctx, cc, tx); err != nil {
		return nil, errors.Normalize(err)
	}

	loaded, err := e.loader.Load(ctx, tx, cc.Key)
	if err != nil {
		return nil, err
	}

	hc := newHandlerContext[S](cc, tx, scope.Router)
	if err := invoke(ctx, e.handler, hc, cmd, loaded.Summary, prepared); err != nil {
		return nil, err
	}
	emitted, metadata, chained, notifications := hc.collected()

	written, err := e.serialize(loaded.Version, emitted)
	if err != nil {
		return nil, err
	}
	if len(written) > 0 {
		if err := tx.WriteEvents(ctx, cc.Key, written); err != nil {
			return nil, err
		}
	}
	folded, err := e.journal.Aggregator().Aggregate(written, &loaded)
	if err != nil {
		return nil, err
	}

	out := &Output{Events: written, Metadata: metadata, Context: cc}
	if err := e.callback.BeforeCommit(ctx, out, tx); err != nil {
		return nil, errors.OrElse(err, func(cause error) errors.IError {
			return errors.ProjectionFailure("before_commit", cause)
		})
	}

	child := scope.child(tx, cc, root)
	for _, c := range chained {
		if _, err := scope.Router.process(ctx, c.input, child); err != nil {
			if ctx.Err() != nil {
				return nil, errors.Timeout(ctx.Err())
			}
			return nil, errors.CommandChainFailure(c.input.Type, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.Timeout(err)
	}
	return &attempt[S]{out: out, summary: folded, notifications: notifications}, nil
}

// serialize 按发出顺序分配 current+1 起的版本
func (e *Executor[C, S, P]) serialize(current eventing.Version, events []eventing.Event) ([]eventing.VersionedEvent, error) {
	out := make([]eventing.VersionedEvent, 0, len(events))
	for i, ev := range events {
		if ev == nil {
			return nil, errors.EventEncodingFailure("<nil>", stdErrors.New("nil event emitted"))
		}
		data, err := e.journal.EncodeEvent(ev)
		if err != nil {
			if !errors.IsErrorCode(err, errors.ErrCodeEventEncodingFailure) {
				err = errors.EventEncodingFailure(ev.EventType(), err)
			}
			return nil, err
		}
		out = append(out, eventing.VersionedEvent{
			Version:   current.Add(i + 1),
			EventType: ev.EventType(),
			Payload:   data,
		})
	}
	return out, nil
}

// committed 提交后：回调、摘要写回缓存、通知
func (e *Executor[C, S, P]) committed(ctx context.Context, key eventing.JournalKey, a *attempt[S]) []error {
	e.callback.AfterCommit(ctx, a.out)
	e.loader.Remember(ctx, key, a.summary)

	var errs []error
	for _, notify := range a.notifications {
		if err := notify(ctx); err != nil {
			e.logger.Warn(ctx, "notification failed", logging.Journal(key), logging.Error(err))
			errs = append(errs, err)
		}
	}
	return errs
}

// failure 规范化错误；截止时间已过时存储层的失败统一视为超时
func (e *Executor[C, S, P]) failure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		switch errors.GetErrorCode(err) {
		case errors.ErrCodeEventWriteFailure, errors.ErrCodeEventReadFailure, errors.ErrCodeUnexpected:
			return errors.Timeout(err)
		}
	}
	return errors.Normalize(err)
}
