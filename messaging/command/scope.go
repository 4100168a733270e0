package command

import (
	"context"
	"sync"

	"epoque/eventing/store"
)

// Scope 命令执行所处的环境
//
// 根命令的 Scope 只有 Router；链式命令的 Scope 还带有父命令的事务与上下文，
// 子命令在该事务内执行，其提交后与回滚时的工作挂到根事务上。
type Scope struct {
	Router *Router
	Tx     store.Tx
	Parent *Context

	root *transaction
}

// Chained 是否为链式命令
func (s *Scope) Chained() bool { return s != nil && s.Tx != nil }

func (s *Scope) child(tx store.Tx, parent *Context, root *transaction) *Scope {
	return &Scope{Router: s.Router, Tx: tx, Parent: parent, root: root}
}

// transaction 根事务上登记的延后工作
type transaction struct {
	mu         sync.Mutex
	onCommit   []func(ctx context.Context) error
	onRollback []func(ctx context.Context, err error)
}

func (t *transaction) afterCommit(fn func(ctx context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommit = append(t.onCommit, fn)
}

func (t *transaction) afterRollback(fn func(ctx context.Context, err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRollback = append(t.onRollback, fn)
}

// committed 按登记顺序执行提交后工作，返回其中的通知错误
func (t *transaction) committed(ctx context.Context) []error {
	t.mu.Lock()
	fns := t.onCommit
	t.onCommit, t.onRollback = nil, nil
	t.mu.Unlock()

	var errs []error
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (t *transaction) rolledBack(ctx context.Context, err error) {
	t.mu.Lock()
	fns := t.onRollback
	t.onCommit, t.onRollback = nil, nil
	t.mu.Unlock()

	for _, fn := range fns {
		fn(ctx, err)
	}
}
