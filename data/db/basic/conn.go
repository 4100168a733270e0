package basic

import (
	"context"
	"database/sql"
	stdErrors "errors"

	core "epoque/data/db"
	"epoque/data/db/dialect"
)

// ErrNestedTransaction 事务内再次 Begin；需要部分回滚时使用 SAVEPOINT
var ErrNestedTransaction = stdErrors.New("basic: nested transactions are not supported")

// runner *sql.DB 与 *sql.Tx 共有的执行方法
type runner interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// conn 在执行前按方言改写 ? 占位符
type conn struct {
	run     runner
	driver  string
	dialect dialect.Dialect
}

func (c conn) Query(ctx context.Context, query string, args ...any) (core.IRows, error) {
	rows, err := c.run.QueryContext(ctx, c.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c conn) QueryRow(ctx context.Context, query string, args ...any) core.IRow {
	return c.run.QueryRowContext(ctx, c.dialect.Rebind(query), args...)
}

func (c conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.run.ExecContext(ctx, c.dialect.Rebind(query), args...)
}

// GetDialectName 实现 core.IDialectNameProvider
func (c conn) GetDialectName() string { return c.driver }

// Tx 事件写入所在的事务；同样实现 core.IDatabase，可直接交给只认 IDatabase 的查询代码
type Tx struct {
	conn
	db *sql.DB
	tx *sql.Tx
}

func (t *Tx) Begin(context.Context) (core.ITransaction, error) {
	return nil, ErrNestedTransaction
}

func (t *Tx) BeginTx(context.Context, *sql.TxOptions) (core.ITransaction, error) {
	return nil, ErrNestedTransaction
}

func (t *Tx) Ping(ctx context.Context) error { return t.db.PingContext(ctx) }
func (t *Tx) Close() error                   { return nil }
func (t *Tx) Raw() any                       { return t.tx }
func (t *Tx) Commit() error                  { return t.tx.Commit() }
func (t *Tx) Rollback() error                { return t.tx.Rollback() }

var (
	_ core.IDatabase    = (*DB)(nil)
	_ core.ITransaction = (*Tx)(nil)
)
