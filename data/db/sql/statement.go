package sql

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	core "epoque/data/db"
	"epoque/data/db/dialect"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// IsSafeIdentifier 表名或列名只允许 ASCII 字母、数字、下划线，可带 schema. 前缀
//
// 表名来自配置，拼进 SQL 前必须通过此检查。
func IsSafeIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// stmt 三种语句共用的表名与 WHERE 条件
type stmt struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table string
	where []string
	args  []any
}

func (s *stmt) addWhere(cond string, args []any) {
	if cond == "" {
		return
	}
	s.where = append(s.where, cond)
	s.args = append(s.args, args...)
}

func (s *stmt) addJournal(group, id string) {
	s.addWhere("group_id = ? AND journal_id = ?", []any{group, id})
}

// writeHead 写入 "<verb> <quoted table>"；非法标识符属于编程错误，直接 panic
func (s *stmt) writeHead(sb *strings.Builder, verb string) {
	mustIdentifier(verb, s.table)
	sb.WriteString(verb)
	sb.WriteByte(' ')
	sb.WriteString(s.dialect.QuoteIdentifier(s.table))
}

func (s *stmt) writeWhere(sb *strings.Builder) {
	if len(s.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(s.where, " AND "))
	}
}

func mustIdentifier(verb, name string) {
	if !IsSafeIdentifier(name) {
		panic(fmt.Sprintf("sql: unsafe identifier %q in %s", name, verb))
	}
}

type selectBuilder struct {
	stmt
	cols    []string
	orderBy string
	limit   int
	locking string
}

func (b *selectBuilder) From(table string) ISelectBuilder {
	b.table = table
	return b
}

func (b *selectBuilder) Where(cond string, args ...any) ISelectBuilder {
	b.addWhere(cond, args)
	return b
}

func (b *selectBuilder) Journal(group, id string) ISelectBuilder {
	b.addJournal(group, id)
	return b
}

func (b *selectBuilder) OrderBy(expr string) ISelectBuilder {
	b.orderBy = expr
	return b
}

func (b *selectBuilder) Limit(n int) ISelectBuilder {
	b.limit = n
	return b
}

func (b *selectBuilder) ForUpdate(nowait bool) ISelectBuilder {
	b.locking = b.dialect.LockClause(nowait)
	return b
}

// Build 每次返回新的参数切片，可重复调用
func (b *selectBuilder) Build() (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT " + strings.Join(b.cols, ", ") + " ")
	b.writeHead(&sb, "FROM")
	b.writeWhere(&sb)

	args := append(make([]any, 0, len(b.args)+1), b.args...)
	if b.orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(b.orderBy)
	}
	if b.limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}
	sb.WriteString(b.locking)
	return sb.String(), args
}

func (b *selectBuilder) Query(ctx context.Context) (core.IRows, error) {
	q, args := b.Build()
	return b.db.Query(ctx, q, args...)
}

func (b *selectBuilder) QueryRow(ctx context.Context) core.IRow {
	q, args := b.Build()
	return b.db.QueryRow(ctx, q, args...)
}

type insertBuilder struct {
	stmt
	columns []string
	rows    [][]any
}

func (b *insertBuilder) Columns(cols ...string) IInsertBuilder {
	b.columns = cols
	return b
}

func (b *insertBuilder) Values(vals ...any) IInsertBuilder {
	if len(vals) > 0 {
		b.rows = append(b.rows, vals)
	}
	return b
}

// Build 生成多行 VALUES；列数与每行值数不一致时 panic
func (b *insertBuilder) Build() (string, []any) {
	if len(b.columns) == 0 || len(b.rows) == 0 {
		panic("sql: INSERT needs columns and at least one row")
	}
	var sb strings.Builder
	b.writeHead(&sb, "INSERT INTO")

	quoted := make([]string, len(b.columns))
	for i, col := range b.columns {
		mustIdentifier("INSERT", col)
		quoted[i] = b.dialect.QuoteIdentifier(col)
	}
	sb.WriteString(" (" + strings.Join(quoted, ", ") + ") VALUES ")

	row := "(" + strings.Repeat("?, ", len(b.columns)-1) + "?)"
	args := make([]any, 0, len(b.rows)*len(b.columns))
	for i, vals := range b.rows {
		if len(vals) != len(b.columns) {
			panic(fmt.Sprintf("sql: INSERT row %d has %d values for %d columns", i, len(vals), len(b.columns)))
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(row)
		args = append(args, vals...)
	}
	return sb.String(), args
}

func (b *insertBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}

type deleteBuilder struct {
	stmt
}

func (b *deleteBuilder) Where(cond string, args ...any) IDeleteBuilder {
	b.addWhere(cond, args)
	return b
}

func (b *deleteBuilder) Journal(group, id string) IDeleteBuilder {
	b.addJournal(group, id)
	return b
}

func (b *deleteBuilder) Build() (string, []any) {
	var sb strings.Builder
	b.writeHead(&sb, "DELETE FROM")
	b.writeWhere(&sb)
	return sb.String(), append([]any(nil), b.args...)
}

func (b *deleteBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}
