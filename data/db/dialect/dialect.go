// Package dialect 描述事件存储用到的数据库方言能力
package dialect

import (
	stdErrors "errors"
	"strconv"
	"strings"

	"github.com/lib/pq"

	core "epoque/data/db"
)

// Name 标准化的数据库方言名称
type Name string

const (
	NameMySQL    Name = "mysql"
	NameSQLite   Name = "sqlite"
	NamePostgres Name = "postgres"
	NameUnknown  Name = ""
)

// Postgres SQLSTATE
const (
	pgUniqueViolation   = "23505"
	pgLockNotAvailable  = "55P03"
	pgSerializationFail = "40001"
)

// Dialect 当前数据库的方言能力
type Dialect struct {
	name Name
}

// New 根据 driver 名构造方言（大小写不敏感）
func New(name string) Dialect {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql":
		return Dialect{name: NameMySQL}
	case "sqlite", "sqlite3":
		return Dialect{name: NameSQLite}
	case "postgres", "postgresql", "pq", "pgx":
		return Dialect{name: NamePostgres}
	default:
		return Dialect{name: NameUnknown}
	}
}

// FromDatabase 从 IDatabase 推断方言；未实现 IDialectNameProvider 时返回 Unknown
func FromDatabase(db core.IDatabase) Dialect {
	if db == nil {
		return Dialect{name: NameUnknown}
	}
	if p, ok := db.(core.IDialectNameProvider); ok {
		return New(p.GetDialectName())
	}
	return Dialect{name: NameUnknown}
}

func (d Dialect) Name() Name { return d.name }

// QuoteIdentifier 按方言为标识符加引号，schema.table 形式逐段处理
func (d Dialect) QuoteIdentifier(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p == "" {
			continue
		}
		switch d.name {
		case NameMySQL:
			parts[i] = "`" + p + "`"
		case NameSQLite, NamePostgres:
			parts[i] = `"` + p + `"`
		}
	}
	return strings.Join(parts, ".")
}

// Rebind 将通用占位符 ? 转换为方言形式；仅 Postgres 需要改写为 $n
//
// 简单字符扫描，不识别字符串字面量中的 ?，调用方应始终使用参数绑定。
func (d Dialect) Rebind(query string) string {
	if query == "" || d.name != NamePostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	argIndex := 1
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '?' {
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(argIndex))
			argIndex++
			continue
		}
		sb.WriteByte(ch)
	}
	return sb.String()
}

// SupportsRowLocking 是否支持 SELECT ... FOR UPDATE [NOWAIT]
//
// SQLite 没有行锁，写事务整体串行。
func (d Dialect) SupportsRowLocking() bool {
	return d.name == NamePostgres || d.name == NameMySQL
}

// SupportsSavepoints 是否可用 SAVEPOINT 做语句级回滚
func (d Dialect) SupportsSavepoints() bool {
	return d.name != NameUnknown
}

// LockClause 返回行锁子句；不支持行锁时为空
func (d Dialect) LockClause(nowait bool) string {
	if !d.SupportsRowLocking() {
		return ""
	}
	if nowait {
		return " FOR UPDATE NOWAIT"
	}
	return " FOR UPDATE"
}

// IsUniqueViolation 判断错误是否为唯一键/主键冲突
//
// Postgres 使用 lib/pq 的 SQLSTATE；其他方言按错误消息匹配：
//   - MySQL: "Duplicate entry" (Error 1062)
//   - SQLite: "UNIQUE constraint failed" / "PRIMARY KEY" 约束
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := pqCode(err); ok {
		return code == pgUniqueViolation
	}
	msg := strings.ToLower(err.Error())
	switch d.name {
	case NameMySQL:
		return strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "duplicate key")
	case NameSQLite:
		return strings.Contains(msg, "unique constraint failed") ||
			strings.Contains(msg, "constraint failed: primary key")
	default:
		return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
	}
}

// IsLockNotAvailable 判断错误是否为 NOWAIT 取锁失败
func (d Dialect) IsLockNotAvailable(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := pqCode(err); ok {
		return code == pgLockNotAvailable
	}
	msg := strings.ToLower(err.Error())
	switch d.name {
	case NameMySQL:
		// Error 3572: Statement aborted because lock(s) could not be acquired immediately and NOWAIT is set.
		return strings.Contains(msg, "nowait is set") || strings.Contains(msg, "3572")
	case NamePostgres:
		return strings.Contains(msg, "could not obtain lock")
	default:
		return false
	}
}

// IsSerializationFailure 判断错误是否为可重试的序列化失败或 SQLite 忙
func (d Dialect) IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := pqCode(err); ok {
		return code == pgSerializationFail
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "deadlock")
}

func pqCode(err error) (string, bool) {
	var pqErr *pq.Error
	if stdErrors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}
	return "", false
}
