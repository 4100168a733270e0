package sql

import (
	"fmt"
	"strings"

	"epoque/data/db/dialect"
	dbsql "epoque/data/db/sql"
)

// Schema 返回事件表的建表语句
//
// 每个 (group_id, journal_id, version) 一行，主键即乐观并发的唯一约束；version 0 保留给加锁占位行。
func Schema(d dialect.Dialect, table string) (string, error) {
	if !dbsql.IsSafeIdentifier(table) {
		return "", fmt.Errorf("unsafe table name %q", table)
	}

	var idType, versionType, payloadType, timeType string
	switch d.Name() {
	case dialect.NamePostgres:
		idType, versionType, payloadType, timeType = "VARCHAR(255)", "BIGINT", "BYTEA", "TIMESTAMPTZ"
	case dialect.NameMySQL:
		idType, versionType, payloadType, timeType = "VARCHAR(191)", "BIGINT UNSIGNED", "LONGBLOB", "DATETIME(6)"
	case dialect.NameSQLite:
		idType, versionType, payloadType, timeType = "TEXT", "INTEGER", "BLOB", "TIMESTAMP"
	default:
		return "", fmt.Errorf("unsupported dialect %q", d.Name())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", d.QuoteIdentifier(table))
	fmt.Fprintf(&b, "    group_id %s NOT NULL,\n", idType)
	fmt.Fprintf(&b, "    journal_id %s NOT NULL,\n", idType)
	fmt.Fprintf(&b, "    version %s NOT NULL,\n", versionType)
	fmt.Fprintf(&b, "    event_type %s NOT NULL,\n", idType)
	fmt.Fprintf(&b, "    payload %s NOT NULL,\n", payloadType)
	fmt.Fprintf(&b, "    created_at %s NOT NULL,\n", timeType)
	b.WriteString("    PRIMARY KEY (group_id, journal_id, version)\n")
	b.WriteString(")")
	return b.String(), nil
}
