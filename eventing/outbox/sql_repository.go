package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"epoque/data/db"
	"epoque/data/db/dialect"
	sqlbuilder "epoque/data/db/sql"
	"epoque/eventing/store"
	sqlstore "epoque/eventing/store/sql"
	"epoque/logging"
)

const DefaultTable = "event_outbox"

// SQLRepository SQL Outbox 仓储
//
// 时间列保存 Unix 纳秒；published_at 为 0 表示未发布。
type SQLRepository struct {
	db      db.IDatabase
	table   string
	dialect dialect.Dialect
	logger  logging.Logger
}

// NewSQLRepository table 为空时使用 DefaultTable
func NewSQLRepository(database db.IDatabase, table string) (*SQLRepository, error) {
	if table == "" {
		table = DefaultTable
	}
	if !sqlbuilder.IsSafeIdentifier(table) {
		return nil, fmt.Errorf("unsafe outbox table name %q", table)
	}
	return &SQLRepository{
		db:      database,
		table:   table,
		dialect: dialect.FromDatabase(database),
		logger:  logging.ComponentLogger("eventing.outbox.repository"),
	}, nil
}

// SaveInTx tx 必须来自 SQL 事件存储
func (r *SQLRepository) SaveInTx(ctx context.Context, tx store.Tx, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	dbTx, ok := sqlstore.DBTransaction(tx)
	if !ok {
		return ErrNotTransactional
	}
	for _, e := range entries {
		_, err := sqlbuilder.New(dbTx).InsertInto(r.table).
			Columns("message_id", "event_type", "data", "status", "created_at", "published_at", "retry_count", "last_error", "next_retry_at").
			Values(e.MessageID, e.EventType, string(e.Data), string(StatusPending), e.CreatedAt.UnixNano(), int64(0), 0, "", e.NextRetryAt.UnixNano()).
			Exec(ctx)
		if err != nil {
			return errors.Join(ErrRepositoryFailed, err)
		}
	}
	return nil
}

func (r *SQLRepository) Pending(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	q := sqlbuilder.New(r.db).
		Select("id", "message_id", "event_type", "data", "status", "created_at", "retry_count", "last_error", "next_retry_at").
		From(r.table).
		Where("status IN (?, ?)", string(StatusPending), string(StatusFailed)).
		Where("next_retry_at <= ?", now.UnixNano()).
		OrderBy("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	rows, err := q.Query(ctx)
	if err != nil {
		return nil, errors.Join(ErrRepositoryFailed, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                  Entry
			data, status       string
			createdAt, retryAt int64
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.EventType, &data, &status, &createdAt, &e.RetryCount, &e.LastError, &retryAt); err != nil {
			return nil, errors.Join(ErrRepositoryFailed, err)
		}
		e.Data = []byte(data)
		e.Status = Status(status)
		e.CreatedAt = time.Unix(0, createdAt)
		e.NextRetryAt = time.Unix(0, retryAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrRepositoryFailed, err)
	}
	return out, nil
}

func (r *SQLRepository) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	query := fmt.Sprintf("UPDATE %s SET status = ?, published_at = ? WHERE id = ?", r.dialect.QuoteIdentifier(r.table))
	if _, err := r.db.Exec(ctx, query, string(StatusPublished), at.UnixNano(), id); err != nil {
		return errors.Join(ErrRepositoryFailed, err)
	}
	return nil
}

func (r *SQLRepository) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	status, next := StatusFailed, nextRetryAt.UnixNano()
	if nextRetryAt.IsZero() {
		status, next = StatusDead, 0
	}
	query := fmt.Sprintf("UPDATE %s SET status = ?, retry_count = retry_count + 1, last_error = ?, next_retry_at = ? WHERE id = ?", r.dialect.QuoteIdentifier(r.table))
	if _, err := r.db.Exec(ctx, query, string(status), errMsg, next, id); err != nil {
		return errors.Join(ErrRepositoryFailed, err)
	}
	return nil
}

func (r *SQLRepository) DeletePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := sqlbuilder.New(r.db).DeleteFrom(r.table).
		Where("status = ?", string(StatusPublished)).
		Where("published_at < ?", olderThan.UnixNano()).
		Exec(ctx)
	if err != nil {
		return 0, errors.Join(ErrRepositoryFailed, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.logger.Debug(ctx, "outbox published entries deleted", logging.Int64("deleted", n))
	}
	return n, nil
}

// Count 按状态计数，供运维检查积压
func (r *SQLRepository) Count(ctx context.Context, status Status) (int, error) {
	var n int
	err := sqlbuilder.New(r.db).Select("COUNT(*)").From(r.table).
		Where("status = ?", string(status)).
		QueryRow(ctx).Scan(&n)
	if err != nil {
		return 0, errors.Join(ErrRepositoryFailed, err)
	}
	return n, nil
}

// CreateTable 创建 outbox 表（IF NOT EXISTS）
func (r *SQLRepository) CreateTable(ctx context.Context) error {
	var idCol, textType, intType string
	switch r.dialect.Name() {
	case dialect.NameSQLite:
		idCol, textType, intType = "INTEGER PRIMARY KEY AUTOINCREMENT", "TEXT", "INTEGER"
	case dialect.NamePostgres:
		idCol, textType, intType = "BIGSERIAL PRIMARY KEY", "VARCHAR(255)", "BIGINT"
	default:
		idCol, textType, intType = "BIGINT AUTO_INCREMENT PRIMARY KEY", "VARCHAR(191)", "BIGINT"
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id %s,
    message_id %s NOT NULL UNIQUE,
    event_type %s NOT NULL,
    data TEXT NOT NULL,
    status %s NOT NULL,
    created_at %s NOT NULL,
    published_at %s NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_retry_at %s NOT NULL
)`, r.dialect.QuoteIdentifier(r.table), idCol, textType, textType, textType, intType, intType, intType)

	if _, err := r.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create outbox table: %w", err)
	}
	return nil
}

var _ Repository = (*SQLRepository)(nil)
