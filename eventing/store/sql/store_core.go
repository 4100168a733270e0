// Package sql 是基于 data/db 抽象的 EventStore 实现
//
// 支持 sqlite、postgres 与 mysql 方言。DEFAULT 策略依赖 (group_id, journal_id, version) 主键检测冲突；
// JOURNAL_LOCK 策略先取进程内的 key 锁，再在支持行锁的方言上锁定该 journal 最早的一行。
package sql

import (
	"context"
	"fmt"
	"time"

	core "epoque/data/db"
	"epoque/data/db/dialect"
	dbsql "epoque/data/db/sql"
	"epoque/eventing/store"
	"epoque/logging"
)

const (
	DefaultTable = "journal_events"

	// placeholderType 空 journal 加锁时临时插入的占位行类型，版本固定为 0
	placeholderType = "__journal_lock__"
	lockSavepoint   = "epoque_journal_lock"
)

// SQLEventStore 基于通用 SQL 接口的事件存储
type SQLEventStore struct {
	db      core.IDatabase
	table   string
	dialect dialect.Dialect
	locker  *store.KeyLocker
	logger  logging.Logger
	now     func() time.Time
}

// Option 配置 SQLEventStore
type Option func(*SQLEventStore)

func WithTable(table string) Option {
	return func(s *SQLEventStore) {
		if table != "" {
			s.table = table
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(s *SQLEventStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLocker 共享进程内 key 锁（多个 store 实例指向同一数据库时使用）
func WithLocker(locker *store.KeyLocker) Option {
	return func(s *SQLEventStore) {
		if locker != nil {
			s.locker = locker
		}
	}
}

func NewSQLEventStore(db core.IDatabase, opts ...Option) (*SQLEventStore, error) {
	s := &SQLEventStore{
		db:      db,
		table:   DefaultTable,
		dialect: dialect.FromDatabase(db),
		locker:  store.NewKeyLocker(),
		logger:  logging.ComponentLogger("store.sql"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !dbsql.IsSafeIdentifier(s.table) {
		return nil, fmt.Errorf("sql event store: unsafe table name %q", s.table)
	}
	return s, nil
}

// Init 校验连接并创建表（若不存在）
func (s *SQLEventStore) Init(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return err
	}
	ddl, err := Schema(s.dialect, s.table)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, ddl)
	return err
}

func (s *SQLEventStore) Table() string            { return s.table }
func (s *SQLEventStore) Dialect() dialect.Dialect { return s.dialect }
