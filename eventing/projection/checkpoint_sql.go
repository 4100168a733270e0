package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"epoque/data/db"
	"epoque/data/db/dialect"
	sqlbuilder "epoque/data/db/sql"
	"epoque/eventing"
	"epoque/eventing/store"
	sqlstore "epoque/eventing/store/sql"
)

const DefaultCheckpointTable = "projection_checkpoints"

// SQLCheckpointStore SQL 检查点存储
//
// 每个 (projection_name, group_id, journal_id) 一行。SaveInTx 复用事件存储的数据库事务，
// 因此检查点与事件、读模型同时提交。updated_at 以 Unix 纳秒保存，避免各驱动的时间类型差异。
type SQLCheckpointStore struct {
	db        db.IDatabase
	tableName string
	dialect   dialect.Dialect
}

// NewSQLCheckpointStore 创建 SQL 检查点存储；tableName 为空时使用 DefaultCheckpointTable
func NewSQLCheckpointStore(database db.IDatabase, tableName string) (*SQLCheckpointStore, error) {
	if tableName == "" {
		tableName = DefaultCheckpointTable
	}
	if !sqlbuilder.IsSafeIdentifier(tableName) {
		return nil, fmt.Errorf("unsafe checkpoint table name %q", tableName)
	}
	return &SQLCheckpointStore{
		db:        database,
		tableName: tableName,
		dialect:   dialect.FromDatabase(database),
	}, nil
}

func (s *SQLCheckpointStore) Load(ctx context.Context, projectionName string, key eventing.JournalKey) (*Checkpoint, error) {
	row := sqlbuilder.New(s.db).Select("version", "last_event_type", "updated_at").
		From(s.tableName).
		Where("projection_name = ?", projectionName).
		Journal(string(key.GroupID), string(key.ID)).
		QueryRow(ctx)

	var (
		version   int64
		eventType string
		updatedAt int64
	)
	err := row.Scan(&version, &eventType, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrCheckpointStoreFailed, err)
	}

	return &Checkpoint{
		ProjectionName: projectionName,
		Key:            key,
		Version:        eventing.Version(version),
		LastEventType:  eventType,
		UpdatedAt:      time.Unix(0, updatedAt),
	}, nil
}

// Save 在独立事务内覆盖写入
func (s *SQLCheckpointStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	if checkpoint == nil || !checkpoint.IsValid() {
		return ErrInvalidCheckpoint
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.write(ctx, tx, checkpoint); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	return nil
}

// SaveInTx 写入命令事务；tx 必须来自 SQL 事件存储
func (s *SQLCheckpointStore) SaveInTx(ctx context.Context, tx store.Tx, checkpoint *Checkpoint) error {
	if checkpoint == nil || !checkpoint.IsValid() {
		return ErrInvalidCheckpoint
	}
	dbTx, ok := sqlstore.DBTransaction(tx)
	if !ok {
		return ErrNotTransactional
	}
	return s.write(ctx, dbTx, checkpoint)
}

func (s *SQLCheckpointStore) write(ctx context.Context, database db.IDatabase, checkpoint *Checkpoint) error {
	checkpoint.UpdatedAt = time.Now()
	key := checkpoint.Key

	if _, err := sqlbuilder.New(database).DeleteFrom(s.tableName).
		Where("projection_name = ?", checkpoint.ProjectionName).
		Journal(string(key.GroupID), string(key.ID)).
		Exec(ctx); err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}

	if _, err := sqlbuilder.New(database).InsertInto(s.tableName).
		Columns("projection_name", "group_id", "journal_id", "version", "last_event_type", "updated_at").
		Values(
			checkpoint.ProjectionName,
			string(key.GroupID),
			string(key.ID),
			int64(checkpoint.Version),
			checkpoint.LastEventType,
			checkpoint.UpdatedAt.UnixNano(),
		).
		Exec(ctx); err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	return nil
}

func (s *SQLCheckpointStore) Delete(ctx context.Context, projectionName string, key eventing.JournalKey) error {
	_, err := sqlbuilder.New(s.db).DeleteFrom(s.tableName).
		Where("projection_name = ?", projectionName).
		Journal(string(key.GroupID), string(key.ID)).
		Exec(ctx)
	if err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	return nil
}

// CreateTable 创建检查点表（IF NOT EXISTS）
func (s *SQLCheckpointStore) CreateTable(ctx context.Context) error {
	var textType, intType string
	switch s.dialect.Name() {
	case dialect.NameSQLite:
		textType, intType = "TEXT", "INTEGER"
	case dialect.NamePostgres:
		textType, intType = "VARCHAR(255)", "BIGINT"
	default:
		textType, intType = "VARCHAR(191)", "BIGINT"
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    projection_name %s NOT NULL,
    group_id %s NOT NULL,
    journal_id %s NOT NULL,
    version %s NOT NULL DEFAULT 0,
    last_event_type %s NOT NULL,
    updated_at %s NOT NULL,
    PRIMARY KEY (projection_name, group_id, journal_id)
)`, s.dialect.QuoteIdentifier(s.tableName), textType, textType, textType, intType, textType, intType)

	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

var _ TxCheckpointStore = (*SQLCheckpointStore)(nil)
