package sql

import (
	"context"
	stdsql "database/sql"
	stdErrors "errors"
	"fmt"

	dbsql "epoque/data/db/sql"
	"epoque/errors"
	"epoque/eventing"
	"epoque/logging"
)

var errTxDone = stdsql.ErrTxDone

const placeholderAttempts = 3

// lockRow 在支持行锁的方言上锁定 journal 最早的一行
//
//  1. SELECT ... ORDER BY version LIMIT 1 FOR UPDATE NOWAIT；
//  2. 被占用时回滚到保存点，改为阻塞的 FOR UPDATE 等待持有者事务结束；
//  3. journal 为空时插入 version 0 的占位行并锁定，持有后删除。
//
// 占位行与持有者的插入冲突时（并发的首次加锁）从第 1 步重试。
func (t *sqlTx) lockRow(ctx context.Context, key eventing.JournalKey) error {
	d := t.store.dialect
	if !d.SupportsRowLocking() {
		return nil
	}

	for attempt := 1; ; attempt++ {
		if err := t.exec(ctx, key, "SAVEPOINT "+lockSavepoint); err != nil {
			return err
		}

		found, err := t.selectEarliest(ctx, key, true)
		if err != nil && d.IsLockNotAvailable(err) {
			t.store.logger.Debug(ctx, "journal row is locked, waiting", logging.Journal(key))
			if err := t.exec(ctx, key, "ROLLBACK TO SAVEPOINT "+lockSavepoint); err != nil {
				return err
			}
			found, err = t.selectEarliest(ctx, key, false)
		}
		if err != nil {
			return t.lockFailure(key, err)
		}
		if found {
			return t.exec(ctx, key, "RELEASE SAVEPOINT "+lockSavepoint)
		}

		err = t.lockPlaceholder(ctx, key)
		if err == nil {
			return t.exec(ctx, key, "RELEASE SAVEPOINT "+lockSavepoint)
		}
		if !d.IsUniqueViolation(err) || attempt >= placeholderAttempts {
			return t.lockFailure(key, err)
		}
		if err := t.exec(ctx, key, "ROLLBACK TO SAVEPOINT "+lockSavepoint); err != nil {
			return err
		}
	}
}

func (t *sqlTx) selectEarliest(ctx context.Context, key eventing.JournalKey, nowait bool) (bool, error) {
	var version int64
	err := dbsql.New(t.tx).
		Select("version").
		From(t.store.table).
		Journal(string(key.GroupID), string(key.ID)).
		OrderBy("version").
		Limit(1).
		ForUpdate(nowait).
		QueryRow(ctx).
		Scan(&version)
	switch {
	case err == nil:
		return true, nil
	case stdErrors.Is(err, stdsql.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

func (t *sqlTx) lockPlaceholder(ctx context.Context, key eventing.JournalKey) error {
	q := dbsql.New(t.tx)
	_, err := q.InsertInto(t.store.table).
		Columns("group_id", "journal_id", "version", "event_type", "payload", "created_at").
		Values(string(key.GroupID), string(key.ID), int64(0), placeholderType, []byte{}, t.store.now().UTC()).
		Exec(ctx)
	if err != nil {
		return err
	}

	var version int64
	err = q.Select("version").
		From(t.store.table).
		Journal(string(key.GroupID), string(key.ID)).
		Where("version = ?", 0).
		ForUpdate(false).
		QueryRow(ctx).
		Scan(&version)
	if err != nil {
		return err
	}

	// 行锁在删除后仍由本事务持有直到提交或回滚
	_, err = q.DeleteFrom(t.store.table).
		Journal(string(key.GroupID), string(key.ID)).
		Where("version = ?", 0).
		Exec(ctx)
	return err
}

func (t *sqlTx) exec(ctx context.Context, key eventing.JournalKey, stmt string) error {
	if _, err := t.tx.Exec(ctx, stmt); err != nil {
		return t.lockFailure(key, err)
	}
	return nil
}

func (t *sqlTx) lockFailure(key eventing.JournalKey, err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	return errors.EventWriteConflict(key.String(), 0, fmt.Errorf("lock journal: %w", err))
}

// contextError err 由 ctx 取消或超时引起时返回对应的 ctx 错误
func contextError(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	case stdErrors.Is(err, context.Canceled):
		return context.Canceled
	}
	return nil
}
