package sql

import (
	"context"
	stdErrors "errors"
	"fmt"
	"iter"
	"sync"

	core "epoque/data/db"
	dbsql "epoque/data/db/sql"
	"epoque/errors"
	"epoque/eventing"
	"epoque/eventing/store"
	"epoque/logging"
)

func (s *SQLEventStore) StartTransactionAndLock(ctx context.Context, key eventing.JournalKey, lock eventing.LockOption, body store.TxFunc) (err error) {
	tx := &sqlTx{store: s, held: make(map[eventing.JournalKey]func())}
	// 进程内锁先于数据库事务获取，保证同进程的竞争者不占用连接空等
	defer tx.releaseLocks()

	if lock == eventing.LockOptionJournal {
		if err := tx.acquireLocal(ctx, key); err != nil {
			return err
		}
	}

	dbTx, err := s.db.Begin(ctx)
	if err != nil {
		return s.writeFailure(ctx, key, fmt.Errorf("begin transaction: %w", err))
	}
	tx.tx = dbTx
	defer func() {
		if !tx.committed {
			if rbErr := dbTx.Rollback(); rbErr != nil && !stdErrors.Is(rbErr, errTxDone) {
				s.logger.Debug(ctx, "rollback failed", logging.Journal(key), logging.Error(rbErr))
			}
		}
	}()

	if lock == eventing.LockOptionJournal {
		if err := tx.lockRow(ctx, key); err != nil {
			return err
		}
	}

	if err := body(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		switch {
		case contextError(err) != nil:
			return contextError(err)
		case s.dialect.IsUniqueViolation(err) || s.dialect.IsSerializationFailure(err):
			return errors.EventWriteConflict(key.String(), 0, err)
		default:
			return s.writeFailure(ctx, key, fmt.Errorf("commit: %w", err))
		}
	}
	tx.committed = true
	return nil
}

// writeFailure ctx 错误原样返回；驱动错误记录后归类为写失败
func (s *SQLEventStore) writeFailure(ctx context.Context, key eventing.JournalKey, err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	return errors.WrapWithLog(ctx, s.logger, err, func(cause error) errors.IError {
		return errors.EventWriteFailure(key.String(), cause)
	}, logging.Journal(key), logging.String("table", s.table))
}

type sqlTx struct {
	store *SQLEventStore
	tx    core.ITransaction

	mu        sync.Mutex
	held      map[eventing.JournalKey]func()
	committed bool
	closed    bool
}

var errTxFinished = stdErrors.New("transaction already finished")

func (t *sqlTx) reader() reader {
	return reader{db: t.tx, table: t.store.table, buffered: true, logger: t.store.logger}
}

func (t *sqlTx) QueryByID(ctx context.Context, key eventing.JournalKey, since eventing.Version) iter.Seq2[eventing.VersionedEvent, error] {
	return t.reader().queryByID(ctx, key, since)
}

func (t *sqlTx) JournalExists(ctx context.Context, key eventing.JournalKey) (bool, error) {
	return t.reader().journalExists(ctx, key)
}

func (t *sqlTx) CurrentVersion(ctx context.Context, key eventing.JournalKey) (eventing.Version, error) {
	return t.reader().currentVersion(ctx, key)
}

// WriteEvents 批量插入；主键冲突即版本已被占用
func (t *sqlTx) WriteEvents(ctx context.Context, key eventing.JournalKey, events []eventing.VersionedEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := store.ValidateBatch(key, events); err != nil {
		return err
	}

	current, err := t.CurrentVersion(ctx, key)
	if err != nil {
		return err
	}
	first := events[0].Version
	switch {
	case first <= current:
		return errors.EventWriteConflict(key.String(), uint64(first), nil)
	case first != current.Next():
		return errors.EventWriteFailure(key.String(),
			fmt.Errorf("version gap: journal is at %d, batch starts at %d", current, first))
	}

	now := t.store.now().UTC()
	insert := dbsql.New(t.tx).InsertInto(t.store.table).
		Columns("group_id", "journal_id", "version", "event_type", "payload", "created_at")
	for _, e := range events {
		payload := e.Payload
		if payload == nil {
			payload = []byte{}
		}
		insert.Values(string(key.GroupID), string(key.ID), int64(e.Version), e.EventType, payload, now)
	}
	if _, err := insert.Exec(ctx); err != nil {
		if t.store.dialect.IsUniqueViolation(err) {
			return errors.EventWriteConflict(key.String(), uint64(first), err)
		}
		return t.store.writeFailure(ctx, key, err)
	}
	return nil
}

// Lock 在本事务内锁定 key；已持有的 key 直接返回
func (t *sqlTx) Lock(ctx context.Context, key eventing.JournalKey, lock eventing.LockOption) error {
	if lock != eventing.LockOptionJournal {
		return nil
	}
	t.mu.Lock()
	_, held := t.held[key]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errTxFinished
	}
	if held {
		return nil
	}
	if err := t.acquireLocal(ctx, key); err != nil {
		return err
	}
	return t.lockRow(ctx, key)
}

func (t *sqlTx) acquireLocal(ctx context.Context, key eventing.JournalKey) error {
	release, err := t.store.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		release()
		return errTxFinished
	}
	t.held[key] = release
	return nil
}

func (t *sqlTx) releaseLocks() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, release := range t.held {
		release()
	}
	t.held = nil
}

// DBTransaction 返回 store.Tx 背后的数据库事务
//
// 投影借此把读模型写入与事件写入放在同一个数据库事务里；tx 不是本包创建的事务时返回 false。
// 包装过的 Tx（实现 Unwrap() store.Tx）会被逐层展开。
func DBTransaction(tx store.Tx) (core.ITransaction, bool) {
	for {
		w, ok := tx.(interface{ Unwrap() store.Tx })
		if !ok {
			break
		}
		tx = w.Unwrap()
	}
	t, ok := tx.(*sqlTx)
	if !ok || t.tx == nil {
		return nil, false
	}
	return t.tx, true
}
