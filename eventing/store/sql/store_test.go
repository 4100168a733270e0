package sql

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "epoque/data/db"
	"epoque/data/db/basic"
	"epoque/data/db/dialect"
	"epoque/errors"
	"epoque/eventing"
	"epoque/eventing/store"
	"epoque/eventing/store/storetest"
	"epoque/logging"
)

// 测试辅助：临时文件 sqlite 数据库；写事务使用 BEGIN IMMEDIATE 串行化
func setupSQLiteStore(t *testing.T) *SQLEventStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "events.db") +
		"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := basic.New(core.DBConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLEventStore(db)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestSQLEventStore_SQLiteContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.EventStore {
		return setupSQLiteStore(t)
	})
}

func TestSQLEventStore_LockAfterFinishFails(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()
	key := eventing.NewJournalKey("counter", "leaked")

	var leaked store.Tx
	require.NoError(t, s.StartTransactionAndLock(ctx, key, eventing.LockOptionJournal, func(_ context.Context, tx store.Tx) error {
		leaked = tx
		return nil
	}))

	err := leaked.Lock(ctx, eventing.NewJournalKey("counter", "other"), eventing.LockOptionJournal)
	assert.ErrorIs(t, err, errTxFinished)
	assert.Zero(t, s.locker.Size(), "结束后的事务不再持有进程内锁")
}

func TestSQLEventStore_InitIsIdempotent(t *testing.T) {
	s := setupSQLiteStore(t)
	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, DefaultTable, s.Table())
	assert.Equal(t, dialect.NameSQLite, s.Dialect().Name())
}

func TestNewSQLEventStore_RejectsUnsafeTable(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	_, err = NewSQLEventStore(basic.Wrap(mockDB, "postgres"), WithTable("events; DROP TABLE x"))
	assert.Error(t, err)
}

func TestSchema(t *testing.T) {
	ddl, err := Schema(dialect.New("postgres"), "journal_events")
	require.NoError(t, err)
	assert.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "journal_events"`)
	assert.Contains(t, ddl, "payload BYTEA NOT NULL")
	assert.Contains(t, ddl, "PRIMARY KEY (group_id, journal_id, version)")

	ddl, err = Schema(dialect.New("mysql"), "journal_events")
	require.NoError(t, err)
	assert.Contains(t, ddl, "LONGBLOB")

	_, err = Schema(dialect.New("oracle"), "journal_events")
	assert.Error(t, err)
	_, err = Schema(dialect.New("sqlite"), "bad name")
	assert.Error(t, err)
}

func exact(query string) string {
	return "^" + regexp.QuoteMeta(query) + "$"
}

func newPostgresMock(t *testing.T) (*SQLEventStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	s, err := NewSQLEventStore(basic.Wrap(mockDB, "postgres"))
	require.NoError(t, err)
	return s, mock
}

const (
	selectEarliestNowait = `SELECT version FROM "journal_events" WHERE group_id = $1 AND journal_id = $2 ORDER BY version LIMIT $3 FOR UPDATE NOWAIT`
	selectEarliestWait   = `SELECT version FROM "journal_events" WHERE group_id = $1 AND journal_id = $2 ORDER BY version LIMIT $3 FOR UPDATE`
	selectMaxVersion     = `SELECT COALESCE(MAX(version), 0) FROM "journal_events" WHERE group_id = $1 AND journal_id = $2`
	insertOneEvent       = `INSERT INTO "journal_events" ("group_id", "journal_id", "version", "event_type", "payload", "created_at") VALUES ($1, $2, $3, $4, $5, $6)`
)

func noop(context.Context, store.Tx) error { return nil }

func TestPostgresLock_ExistingRow(t *testing.T) {
	s, mock := newPostgresMock(t)
	key := eventing.NewJournalKey("project", "p-1")

	mock.ExpectBegin()
	mock.ExpectExec(exact("SAVEPOINT epoque_journal_lock")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(exact(selectEarliestNowait)).
		WithArgs("project", "p-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec(exact("RELEASE SAVEPOINT epoque_journal_lock")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.StartTransactionAndLock(context.Background(), key, eventing.LockOptionJournal, noop))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLock_NowaitFallsBackToBlocking(t *testing.T) {
	s, mock := newPostgresMock(t)
	key := eventing.NewJournalKey("project", "p-1")

	mock.ExpectBegin()
	mock.ExpectExec(exact("SAVEPOINT epoque_journal_lock")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(exact(selectEarliestNowait)).
		WithArgs("project", "p-1", 1).
		WillReturnError(&pq.Error{Code: "55P03", Message: "could not obtain lock on row"})
	mock.ExpectExec(exact("ROLLBACK TO SAVEPOINT epoque_journal_lock")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(exact(selectEarliestWait)).
		WithArgs("project", "p-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec(exact("RELEASE SAVEPOINT epoque_journal_lock")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.StartTransactionAndLock(context.Background(), key, eventing.LockOptionJournal, noop))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLock_EmptyJournalUsesPlaceholder(t *testing.T) {
	s, mock := newPostgresMock(t)
	key := eventing.NewJournalKey("project", "p-1")

	mock.ExpectBegin()
	mock.ExpectExec(exact("SAVEPOINT epoque_journal_lock")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(exact(selectEarliestNowait)).
		WithArgs("project", "p-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectExec(exact(insertOneEvent)).
		WithArgs("project", "p-1", 0, "__journal_lock__", []byte{}, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(exact(`SELECT version FROM "journal_events" WHERE group_id = $1 AND journal_id = $2 AND version = $3 FOR UPDATE`)).
		WithArgs("project", "p-1", 0).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
	mock.ExpectExec(exact(`DELETE FROM "journal_events" WHERE group_id = $1 AND journal_id = $2 AND version = $3`)).
		WithArgs("project", "p-1", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(exact("RELEASE SAVEPOINT epoque_journal_lock")).WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery(exact(selectMaxVersion)).
		WithArgs("project", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	mock.ExpectExec(exact(insertOneEvent)).
		WithArgs("project", "p-1", 1, "ProjectCreated", []byte(`{"name":"P1"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.StartTransactionAndLock(context.Background(), key, eventing.LockOptionJournal, func(ctx context.Context, tx store.Tx) error {
		return tx.WriteEvents(ctx, key, []eventing.VersionedEvent{
			{Version: 1, EventType: "ProjectCreated", Payload: []byte(`{"name":"P1"}`)},
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWrite_UniqueViolationIsConflict(t *testing.T) {
	s, mock := newPostgresMock(t)
	key := eventing.NewJournalKey("project", "p-1")

	mock.ExpectBegin()
	mock.ExpectQuery(exact(selectMaxVersion)).
		WithArgs("project", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	mock.ExpectExec(exact(insertOneEvent)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := storetest.Write(context.Background(), s, key, eventing.LockOptionDefault, storetest.Events(1, 1))
	assert.True(t, errors.IsConflict(err), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWrite_StorageFailure(t *testing.T) {
	s, mock := newPostgresMock(t)
	key := eventing.NewJournalKey("project", "p-1")

	mock.ExpectBegin()
	mock.ExpectQuery(exact(selectMaxVersion)).
		WithArgs("project", "p-1").
		WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	mock.ExpectRollback()

	err := storetest.Write(context.Background(), s, key, eventing.LockOptionDefault, storetest.Events(1, 1))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeEventReadFailure), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

type warnLog struct {
	logging.Logger
	msgs []string
}

func (w *warnLog) Warn(_ context.Context, msg string, _ ...logging.Field) {
	w.msgs = append(w.msgs, msg)
}

func TestPostgresWrite_DriverFailuresAreLogged(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	logs := &warnLog{Logger: logging.NewNoopLogger()}
	s, err := NewSQLEventStore(basic.Wrap(mockDB, "postgres"), WithLogger(logs))
	require.NoError(t, err)
	key := eventing.NewJournalKey("project", "p-1")

	mock.ExpectBegin()
	mock.ExpectQuery(exact(selectMaxVersion)).
		WithArgs("project", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	mock.ExpectExec(exact(insertOneEvent)).
		WillReturnError(&pq.Error{Code: "53100", Message: "disk full"})
	mock.ExpectRollback()

	err = storetest.Write(context.Background(), s, key, eventing.LockOptionDefault, storetest.Events(1, 1))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeEventWriteFailure), "got %v", err)
	assert.Equal(t, []string{"write events to journal project/p-1 failed"}, logs.msgs)

	mock.ExpectQuery(exact(selectMaxVersion)).
		WithArgs("project", "p-1").
		WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	_, err = s.CurrentVersion(context.Background(), key)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeEventReadFailure), "got %v", err)
	assert.Len(t, logs.msgs, 2)
	assert.Equal(t, "read events of journal project/p-1 failed", logs.msgs[1])
	require.NoError(t, mock.ExpectationsWereMet())
}
