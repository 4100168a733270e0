package sql

import (
	"context"
	stdsql "database/sql"
	stdErrors "errors"
	"iter"

	core "epoque/data/db"
	dbsql "epoque/data/db/sql"
	"epoque/errors"
	"epoque/eventing"
	"epoque/logging"
)

// reader 在数据库或事务上执行查询；buffered 为 true 时先读完结果集再产出，
// 以免在同一事务连接上有未关闭的结果集时执行其他语句。
type reader struct {
	db       core.IDatabase
	table    string
	buffered bool
	logger   logging.Logger
}

func (r reader) queryByID(ctx context.Context, key eventing.JournalKey, since eventing.Version) iter.Seq2[eventing.VersionedEvent, error] {
	return func(yield func(eventing.VersionedEvent, error) bool) {
		rows, err := dbsql.New(r.db).
			Select("version", "event_type", "payload").
			From(r.table).
			Journal(string(key.GroupID), string(key.ID)).
			Where("version > ?", int64(since)).
			OrderBy("version").
			Query(ctx)
		if err != nil {
			yield(eventing.VersionedEvent{}, r.readFailure(ctx, key, err))
			return
		}

		next := func() (eventing.VersionedEvent, bool, error) {
			if !rows.Next() {
				return eventing.VersionedEvent{}, false, rows.Err()
			}
			var (
				version   int64
				eventType string
				payload   []byte
			)
			if err := rows.Scan(&version, &eventType, &payload); err != nil {
				return eventing.VersionedEvent{}, false, err
			}
			return eventing.VersionedEvent{Version: eventing.Version(version), EventType: eventType, Payload: payload}, true, nil
		}

		if r.buffered {
			var buf []eventing.VersionedEvent
			for {
				e, ok, err := next()
				if err != nil {
					_ = rows.Close()
					yield(eventing.VersionedEvent{}, r.readFailure(ctx, key, err))
					return
				}
				if !ok {
					break
				}
				buf = append(buf, e)
			}
			if err := rows.Close(); err != nil {
				yield(eventing.VersionedEvent{}, r.readFailure(ctx, key, err))
				return
			}
			for _, e := range buf {
				if !yield(e, nil) {
					return
				}
			}
			return
		}

		defer rows.Close()
		for {
			e, ok, err := next()
			if err != nil {
				yield(eventing.VersionedEvent{}, r.readFailure(ctx, key, err))
				return
			}
			if !ok {
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (r reader) journalExists(ctx context.Context, key eventing.JournalKey) (bool, error) {
	var version int64
	err := dbsql.New(r.db).
		Select("version").
		From(r.table).
		Journal(string(key.GroupID), string(key.ID)).
		Where("version > ?", 0).
		Limit(1).
		QueryRow(ctx).
		Scan(&version)
	switch {
	case err == nil:
		return true, nil
	case stdErrors.Is(err, stdsql.ErrNoRows):
		return false, nil
	default:
		return false, r.readFailure(ctx, key, err)
	}
}

func (r reader) currentVersion(ctx context.Context, key eventing.JournalKey) (eventing.Version, error) {
	var version int64
	err := dbsql.New(r.db).
		Select("COALESCE(MAX(version), 0)").
		From(r.table).
		Journal(string(key.GroupID), string(key.ID)).
		QueryRow(ctx).
		Scan(&version)
	if err != nil {
		return eventing.VersionZero, r.readFailure(ctx, key, err)
	}
	return eventing.Version(version), nil
}

// readFailure ctx 错误原样返回，由上层归类为超时；驱动错误记录后归类为读失败
func (r reader) readFailure(ctx context.Context, key eventing.JournalKey, err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	return errors.WrapWithLog(ctx, r.logger, err, func(cause error) errors.IError {
		return errors.EventReadFailure(key.String(), cause)
	}, logging.Journal(key), logging.String("table", r.table))
}

func (s *SQLEventStore) reader() reader {
	return reader{db: s.db, table: s.table, logger: s.logger}
}

func (s *SQLEventStore) QueryByID(ctx context.Context, key eventing.JournalKey, since eventing.Version) iter.Seq2[eventing.VersionedEvent, error] {
	return s.reader().queryByID(ctx, key, since)
}

func (s *SQLEventStore) JournalExists(ctx context.Context, key eventing.JournalKey) (bool, error) {
	return s.reader().journalExists(ctx, key)
}

func (s *SQLEventStore) CurrentVersion(ctx context.Context, key eventing.JournalKey) (eventing.Version, error) {
	return s.reader().currentVersion(ctx, key)
}
