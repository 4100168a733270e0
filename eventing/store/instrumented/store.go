// Package instrumented 为任意 EventStore 记录操作耗时
package instrumented

import (
	"context"
	"iter"
	"time"

	"epoque/eventing"
	"epoque/eventing/store"
)

// 操作名称
const (
	OpQuery       = "query"
	OpExists      = "journal_exists"
	OpTransaction = "transaction"
	OpWriteEvents = "write_events"
	OpLock        = "lock"
)

// Recorder 指标记录器；*monitoring.Metrics 满足该接口
type Recorder interface {
	StoreOperation(operation string, err error, d time.Duration)
}

// EventStore 包装 inner 并向 Recorder 报告每次操作
//
// 事务内的 Tx 同样被包装，Unwrap 可取回底层 Tx（SQL 投影依赖它拿到数据库事务）。
type EventStore struct {
	inner store.EventStore
	rec   Recorder
	now   func() time.Time
}

func New(inner store.EventStore, rec Recorder) *EventStore {
	if inner == nil {
		panic("instrumented.New: inner EventStore cannot be nil")
	}
	return &EventStore{inner: inner, rec: rec, now: time.Now}
}

func (s *EventStore) record(op string, start time.Time, err error) {
	if s.rec != nil {
		s.rec.StoreOperation(op, err, s.now().Sub(start))
	}
}

// QueryByID 耗时从开始遍历计到序列结束（或调用方提前停止）
func (s *EventStore) QueryByID(ctx context.Context, key eventing.JournalKey, since eventing.Version) iter.Seq2[eventing.VersionedEvent, error] {
	return s.query(ctx, s.inner, key, since)
}

func (s *EventStore) query(ctx context.Context, q store.Querier, key eventing.JournalKey, since eventing.Version) iter.Seq2[eventing.VersionedEvent, error] {
	return func(yield func(eventing.VersionedEvent, error) bool) {
		start := s.now()
		var failed error
		defer func() { s.record(OpQuery, start, failed) }()
		for e, err := range q.QueryByID(ctx, key, since) {
			if err != nil {
				failed = err
			}
			if !yield(e, err) {
				return
			}
		}
	}
}

func (s *EventStore) JournalExists(ctx context.Context, key eventing.JournalKey) (bool, error) {
	start := s.now()
	ok, err := s.inner.JournalExists(ctx, key)
	s.record(OpExists, start, err)
	return ok, err
}

func (s *EventStore) StartTransactionAndLock(ctx context.Context, key eventing.JournalKey, lock eventing.LockOption, body store.TxFunc) error {
	start := s.now()
	err := s.inner.StartTransactionAndLock(ctx, key, lock, func(ctx context.Context, tx store.Tx) error {
		return body(ctx, &Tx{inner: tx, store: s})
	})
	s.record(OpTransaction, start, err)
	return err
}

// Tx 被包装的事务句柄
type Tx struct {
	inner store.Tx
	store *EventStore
}

// Unwrap 返回底层事务
func (t *Tx) Unwrap() store.Tx { return t.inner }

func (t *Tx) QueryByID(ctx context.Context, key eventing.JournalKey, since eventing.Version) iter.Seq2[eventing.VersionedEvent, error] {
	return t.store.query(ctx, t.inner, key, since)
}

func (t *Tx) JournalExists(ctx context.Context, key eventing.JournalKey) (bool, error) {
	start := t.store.now()
	ok, err := t.inner.JournalExists(ctx, key)
	t.store.record(OpExists, start, err)
	return ok, err
}

func (t *Tx) WriteEvents(ctx context.Context, key eventing.JournalKey, events []eventing.VersionedEvent) error {
	start := t.store.now()
	err := t.inner.WriteEvents(ctx, key, events)
	t.store.record(OpWriteEvents, start, err)
	return err
}

func (t *Tx) Lock(ctx context.Context, key eventing.JournalKey, lock eventing.LockOption) error {
	start := t.store.now()
	err := t.inner.Lock(ctx, key, lock)
	t.store.record(OpLock, start, err)
	return err
}

// CurrentVersion 委托底层；底层未实现 VersionReader 时按事件计数
func (t *Tx) CurrentVersion(ctx context.Context, key eventing.JournalKey) (eventing.Version, error) {
	return store.CurrentVersion(ctx, t.inner, key)
}

var (
	_ store.EventStore    = (*EventStore)(nil)
	_ store.Tx            = (*Tx)(nil)
	_ store.VersionReader = (*Tx)(nil)
)
