// Package store 定义事件日志的存储契约与内存实现
package store

import (
	"context"
	"iter"

	"epoque/eventing"
)

// Querier 只读查询能力，EventStore 与 Tx 都实现它
type Querier interface {
	// QueryByID 按版本升序返回 since 之后（不含）的事件
	//
	// 序列是惰性的；每次 range 都重新读取，可重复遍历。
	// 读取失败时以 (零值, err) 产出一次后结束。
	QueryByID(ctx context.Context, key eventing.JournalKey, since eventing.Version) iter.Seq2[eventing.VersionedEvent, error]

	// JournalExists 该 journal 是否至少有一个事件
	JournalExists(ctx context.Context, key eventing.JournalKey) (bool, error)
}

// TxFunc 在事务内执行的函数体；返回 nil 提交，返回错误回滚
type TxFunc func(ctx context.Context, tx Tx) error

// EventStore 事件日志存储
//
// 锁策略：
//   - LockOptionDefault: 不加锁，(group, id, version) 唯一约束保证并发写同一版本时只有一个成功，
//     另一个得到 EVENT_WRITE_CONFLICT；
//   - LockOptionJournal: 对 key 取得独占锁后才执行 body，竞争者阻塞直到持有者的事务结束。
//
// 锁随事务结束（提交、回滚或 ctx 取消）释放。
type EventStore interface {
	Querier

	StartTransactionAndLock(ctx context.Context, key eventing.JournalKey, lock eventing.LockOption, body TxFunc) error
}

// Tx 事务句柄，只属于开启它的调用方，直到事务结束
type Tx interface {
	// Querier 的结果包含本事务尚未提交的写入
	Querier

	// WriteEvents 原子写入一批连续版本的事件；版本已被占用时返回 EVENT_WRITE_CONFLICT
	WriteEvents(ctx context.Context, key eventing.JournalKey, events []eventing.VersionedEvent) error

	// Lock 在本事务内锁定另一个 key；已持有的 key 直接复用
	Lock(ctx context.Context, key eventing.JournalKey, lock eventing.LockOption) error
}

// VersionReader 可直接给出当前版本的存储实现此接口，避免全量读取
type VersionReader interface {
	CurrentVersion(ctx context.Context, key eventing.JournalKey) (eventing.Version, error)
}
