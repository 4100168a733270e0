package store

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"epoque/errors"
	"epoque/eventing"
	"epoque/logging"
)

// MemoryEventStore 内存事件存储，用于测试、示例与单进程场景
//
// 事务内的写入先缓存在 Tx 中，提交时在存储锁内重新校验版本后一次性生效，
// 因此回滚的写入对其他读者从不可见。
type MemoryEventStore struct {
	mu       sync.RWMutex
	journals map[eventing.JournalKey][]eventing.VersionedEvent
	locker   *KeyLocker
	logger   logging.Logger
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		journals: make(map[eventing.JournalKey][]eventing.VersionedEvent),
		locker:   NewKeyLocker(),
		logger:   logging.ComponentLogger("store.memory"),
	}
}

// snapshot 返回 since 之后已提交事件的副本
func (m *MemoryEventStore) snapshot(key eventing.JournalKey, since eventing.Version) []eventing.VersionedEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.journals[key]
	// 版本从 1 开始连续，下标 i 处为版本 i+1
	if uint64(since) >= uint64(len(events)) {
		return nil
	}
	out := make([]eventing.VersionedEvent, len(events)-int(since))
	copy(out, events[since:])
	return out
}

func (m *MemoryEventStore) QueryByID(ctx context.Context, key eventing.JournalKey, since eventing.Version) iter.Seq2[eventing.VersionedEvent, error] {
	return func(yield func(eventing.VersionedEvent, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(eventing.VersionedEvent{}, err)
			return
		}
		for _, e := range m.snapshot(key, since) {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *MemoryEventStore) JournalExists(ctx context.Context, key eventing.JournalKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.journals[key]) > 0, nil
}

func (m *MemoryEventStore) CurrentVersion(ctx context.Context, key eventing.JournalKey) (eventing.Version, error) {
	if err := ctx.Err(); err != nil {
		return eventing.VersionZero, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return eventing.Version(len(m.journals[key])), nil
}

func (m *MemoryEventStore) StartTransactionAndLock(ctx context.Context, key eventing.JournalKey, lock eventing.LockOption, body TxFunc) error {
	tx := &memoryTx{
		store:   m,
		pending: make(map[eventing.JournalKey][]eventing.VersionedEvent),
		held:    make(map[eventing.JournalKey]func()),
	}
	defer tx.close()

	if err := tx.Lock(ctx, key, lock); err != nil {
		return err
	}
	if err := body(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(ctx, tx)
}

// commit 校验全部待写 journal 后一次性追加
func (m *MemoryEventStore) commit(ctx context.Context, tx *memoryTx) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.order) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range tx.order {
		batch := tx.pending[key]
		current := eventing.Version(len(m.journals[key]))
		if batch[0].Version != current.Next() {
			m.logger.Debug(ctx, "commit rejected, version already taken",
				logging.Journal(key), logging.Uint64("version", uint64(batch[0].Version)))
			return errors.EventWriteConflict(key.String(), uint64(batch[0].Version), nil)
		}
	}
	for _, key := range tx.order {
		m.journals[key] = append(m.journals[key], tx.pending[key]...)
	}
	return nil
}

type memoryTx struct {
	store *MemoryEventStore

	mu      sync.Mutex
	pending map[eventing.JournalKey][]eventing.VersionedEvent
	order   []eventing.JournalKey
	held    map[eventing.JournalKey]func()
	closed  bool
}

func (tx *memoryTx) close() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.closed = true
	for _, release := range tx.held {
		release()
	}
	tx.held = nil
}

func (tx *memoryTx) checkOpen() error {
	if tx.closed {
		return fmt.Errorf("transaction already finished")
	}
	return nil
}

func (tx *memoryTx) QueryByID(ctx context.Context, key eventing.JournalKey, since eventing.Version) iter.Seq2[eventing.VersionedEvent, error] {
	return func(yield func(eventing.VersionedEvent, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(eventing.VersionedEvent{}, err)
			return
		}
		tx.mu.Lock()
		pending := append([]eventing.VersionedEvent(nil), tx.pending[key]...)
		tx.mu.Unlock()

		for _, e := range tx.store.snapshot(key, since) {
			// 并发提交已占用事务待写的版本，提交时必然冲突
			if len(pending) > 0 && e.Version >= pending[0].Version {
				yield(eventing.VersionedEvent{}, errors.EventWriteConflict(key.String(), uint64(pending[0].Version), nil))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		for _, e := range pending {
			if e.Version <= since {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (tx *memoryTx) JournalExists(ctx context.Context, key eventing.JournalKey) (bool, error) {
	tx.mu.Lock()
	hasPending := len(tx.pending[key]) > 0
	tx.mu.Unlock()
	if hasPending {
		return true, nil
	}
	return tx.store.JournalExists(ctx, key)
}

func (tx *memoryTx) CurrentVersion(ctx context.Context, key eventing.JournalKey) (eventing.Version, error) {
	tx.mu.Lock()
	pending := tx.pending[key]
	tx.mu.Unlock()
	if len(pending) > 0 {
		return pending[len(pending)-1].Version, nil
	}
	return tx.store.CurrentVersion(ctx, key)
}

func (tx *memoryTx) WriteEvents(ctx context.Context, key eventing.JournalKey, events []eventing.VersionedEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateBatch(key, events); err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return errors.EventWriteFailure(key.String(), err)
	}

	committed, err := tx.store.CurrentVersion(ctx, key)
	if err != nil {
		return err
	}
	base := committed
	if pending := tx.pending[key]; len(pending) > 0 {
		base = pending[len(pending)-1].Version
	}
	first := events[0].Version
	switch {
	case first <= base:
		return errors.EventWriteConflict(key.String(), uint64(first), nil)
	case first != base.Next():
		return errors.EventWriteFailure(key.String(),
			fmt.Errorf("version gap: journal is at %d, batch starts at %d", base, first))
	}

	if _, ok := tx.pending[key]; !ok {
		tx.order = append(tx.order, key)
	}
	tx.pending[key] = append(tx.pending[key], events...)
	return nil
}

func (tx *memoryTx) Lock(ctx context.Context, key eventing.JournalKey, lock eventing.LockOption) error {
	if lock != eventing.LockOptionJournal {
		return nil
	}
	tx.mu.Lock()
	if err := tx.checkOpen(); err != nil {
		tx.mu.Unlock()
		return err
	}
	if _, ok := tx.held[key]; ok {
		tx.mu.Unlock()
		return nil
	}
	tx.mu.Unlock()

	release, err := tx.store.locker.Lock(ctx, key)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		release()
		return fmt.Errorf("transaction already finished")
	}
	tx.held[key] = release
	return nil
}
