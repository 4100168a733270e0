package store

import (
	"context"
	"fmt"

	"epoque/errors"
	"epoque/eventing"
)

// LoadEvents 把 QueryByID 的结果收集为切片
func LoadEvents(ctx context.Context, q Querier, key eventing.JournalKey, since eventing.Version) ([]eventing.VersionedEvent, error) {
	var out []eventing.VersionedEvent
	for e, err := range q.QueryByID(ctx, key, since) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CurrentVersion 获取 journal 的当前版本；journal 不存在时返回 VersionZero
func CurrentVersion(ctx context.Context, q Querier, key eventing.JournalKey) (eventing.Version, error) {
	if r, ok := q.(VersionReader); ok {
		return r.CurrentVersion(ctx, key)
	}
	current := eventing.VersionZero
	for e, err := range q.QueryByID(ctx, key, eventing.VersionZero) {
		if err != nil {
			return eventing.VersionZero, err
		}
		current = e.Version
	}
	return current, nil
}

// ValidateBatch 检查一批待写事件的版本从 first 起严格连续
func ValidateBatch(key eventing.JournalKey, events []eventing.VersionedEvent) error {
	if len(events) == 0 {
		return nil
	}
	if events[0].Version.IsZero() {
		return errors.EventWriteFailure(key.String(), fmt.Errorf("version 0 is reserved"))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Version != events[i-1].Version.Next() {
			return errors.EventWriteFailure(key.String(),
				fmt.Errorf("batch is not contiguous: %d follows %d", events[i].Version, events[i-1].Version))
		}
	}
	for _, e := range events {
		if e.EventType == "" {
			return errors.EventWriteFailure(key.String(), fmt.Errorf("event at version %d has no type", e.Version))
		}
	}
	return nil
}

// InTx 执行事务并返回 body 的结果值
func InTx[T any](ctx context.Context, s EventStore, key eventing.JournalKey, lock eventing.LockOption, body func(ctx context.Context, tx Tx) (T, error)) (T, error) {
	var result T
	err := s.StartTransactionAndLock(ctx, key, lock, func(ctx context.Context, tx Tx) error {
		v, err := body(ctx, tx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
