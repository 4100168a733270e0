// Package storetest 提供 EventStore 实现共用的契约测试
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epoque/errors"
	"epoque/eventing"
	"epoque/eventing/store"
)

// Factory 每个子测试调用一次，返回全新的空存储
type Factory func(t *testing.T) store.EventStore

// Events 生成 from 起连续的 n 个事件
func Events(from eventing.Version, n int) []eventing.VersionedEvent {
	out := make([]eventing.VersionedEvent, n)
	for i := range out {
		v := from.Add(i)
		out[i] = eventing.VersionedEvent{Version: v, EventType: "Counted", Payload: []byte(`{"n":` + v.String() + `}`)}
	}
	return out
}

// Write 在单独事务中写入事件
func Write(ctx context.Context, s store.EventStore, key eventing.JournalKey, lock eventing.LockOption, events []eventing.VersionedEvent) error {
	return s.StartTransactionAndLock(ctx, key, lock, func(ctx context.Context, tx store.Tx) error {
		return tx.WriteEvents(ctx, key, events)
	})
}

// Run 执行全部契约用例
func Run(t *testing.T, newStore Factory) {
	t.Run("QueryAndExists", func(t *testing.T) { testQueryAndExists(t, newStore(t)) })
	t.Run("RollbackIsInvisible", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("TxSeesOwnWrites", func(t *testing.T) { testTxSeesOwnWrites(t, newStore(t)) })
	t.Run("TxReadAfterConcurrentCommit", func(t *testing.T) { testTxReadAfterConcurrentCommit(t, newStore(t)) })
	t.Run("VersionValidation", func(t *testing.T) { testVersionValidation(t, newStore(t)) })
	t.Run("OptimisticConflict", func(t *testing.T) { testOptimisticConflict(t, newStore(t)) })
	t.Run("ExclusiveLockOrdering", func(t *testing.T) { testExclusiveLockOrdering(t, newStore(t)) })
	t.Run("NestedLockIsReused", func(t *testing.T) { testNestedLock(t, newStore(t)) })
	t.Run("LockWaitHonoursContext", func(t *testing.T) { testLockCancellation(t, newStore(t)) })
	t.Run("MultipleJournalsInOneTx", func(t *testing.T) { testMultipleJournals(t, newStore(t)) })
}

func testQueryAndExists(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	key := eventing.NewJournalKey("counter", "c-1")

	exists, err := s.JournalExists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, Write(ctx, s, key, eventing.LockOptionDefault, Events(1, 3)))

	all, err := store.LoadEvents(ctx, s, key, eventing.VersionZero)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, e := range all {
		assert.Equal(t, eventing.Version(i+1), e.Version)
		assert.Equal(t, "Counted", e.EventType)
	}
	assert.JSONEq(t, `{"n":2}`, string(all[1].Payload))

	tail, err := store.LoadEvents(ctx, s, key, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, eventing.Version(3), tail[0].Version)

	// 同一序列可重复遍历
	seq := s.QueryByID(ctx, key, 0)
	for range 2 {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		assert.Equal(t, 3, n)
	}

	exists, err = s.JournalExists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	current, err := store.CurrentVersion(ctx, s, key)
	require.NoError(t, err)
	assert.Equal(t, eventing.Version(3), current)

	other, err := s.JournalExists(ctx, eventing.NewJournalKey("counter", "c-2"))
	require.NoError(t, err)
	assert.False(t, other)
}

func testRollback(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	key := eventing.NewJournalKey("counter", "rollback")
	boom := errors.CommandRejected("boom", nil)

	err := s.StartTransactionAndLock(ctx, key, eventing.LockOptionJournal, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.WriteEvents(ctx, key, Events(1, 2)))
		return boom
	})
	assert.True(t, errors.IsRejected(err))

	exists, err := s.JournalExists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	// 回滚后锁已释放，版本 1 仍可写
	require.NoError(t, Write(ctx, s, key, eventing.LockOptionJournal, Events(1, 1)))
}

func testTxSeesOwnWrites(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	key := eventing.NewJournalKey("counter", "own")
	require.NoError(t, Write(ctx, s, key, eventing.LockOptionDefault, Events(1, 1)))

	err := s.StartTransactionAndLock(ctx, key, eventing.LockOptionDefault, func(ctx context.Context, tx store.Tx) error {
		if err := tx.WriteEvents(ctx, key, Events(2, 2)); err != nil {
			return err
		}
		events, err := store.LoadEvents(ctx, tx, key, 1)
		if err != nil {
			return err
		}
		assert.Len(t, events, 2)
		current, err := store.CurrentVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		assert.Equal(t, eventing.Version(3), current)
		return nil
	})
	require.NoError(t, err)
}

// 事务写入 v1 后另一个写入者也提交 v1：事务内读取不能出现重复版本，
// 要么版本严格递增，要么以写冲突结束；最终只有一方的 v1 生效。
func testTxReadAfterConcurrentCommit(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	key := eventing.NewJournalKey("counter", "overlap")

	var otherErr error
	err := s.StartTransactionAndLock(ctx, key, eventing.LockOptionDefault, func(ctx context.Context, tx store.Tx) error {
		if err := tx.WriteEvents(ctx, key, Events(1, 1)); err != nil {
			return err
		}

		// 支持行锁的存储会让另一个写入者等待直到超时
		done := make(chan struct{})
		go func() {
			defer close(done)
			writeCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()
			otherErr = Write(writeCtx, s, key, eventing.LockOptionDefault, Events(1, 1))
		}()
		<-done

		last := eventing.VersionZero
		for e, err := range tx.QueryByID(ctx, key, eventing.VersionZero) {
			if err != nil {
				assert.True(t, errors.IsConflict(err), "got %v", err)
				return err
			}
			assert.Greater(t, e.Version, last, "versions must be strictly ascending")
			last = e.Version
		}
		return nil
	})

	if otherErr == nil {
		assert.True(t, errors.IsConflict(err), "got %v", err)
	} else {
		assert.NoError(t, err)
	}

	events, err := store.LoadEvents(ctx, s, key, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func testVersionValidation(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	key := eventing.NewJournalKey("counter", "validation")
	require.NoError(t, Write(ctx, s, key, eventing.LockOptionDefault, Events(1, 2)))

	err := Write(ctx, s, key, eventing.LockOptionDefault, Events(2, 1))
	assert.True(t, errors.IsConflict(err), "got %v", err)

	err = Write(ctx, s, key, eventing.LockOptionDefault, Events(5, 1))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeEventWriteFailure), "got %v", err)

	broken := append(Events(3, 1), Events(5, 1)...)
	err = Write(ctx, s, key, eventing.LockOptionDefault, broken)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeEventWriteFailure), "got %v", err)

	require.NoError(t, Write(ctx, s, key, eventing.LockOptionDefault, nil))
	current, err := store.CurrentVersion(ctx, s, key)
	require.NoError(t, err)
	assert.Equal(t, eventing.Version(2), current)
}

func testOptimisticConflict(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	key := eventing.NewJournalKey("counter", "race")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Write(ctx, s, key, eventing.LockOptionDefault, Events(1, 1))
		}(i)
	}
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.IsConflict(err):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)

	events, err := store.LoadEvents(ctx, s, key, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func testExclusiveLockOrdering(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	key := eventing.NewJournalKey("counter", "exclusive")

	var (
		mu          sync.Mutex
		secondStart time.Time
		secondErr   error
		wg          sync.WaitGroup
	)
	start := time.Now()

	wg.Add(2)
	go func() {
		defer wg.Done()
		err := s.StartTransactionAndLock(ctx, key, eventing.LockOptionJournal, func(ctx context.Context, tx store.Tx) error {
			time.Sleep(1000 * time.Millisecond)
			return tx.WriteEvents(ctx, key, Events(1, 1))
		})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(500 * time.Millisecond)
		secondErr = s.StartTransactionAndLock(ctx, key, eventing.LockOptionJournal, func(ctx context.Context, tx store.Tx) error {
			mu.Lock()
			secondStart = time.Now()
			mu.Unlock()
			// 竞争者读到持有者已提交的事件
			current, err := store.CurrentVersion(ctx, tx, key)
			if err != nil {
				return err
			}
			assert.Equal(t, eventing.Version(1), current)
			return tx.WriteEvents(ctx, key, Events(1, 1))
		})
	}()
	wg.Wait()

	assert.True(t, errors.IsConflict(secondErr), "got %v", secondErr)
	// 竞争者在 500ms 时开始等待，持有者 1000ms 后才释放
	mu.Lock()
	assert.GreaterOrEqual(t, secondStart.Sub(start), time.Second)
	mu.Unlock()

	events, err := store.LoadEvents(ctx, s, key, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func testNestedLock(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	key := eventing.NewJournalKey("counter", "nested")

	err := s.StartTransactionAndLock(ctx, key, eventing.LockOptionJournal, func(ctx context.Context, tx store.Tx) error {
		lockCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		if err := tx.Lock(lockCtx, key, eventing.LockOptionJournal); err != nil {
			return err
		}
		return tx.WriteEvents(ctx, key, Events(1, 1))
	})
	require.NoError(t, err)
}

func testLockCancellation(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	key := eventing.NewJournalKey("counter", "cancel")

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.StartTransactionAndLock(ctx, key, eventing.LockOptionJournal, func(ctx context.Context, tx store.Tx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	started := time.Now()
	err := s.StartTransactionAndLock(waitCtx, key, eventing.LockOptionJournal, func(ctx context.Context, tx store.Tx) error {
		t.Error("body must not run without the lock")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTimeout, errors.Normalize(err).Code())
	assert.Less(t, time.Since(started), time.Second)
	close(done)

	// 持有者结束后锁可再次获取
	require.Eventually(t, func() bool {
		return Write(ctx, s, key, eventing.LockOptionJournal, Events(1, 1)) == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func testMultipleJournals(t *testing.T, s store.EventStore) {
	ctx := context.Background()
	a := eventing.NewJournalKey("counter", "a")
	b := eventing.NewJournalKey("tally", "b")

	err := s.StartTransactionAndLock(ctx, a, eventing.LockOptionJournal, func(ctx context.Context, tx store.Tx) error {
		if err := tx.WriteEvents(ctx, a, Events(1, 2)); err != nil {
			return err
		}
		if err := tx.Lock(ctx, b, eventing.LockOptionJournal); err != nil {
			return err
		}
		return tx.WriteEvents(ctx, b, Events(1, 1))
	})
	require.NoError(t, err)

	for key, want := range map[eventing.JournalKey]int{a: 2, b: 1} {
		events, err := store.LoadEvents(ctx, s, key, 0)
		require.NoError(t, err)
		assert.Len(t, events, want, key.String())
	}
}
