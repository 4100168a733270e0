package store

import (
	"context"
	"sync"

	"epoque/eventing"
)

// KeyLocker 进程内按 JournalKey 的互斥锁
//
// 与 sync.Mutex 不同，等待可以被 ctx 取消；没有持有者与等待者的 key 会被自动清理，
// 因此长时间运行也不会累积锁对象。
type KeyLocker struct {
	mu    sync.Mutex
	locks map[eventing.JournalKey]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewKeyLocker() *KeyLocker {
	return &KeyLocker{locks: make(map[eventing.JournalKey]*keyLock)}
}

// Lock 阻塞直到取得 key 的锁或 ctx 结束；返回的 release 可重复调用
func (l *KeyLocker) Lock(ctx context.Context, key eventing.JournalKey) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kl := l.ref(key)
	select {
	case kl.sem <- struct{}{}:
		return l.releaser(key, kl), nil
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, ctx.Err()
	}
}

// TryLock 不阻塞地尝试取得锁
func (l *KeyLocker) TryLock(key eventing.JournalKey) (release func(), ok bool) {
	kl := l.ref(key)
	select {
	case kl.sem <- struct{}{}:
		return l.releaser(key, kl), true
	default:
		l.unref(key, kl)
		return nil, false
	}
}

func (l *KeyLocker) releaser(key eventing.JournalKey, kl *keyLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.unref(key, kl)
		})
	}
}

func (l *KeyLocker) ref(key eventing.JournalKey) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *KeyLocker) unref(key eventing.JournalKey, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Size 当前被持有或等待中的 key 数量（用于监控与测试）
func (l *KeyLocker) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
