// Package sync 进程内同步传输：Publish 在调用方 goroutine 中依次调用订阅者
//
// 适合单进程部署与测试，订阅者失败会返回给发布方。
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"epoque/messaging"
)

// Transport 同步的进程内传输
type Transport struct {
	dispatcher messaging.Dispatcher

	mu     sync.RWMutex
	closed bool
}

var _ messaging.Transport = (*Transport)(nil)

// NewTransport 创建同步传输
func NewTransport() *Transport {
	return &Transport{}
}

// Publish 立即分发；全部消息都会被分发，返回汇总的错误
func (t *Transport) Publish(ctx context.Context, messages ...*messaging.Message) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return fmt.Errorf("sync transport is closed")
	}

	var failed []error
	for _, msg := range messages {
		if err := t.dispatcher.Dispatch(ctx, msg); err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("message handling completed with %d errors: %w", len(failed), errors.Join(failed...))
	}
	return nil
}

// Subscribe 订阅事件类型
func (t *Transport) Subscribe(eventType string, handler messaging.Handler) error {
	return t.dispatcher.Subscribe(eventType, handler)
}

// Close 关闭后 Publish 返回错误
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("sync transport is already closed")
	}
	t.closed = true
	return nil
}

// Stats 返回统计信息
func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	running := !t.closed
	t.mu.RUnlock()
	return t.dispatcher.Stats(running)
}
