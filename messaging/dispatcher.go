package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Dispatcher 按事件类型保存订阅并分发消息，各传输实现共用
//
// 零值可用，并发安全。
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// Subscribe 注册处理器
func (d *Dispatcher) Subscribe(eventType string, handler Handler) error {
	if eventType == "" {
		return fmt.Errorf("event type is empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for %q is nil", eventType)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[string][]Handler)
	}
	d.handlers[eventType] = append(d.handlers[eventType], handler)
	return nil
}

// handlersFor 精确匹配的处理器在前，通配符处理器在后
func (d *Dispatcher) handlersFor(eventType string) []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	exact := d.handlers[eventType]
	wildcard := d.handlers[AllEvents]
	handlers := make([]Handler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wildcard...)
	return handlers
}

// Dispatch 依次调用全部匹配的处理器；某个处理器失败不影响其余处理器
func (d *Dispatcher) Dispatch(ctx context.Context, message *Message) error {
	var errs []error
	for _, h := range d.handlersFor(message.Type) {
		if err := h(ctx, message); err != nil {
			errs = append(errs, fmt.Errorf("handle %s: %w", message, err))
		}
	}
	return errors.Join(errs...)
}

// Types 已订阅的事件类型（排序）
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Stats 订阅统计
func (d *Dispatcher) Stats(running bool) TransportStats {
	d.mu.RLock()
	count := 0
	for _, hs := range d.handlers {
		count += len(hs)
	}
	d.mu.RUnlock()
	return TransportStats{Running: running, HandlerCount: count, MessageTypes: d.Types()}
}
