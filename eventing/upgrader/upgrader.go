// Package upgrader 提供事件升级器，用于事件 Schema 演化
//
// 存储中的事件以类型标签区分版本（如 ProjectCreatedV1 → ProjectCreated）。
// Chain 在事件折叠前把旧类型逐级改写为当前类型，事件版本号不变。
package upgrader

import (
	"context"
	"fmt"
	"sync"

	"epoque/errors"
	"epoque/eventing"
	"epoque/logging"
)

// EventUpgrader 把一种旧事件类型的载荷改写为另一种类型
type EventUpgrader interface {
	FromType() string
	ToType() string
	Upgrade(payload []byte) ([]byte, error)
}

// Func 以函数构造升级器；Fn 为 nil 时载荷原样保留
type Func struct {
	From string
	To   string
	Fn   func(payload []byte) ([]byte, error)
}

func (f Func) FromType() string { return f.From }
func (f Func) ToType() string   { return f.To }

func (f Func) Upgrade(payload []byte) ([]byte, error) {
	if f.Fn == nil {
		return payload, nil
	}
	return f.Fn(payload)
}

// Rename 只改类型标签
func Rename(from, to string) EventUpgrader {
	return Func{From: from, To: to}
}

// Chain 升级链，每个旧类型至多一个升级器
type Chain struct {
	mutex     sync.RWMutex
	upgraders map[string]EventUpgrader // fromType -> upgrader
	logger    logging.Logger
}

func NewChain() *Chain {
	return &Chain{
		upgraders: make(map[string]EventUpgrader),
		logger:    logging.ComponentLogger("upgrader"),
	}
}

// Register 注册升级器；形成环的注册被拒绝
func (c *Chain) Register(u EventUpgrader) error {
	if u == nil || u.FromType() == "" || u.ToType() == "" {
		return errors.InvalidConfiguration("upgrader must name both event types")
	}
	from, to := u.FromType(), u.ToType()
	if from == to {
		return errors.InvalidConfiguration("upgrader of %q points to itself", from)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.upgraders[from]; exists {
		return errors.DuplicateRegistration(from)
	}
	for next := to; ; {
		if next == from {
			return errors.InvalidConfiguration("upgrading %q to %q forms a cycle", from, to)
		}
		step, ok := c.upgraders[next]
		if !ok {
			break
		}
		next = step.ToType()
	}
	c.upgraders[from] = u

	c.logger.Debug(context.Background(), "event upgrader registered",
		logging.String("from_type", from),
		logging.String("to_type", to))
	return nil
}

// MustRegister Register 失败时 panic
func (c *Chain) MustRegister(upgraders ...EventUpgrader) *Chain {
	for _, u := range upgraders {
		if err := c.Register(u); err != nil {
			panic(err)
		}
	}
	return c
}

// Upgrade 逐级升级，直到类型没有对应的升级器；失败返回 EVENT_DECODING_FAILURE
func (c *Chain) Upgrade(e eventing.VersionedEvent) (eventing.VersionedEvent, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	current := e
	for {
		u, ok := c.upgraders[current.EventType]
		if !ok {
			return current, nil
		}
		payload, err := u.Upgrade(current.Payload)
		if err != nil {
			return e, errors.EventDecodingFailure(current.EventType,
				fmt.Errorf("upgrade to %q: %w", u.ToType(), err))
		}
		current = eventing.VersionedEvent{Version: e.Version, EventType: u.ToType(), Payload: payload}
	}
}

// Len 已注册的升级器数量
func (c *Chain) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.upgraders)
}
