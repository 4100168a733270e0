package eventing

import "fmt"

// Event 领域事件需实现的最小接口
//
// EventType 返回的类型标签用于注册表查找与持久化，必须在同一 journal 内唯一且稳定。
type Event interface {
	EventType() string
}

// VersionedEvent 已序列化、带版本号的事件记录，写入后不可变
type VersionedEvent struct {
	Version   Version
	EventType string
	Payload   []byte
}

func (e VersionedEvent) String() string {
	return fmt.Sprintf("%s@%d", e.EventType, e.Version)
}

// LockOption 并发控制策略
type LockOption int

const (
	// LockOptionUnspecified 继承上一级（journal 或环境）配置
	LockOptionUnspecified LockOption = iota
	// LockOptionDefault 乐观并发：不加锁，版本唯一约束检测冲突
	LockOptionDefault
	// LockOptionJournal 独占：同一 JournalKey 的命令串行执行
	LockOptionJournal
)

func (o LockOption) String() string {
	switch o {
	case LockOptionDefault:
		return "default"
	case LockOptionJournal:
		return "journal_lock"
	default:
		return "unspecified"
	}
}

// Or 当前值未指定时返回 fallback
func (o LockOption) Or(fallback LockOption) LockOption {
	if o == LockOptionUnspecified {
		return fallback
	}
	return o
}

// ParseLockOption 解析配置中的锁策略名称
func ParseLockOption(s string) (LockOption, error) {
	switch s {
	case "", "unspecified":
		return LockOptionUnspecified, nil
	case "default", "optimistic":
		return LockOptionDefault, nil
	case "journal", "journal_lock", "exclusive":
		return LockOptionJournal, nil
	}
	return LockOptionUnspecified, fmt.Errorf("unknown lock option %q", s)
}

// UnknownEventPolicy 回放时遇到未注册事件类型的处理方式
type UnknownEventPolicy int

const (
	// UnknownEventFail 未注册的事件类型导致聚合失败
	UnknownEventFail UnknownEventPolicy = iota
	// UnknownEventIgnore 跳过未注册事件，版本照常推进
	UnknownEventIgnore
)
