package summary

import (
	"epoque/errors"
	"epoque/eventing"
	"epoque/eventing/registry"
)

// Journal 一类聚合的完整定义：组 ID、摘要类型、事件绑定、缓存与默认锁策略
type Journal[S any] struct {
	group      eventing.JournalGroupID
	cache      Cache[S]
	lock       eventing.LockOption
	aggregator *Aggregator[S]
}

func (j *Journal[S]) GroupID() eventing.JournalGroupID { return j.group }
func (j *Journal[S]) SummaryType() string              { return j.aggregator.summaryType }
func (j *Journal[S]) Aggregator() *Aggregator[S]       { return j.aggregator }
func (j *Journal[S]) LockOption() eventing.LockOption  { return j.lock }

// Cache 未配置缓存时返回 nil
func (j *Journal[S]) Cache() Cache[S] { return j.cache }

// Key 组内 ID 对应的 JournalKey
func (j *Journal[S]) Key(id eventing.JournalID) eventing.JournalKey {
	return eventing.NewJournalKey(j.group, id)
}

// EventTypes 已注册的事件类型（排序）
func (j *Journal[S]) EventTypes() []string { return j.aggregator.events.Types() }

// EncodeEvent 用注册的编解码器序列化事件
func (j *Journal[S]) EncodeEvent(e eventing.Event) ([]byte, error) {
	b, err := j.aggregator.events.Find(e.EventType())
	if err != nil {
		return nil, err
	}
	data, err := b.codec.EncodeEvent(e)
	if err != nil {
		return nil, errors.EventEncodingFailure(e.EventType(), err)
	}
	return data, nil
}

// JournalBuilder 构造 Journal；所有配置错误在 Build 时一并报告
type JournalBuilder[S any] struct {
	group       eventing.JournalGroupID
	summaryType string
	empty       S
	events      *registry.Builder[binding[S]]
	cache       Cache[S]
	unknown     eventing.UnknownEventPolicy
	lock        eventing.LockOption
	upgrader    EventUpgrader
	errs        []error
}

// NewJournalBuilder 创建构造器；empty 为版本 0 的摘要
func NewJournalBuilder[S any](group eventing.JournalGroupID, summaryType string, empty S) *JournalBuilder[S] {
	notFound := func(tag string) error { return errors.EventNotSupported(tag) }
	return &JournalBuilder[S]{
		group:       group,
		summaryType: summaryType,
		empty:       empty,
		events:      registry.NewBuilder[binding[S]](string(group)+" events", notFound),
	}
}

func (b *JournalBuilder[S]) WithCache(cache Cache[S]) *JournalBuilder[S] {
	b.cache = cache
	return b
}

func (b *JournalBuilder[S]) WithUnknownEventPolicy(p eventing.UnknownEventPolicy) *JournalBuilder[S] {
	b.unknown = p
	return b
}

// WithUpgrader 读取事件时先经 u 升级再查找绑定
func (b *JournalBuilder[S]) WithUpgrader(u EventUpgrader) *JournalBuilder[S] {
	b.upgrader = u
	return b
}

// WithLockOption journal 级默认锁策略；命令未显式指定时使用
func (b *JournalBuilder[S]) WithLockOption(lock eventing.LockOption) *JournalBuilder[S] {
	b.lock = lock
	return b
}

// On 注册事件类型 E 的折叠函数，类型标签取自 E 的零值
//
// 未提供 codec 时使用 JSON。
func On[S any, E eventing.Event](b *JournalBuilder[S], apply func(S, E) (S, error), codec ...eventing.Codec[E]) *JournalBuilder[S] {
	var zero E
	return OnType(b, zero.EventType(), apply, codec...)
}

// OnType 以显式类型标签注册，适用于零值无法给出标签的事件（如指针类型）
func OnType[S any, E eventing.Event](b *JournalBuilder[S], tag string, apply func(S, E) (S, error), codec ...eventing.Codec[E]) *JournalBuilder[S] {
	if apply == nil {
		b.errs = append(b.errs, errors.InvalidConfiguration("event %q of journal %q has no handler", tag, b.group))
		return b
	}
	var c eventing.Codec[E] = eventing.JSONCodec[E]{}
	if len(codec) > 0 && codec[0] != nil {
		c = codec[0]
	}
	entry := binding[S]{
		codec: eventing.EraseCodec(c),
		apply: func(s S, e eventing.Event) (S, error) {
			typed, ok := e.(E)
			if !ok {
				return s, &eventing.TypeMismatchError{Expected: tag, Actual: e}
			}
			return apply(s, typed)
		},
	}
	if err := b.events.Add(tag, entry); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// Build 校验并生成不可变的 Journal
func (b *JournalBuilder[S]) Build() (*Journal[S], error) {
	if err := b.group.Validate(); err != nil {
		return nil, errors.InvalidConfiguration("%v", err)
	}
	if b.summaryType == "" {
		return nil, errors.InvalidConfiguration("journal %q has no summary type", b.group)
	}
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	events, err := b.events.Build()
	if err != nil {
		return nil, err
	}
	return &Journal[S]{
		group: b.group,
		cache: b.cache,
		lock:  b.lock,
		aggregator: &Aggregator[S]{
			summaryType: b.summaryType,
			empty:       b.empty,
			events:      events,
			unknown:     b.unknown,
			upgrader:    b.upgrader,
		},
	}, nil
}

// MustBuild Build 失败时 panic，用于包级初始化
func (b *JournalBuilder[S]) MustBuild() *Journal[S] {
	j, err := b.Build()
	if err != nil {
		panic(err)
	}
	return j
}
