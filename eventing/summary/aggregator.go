// Package summary 把事件日志折叠为聚合的当前状态（摘要），并负责摘要缓存
package summary

import (
	"fmt"
	"iter"

	"epoque/errors"
	"epoque/eventing"
	"epoque/eventing/registry"
)

// VersionedSummary 摘要及其对应的事件版本
type VersionedSummary[S any] struct {
	Version eventing.Version
	Summary S
}

func (v VersionedSummary[S]) String() string {
	return fmt.Sprintf("summary@%d", v.Version)
}

// binding 一个事件类型的编解码器与折叠函数
type binding[S any] struct {
	codec eventing.EventCodec
	apply func(S, eventing.Event) (S, error)
}

// EventUpgrader 折叠前改写旧版本事件；*upgrader.Chain 满足该接口
type EventUpgrader interface {
	Upgrade(e eventing.VersionedEvent) (eventing.VersionedEvent, error)
}

// Aggregator 按版本顺序把事件折叠进摘要
//
// 事件版本必须严格等于当前版本 + 1；折叠函数返回新的摘要值，不应原地修改入参。
type Aggregator[S any] struct {
	summaryType string
	empty       S
	events      *registry.Registry[binding[S]]
	unknown     eventing.UnknownEventPolicy
	upgrader    EventUpgrader
}

// Empty 版本 0 的空摘要
func (a *Aggregator[S]) Empty() VersionedSummary[S] {
	return VersionedSummary[S]{Version: eventing.VersionZero, Summary: a.empty}
}

// Aggregate 从 cached（为 nil 时从空摘要）开始折叠 events
func (a *Aggregator[S]) Aggregate(events []eventing.VersionedEvent, cached *VersionedSummary[S]) (VersionedSummary[S], error) {
	current := a.start(cached)
	for _, e := range events {
		next, err := a.apply(current, e)
		if err != nil {
			return current, err
		}
		current = next
	}
	return current, nil
}

// AggregateSeq 与 Aggregate 相同，但直接消费存储返回的序列；读取错误原样返回
func (a *Aggregator[S]) AggregateSeq(events iter.Seq2[eventing.VersionedEvent, error], cached *VersionedSummary[S]) (VersionedSummary[S], error) {
	current := a.start(cached)
	for e, err := range events {
		if err != nil {
			return current, err
		}
		next, err := a.apply(current, e)
		if err != nil {
			return current, err
		}
		current = next
	}
	return current, nil
}

func (a *Aggregator[S]) start(cached *VersionedSummary[S]) VersionedSummary[S] {
	if cached == nil {
		return a.Empty()
	}
	return *cached
}

func (a *Aggregator[S]) apply(current VersionedSummary[S], e eventing.VersionedEvent) (VersionedSummary[S], error) {
	expected := current.Version.Next()
	if e.Version != expected {
		return current, errors.SummaryAggregationFailure(e.EventType, uint64(expected), uint64(e.Version))
	}

	if a.upgrader != nil {
		upgraded, err := a.upgrader.Upgrade(e)
		if err != nil {
			return current, err
		}
		e = upgraded
	}

	b, err := a.events.Find(e.EventType)
	if err != nil {
		if a.unknown == eventing.UnknownEventIgnore {
			return VersionedSummary[S]{Version: e.Version, Summary: current.Summary}, nil
		}
		return current, err
	}

	decoded, err := b.codec.DecodeEvent(e.Payload)
	if err != nil {
		return current, errors.EventDecodingFailure(e.EventType, err)
	}
	next, err := b.apply(current.Summary, decoded)
	if err != nil {
		return current, errors.EventHandlerFailure(e.EventType, uint64(e.Version), err)
	}
	return VersionedSummary[S]{Version: e.Version, Summary: next}, nil
}
