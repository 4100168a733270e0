package summary

import (
	"context"

	"golang.org/x/sync/singleflight"

	"epoque/eventing"
	"epoque/eventing/monitoring"
	"epoque/eventing/store"
	"epoque/logging"
)

// Loader 读取缓存并补齐后续事件，得到 journal 的最新摘要
type Loader[S any] struct {
	journal *Journal[S]
	metrics *monitoring.Metrics
	logger  logging.Logger
	peeks   singleflight.Group
}

// LoaderOption Loader 可选配置
type LoaderOption func(*loaderOptions)

type loaderOptions struct {
	metrics *monitoring.Metrics
	logger  logging.Logger
}

func WithMetrics(m *monitoring.Metrics) LoaderOption {
	return func(o *loaderOptions) { o.metrics = m }
}

func WithLogger(l logging.Logger) LoaderOption {
	return func(o *loaderOptions) { o.logger = l }
}

// NewLoader 创建 Loader
func NewLoader[S any](journal *Journal[S], opts ...LoaderOption) *Loader[S] {
	o := loaderOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.ComponentLogger("summary.loader")
	}
	return &Loader[S]{journal: journal, metrics: o.metrics, logger: o.logger}
}

func (l *Loader[S]) Journal() *Journal[S] { return l.journal }

func (l *Loader[S]) cacheKey(key eventing.JournalKey) CacheKey {
	return CacheKey{SummaryType: l.journal.SummaryType(), Key: key}
}

// Load 从缓存版本起折叠后续事件
//
// q 为事务（store.Tx）时不回写缓存：事务可能回滚，调用方应在提交后调用 Remember。
func (l *Loader[S]) Load(ctx context.Context, q store.Querier, key eventing.JournalKey) (VersionedSummary[S], error) {
	cached := l.cached(ctx, key)

	since := eventing.VersionZero
	if cached != nil {
		since = cached.Version
	}
	result, err := l.journal.aggregator.AggregateSeq(q.QueryByID(ctx, key, since), cached)
	if err != nil {
		return VersionedSummary[S]{}, err
	}
	l.metrics.SummaryReplayed(l.journal.SummaryType(), int(result.Version-since))

	if _, inTx := q.(store.Tx); !inTx && (cached == nil || result.Version != cached.Version) {
		l.Remember(ctx, key, result)
	}
	return result, nil
}

// Peek 事务外的只读查询；同一 key 的并发未命中合并为一次加载
//
// 合并后的加载不随任何单个调用方的 ctx 取消；调用方自己的 ctx 结束时单独返回。
func (l *Loader[S]) Peek(ctx context.Context, q store.Querier, key eventing.JournalKey) (VersionedSummary[S], error) {
	ch := l.peeks.DoChan(l.cacheKey(key).String(), func() (any, error) {
		return l.Load(context.WithoutCancel(ctx), q, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return VersionedSummary[S]{}, res.Err
		}
		return res.Val.(VersionedSummary[S]), nil
	case <-ctx.Done():
		return VersionedSummary[S]{}, ctx.Err()
	}
}

// Remember 把已提交的摘要写入缓存；缓存失败只记录日志
func (l *Loader[S]) Remember(ctx context.Context, key eventing.JournalKey, value VersionedSummary[S]) {
	c := l.journal.cache
	if c == nil || value.Version.IsZero() {
		return
	}
	if err := c.Put(ctx, l.cacheKey(key), value); err != nil {
		l.logger.Warn(ctx, "write summary cache failed",
			logging.Journal(key), logging.Uint64("version", uint64(value.Version)), logging.Error(err))
	}
}

// Forget 移除缓存项
func (l *Loader[S]) Forget(ctx context.Context, key eventing.JournalKey) {
	c := l.journal.cache
	if c == nil {
		return
	}
	if err := c.Invalidate(ctx, l.cacheKey(key)); err != nil {
		l.logger.Warn(ctx, "invalidate summary cache failed", logging.Journal(key), logging.Error(err))
	}
}

func (l *Loader[S]) cached(ctx context.Context, key eventing.JournalKey) *VersionedSummary[S] {
	c := l.journal.cache
	if c == nil {
		return nil
	}
	v, ok, err := c.Get(ctx, l.cacheKey(key))
	if err != nil {
		l.logger.Warn(ctx, "read summary cache failed, treated as miss", logging.Journal(key), logging.Error(err))
		ok = false
	}
	l.metrics.SummaryCacheLookup(l.journal.SummaryType(), ok)
	if !ok {
		return nil
	}
	return &v
}
