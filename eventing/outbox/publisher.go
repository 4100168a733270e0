package outbox

import (
	"context"
	"sync"
	"time"

	"epoque/logging"
	"epoque/messaging"
)

// Publisher 按批拉取到期记录并发布
type Publisher struct {
	repo      Repository
	publisher messaging.Publisher
	cfg       Config
	log       logging.Logger
	now       func() time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

func NewPublisher(repo Repository, publisher messaging.Publisher, cfg Config, logger logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.ComponentLogger("eventing.outbox.publisher")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = DefaultConfig().PublishInterval
	}
	return &Publisher{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		log:       logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start 启动后台循环；重复调用无效
func (p *Publisher) Start(ctx context.Context) {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started {
		return
	}
	p.started = true
	go p.loop(ctx)
}

// Stop 停止后台循环并等待其退出；未启动时直接返回
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.startMu.Lock()
	started := p.started
	p.startMu.Unlock()
	if started {
		<-p.doneCh
	}
}

func (p *Publisher) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer func() { ticker.Stop(); close(p.doneCh) }()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PublishPending(ctx); err != nil {
				p.log.Error(ctx, "outbox publish pending failed", logging.Error(err))
			}
			if p.cfg.RetentionPeriod > 0 {
				if _, err := p.repo.DeletePublished(ctx, p.now().Add(-p.cfg.RetentionPeriod)); err != nil {
					p.log.Error(ctx, "outbox delete published failed", logging.Error(err))
				}
			}
		}
	}
}

// PublishPending 处理一批到期记录，返回成功发布的条数
//
// 单条发布失败只影响该条记录；返回的错误是第一个仓储错误。
func (p *Publisher) PublishPending(ctx context.Context) (int, error) {
	entries, err := p.repo.Pending(ctx, p.now(), p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var (
		published int
		firstErr  error
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for i := range entries {
		e := &entries[i]
		msg, err := e.Message()
		if err != nil {
			// 无法还原的记录重试也无济于事
			p.log.Warn(ctx, "outbox entry is not decodable", logging.Int64("entry", e.ID), logging.Error(err))
			keep(p.repo.MarkFailed(ctx, e.ID, err.Error(), time.Time{}))
			continue
		}
		if err := p.publisher.Publish(ctx, msg); err != nil {
			keep(p.fail(ctx, e, err))
			continue
		}
		if err := p.repo.MarkPublished(ctx, e.ID, p.now()); err != nil {
			// 消息已发出；标记失败会导致重复发布，下游按消息 ID 去重
			p.log.Error(ctx, "outbox mark published failed", logging.Int64("entry", e.ID), logging.Error(err))
			keep(err)
			continue
		}
		published++
	}

	if published > 0 {
		p.log.Debug(ctx, "outbox entries published", logging.Int("published", published), logging.Int("fetched", len(entries)))
	}
	return published, firstErr
}

func (p *Publisher) fail(ctx context.Context, e *Entry, cause error) error {
	next := e.NextRetryTime(p.now(), p.cfg.RetryInterval)
	if p.cfg.MaxRetries > 0 && e.RetryCount+1 >= p.cfg.MaxRetries {
		next = time.Time{}
		p.log.Error(ctx, "outbox entry exhausted retries",
			logging.Int64("entry", e.ID),
			logging.String("message_id", e.MessageID),
			logging.Int("retries", e.RetryCount+1),
			logging.Error(cause))
	} else {
		p.log.Warn(ctx, "outbox publish failed", logging.Int64("entry", e.ID), logging.Error(cause))
	}
	return p.repo.MarkFailed(ctx, e.ID, cause.Error(), next)
}
