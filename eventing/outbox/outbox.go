// Package outbox 实现 Outbox Pattern，确保已提交事件最终被发布
//
// Callback 在命令事务内把本次写入的事件记入 outbox 表，与事件一同提交或回滚；
// Publisher 在后台拉取未发布记录，经 messaging.Publisher 发出，失败按指数退避重试，
// 超过最大重试次数的记录标记为 dead，不再自动处理。
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"epoque/eventing/store"
	"epoque/messaging"
)

// Status Outbox 记录状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed" // 等待重试
	StatusDead      Status = "dead"   // 超过最大重试次数
)

var (
	ErrNotTransactional = errors.New("outbox: transaction does not belong to a SQL event store")
	ErrRepositoryFailed = errors.New("outbox: repository operation failed")
)

// Entry 一条待发布的消息
type Entry struct {
	ID          int64
	MessageID   string
	EventType   string
	Data        []byte // JSON 序列化的 messaging.Message
	Status      Status
	CreatedAt   time.Time
	PublishedAt *time.Time
	RetryCount  int
	LastError   string
	NextRetryAt time.Time
}

// NewEntry 由消息生成待发布记录
func NewEntry(msg *messaging.Message, now time.Time) (*Entry, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &Entry{
		MessageID:   msg.ID,
		EventType:   msg.Type,
		Data:        data,
		Status:      StatusPending,
		CreatedAt:   now,
		NextRetryAt: now,
	}, nil
}

// Message 还原消息
func (e *Entry) Message() (*messaging.Message, error) {
	var msg messaging.Message
	if err := json.Unmarshal(e.Data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// NextRetryTime 指数退避：base * 2^RetryCount，倍数上限 32
func (e *Entry) NextRetryTime(now time.Time, base time.Duration) time.Time {
	b := &backoff.ExponentialBackOff{
		InitialInterval: base,
		Multiplier:      2,
		MaxInterval:     base * 32,
	}
	var delay time.Duration
	for range max(e.RetryCount, 0) + 1 {
		delay = b.NextBackOff()
	}
	return now.Add(delay)
}

// Repository Outbox 仓储
type Repository interface {
	// SaveInTx 在命令事务内写入记录
	SaveInTx(ctx context.Context, tx store.Tx, entries []*Entry) error

	// Pending 返回到期的 pending/failed 记录，按写入顺序
	Pending(ctx context.Context, now time.Time, limit int) ([]Entry, error)

	MarkPublished(ctx context.Context, id int64, at time.Time) error

	// MarkFailed 记录失败；nextRetryAt 为零值时标记为 dead
	MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error

	// DeletePublished 删除早于 olderThan 发布的记录，返回删除条数
	DeletePublished(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config Outbox 配置
type Config struct {
	PublishInterval time.Duration `json:"publish_interval"`
	BatchSize       int           `json:"batch_size"`
	MaxRetries      int           `json:"max_retries"`
	RetryInterval   time.Duration `json:"retry_interval"`

	// RetentionPeriod 已发布记录的保留时间，<=0 表示不清理
	RetentionPeriod time.Duration `json:"retention_period"`
}

func DefaultConfig() Config {
	return Config{
		PublishInterval: 5 * time.Second,
		BatchSize:       100,
		MaxRetries:      5,
		RetryInterval:   30 * time.Second,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}
