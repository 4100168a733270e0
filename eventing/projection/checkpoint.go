package projection

import (
	"context"
	"errors"
	"time"

	"epoque/eventing"
	"epoque/eventing/store"
)

// Checkpoint 投影检查点
//
// 记录某个投影在某个 journal 上已处理到的版本，Replay 从这里继续。
type Checkpoint struct {
	ProjectionName string              `json:"projection_name"`
	Key            eventing.JournalKey `json:"key"`
	Version        eventing.Version    `json:"version"`
	LastEventType  string              `json:"last_event_type"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// NewCheckpoint 创建检查点
func NewCheckpoint(projectionName string, key eventing.JournalKey, version eventing.Version, lastEventType string) *Checkpoint {
	return &Checkpoint{
		ProjectionName: projectionName,
		Key:            key,
		Version:        version,
		LastEventType:  lastEventType,
		UpdatedAt:      time.Now(),
	}
}

// IsValid 名称与 key 均不可为空
func (c *Checkpoint) IsValid() bool {
	return c.ProjectionName != "" && c.Key.Validate() == nil
}

// Clone 克隆检查点
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// CheckpointStore 检查点存储
type CheckpointStore interface {
	// Load 不存在时返回 ErrCheckpointNotFound
	Load(ctx context.Context, projectionName string, key eventing.JournalKey) (*Checkpoint, error)

	// Save 幂等保存（覆盖同一投影、同一 journal 的旧值）
	Save(ctx context.Context, checkpoint *Checkpoint) error

	Delete(ctx context.Context, projectionName string, key eventing.JournalKey) error
}

// TxCheckpointStore 能把检查点写进命令事务的存储
//
// Manager 在 BeforeCommit 调用 SaveInTx，检查点与事件一起提交或回滚；
// 只实现 CheckpointStore 的存储在 AfterCommit 才保存。
type TxCheckpointStore interface {
	CheckpointStore

	SaveInTx(ctx context.Context, tx store.Tx, checkpoint *Checkpoint) error
}

var (
	ErrCheckpointNotFound    = errors.New("checkpoint not found")
	ErrInvalidCheckpoint     = errors.New("invalid checkpoint")
	ErrCheckpointStoreFailed = errors.New("checkpoint store operation failed")
	ErrNotTransactional      = errors.New("transaction does not carry a database handle")
)
