// Package projection 在命令事务内同步维护读模型
//
// Manager 实现 command.CallbackHandler：BeforeCommit 阶段把本次命令写入的事件交给各投影器，
// 投影失败即回滚整个命令（包括链式命令）。检查点记录每个投影在每个 journal 上的进度，
// Replay 据此补投历史事件。
package projection

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"epoque/errors"
	"epoque/eventing"
	"epoque/eventing/store"
	"epoque/logging"
	"epoque/messaging/command"
)

// Projector 投影器
type Projector interface {
	Name() string

	// SupportedEventTypes 关心的事件类型；返回空表示全部
	SupportedEventTypes() []string

	// Project 在命令事务内处理一批事件；tx 与事件写入是同一个事务
	Project(ctx context.Context, tx store.Tx, batch Batch) error
}

// Batch 同一个 journal 上连续版本的一批事件
type Batch struct {
	Key         eventing.JournalKey
	Events      []eventing.VersionedEvent
	CommandID   string
	CommandType string
	Metadata    command.Metadata
}

// LastVersion 批内最后一个事件的版本
func (b Batch) LastVersion() eventing.Version {
	if len(b.Events) == 0 {
		return eventing.VersionZero
	}
	return b.Events[len(b.Events)-1].Version
}

// ProjectorFunc 以函数构造投影器
type ProjectorFunc struct {
	ProjectorName string
	EventTypes    []string
	Fn            func(ctx context.Context, tx store.Tx, batch Batch) error
}

func (p ProjectorFunc) Name() string                  { return p.ProjectorName }
func (p ProjectorFunc) SupportedEventTypes() []string { return p.EventTypes }
func (p ProjectorFunc) Project(ctx context.Context, tx store.Tx, batch Batch) error {
	return p.Fn(ctx, tx, batch)
}

// Status 投影状态
type Status struct {
	Name            string           `json:"name"`
	LastJournal     string           `json:"last_journal,omitempty"`
	LastVersion     eventing.Version `json:"last_version"`
	ProcessedEvents int64            `json:"processed_events"`
	FailedBatches   int64            `json:"failed_batches"`
	LastError       string           `json:"last_error,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Option 配置 Manager
type Option func(*Manager)

// WithCheckpointStore 启用检查点；实现 TxCheckpointStore 的存储随命令事务提交
func WithCheckpointStore(cs CheckpointStore) Option {
	return func(m *Manager) { m.checkpoints = cs }
}

func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager 投影管理器
type Manager struct {
	command.BaseCallback

	checkpoints CheckpointStore
	logger      logging.Logger

	mutex      sync.RWMutex
	projectors []Projector
	statuses   map[string]*Status
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:   logging.ComponentLogger("projection"),
		statuses: make(map[string]*Status),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register 注册投影器；名称重复返回 DUPLICATE_REGISTRATION
func (m *Manager) Register(p Projector) error {
	if p == nil || p.Name() == "" {
		return errors.InvalidConfiguration("projector must have a name")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	name := p.Name()
	if _, exists := m.statuses[name]; exists {
		return errors.DuplicateRegistration(name)
	}
	m.projectors = append(m.projectors, p)
	m.statuses[name] = &Status{Name: name, UpdatedAt: time.Now()}

	m.logger.Info(context.Background(), "projector registered", logging.String("projector", name))
	return nil
}

// Names 按注册顺序返回投影器名称
func (m *Manager) Names() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.projectors))
	for _, p := range m.projectors {
		names = append(names, p.Name())
	}
	return names
}

// Status 返回投影状态的副本
func (m *Manager) Status(name string) (Status, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	st, ok := m.statuses[name]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

func (m *Manager) snapshot() []Projector {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return slices.Clone(m.projectors)
}

func (m *Manager) find(name string) (Projector, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, p := range m.projectors {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// BeforeCommit 依次执行投影器；第一个失败即返回 PROJECTION_FAILURE
func (m *Manager) BeforeCommit(ctx context.Context, out *command.Output, tx store.Tx) error {
	if out == nil || out.Context == nil || len(out.Events) == 0 {
		return nil
	}
	batch := batchFromOutput(out)

	txStore, inTx := m.checkpoints.(TxCheckpointStore)
	for _, p := range m.snapshot() {
		filtered := filterBatch(batch, p.SupportedEventTypes())
		if len(filtered.Events) == 0 {
			continue
		}
		if err := p.Project(ctx, tx, filtered); err != nil {
			m.recordFailure(p.Name(), err)
			return errors.ProjectionFailure(p.Name(), err)
		}
		if inTx {
			cp := checkpointFor(p.Name(), filtered)
			if err := txStore.SaveInTx(ctx, tx, cp); err != nil {
				m.recordFailure(p.Name(), err)
				return errors.ProjectionFailure(p.Name(), fmt.Errorf("save checkpoint: %w", err))
			}
		}
	}
	return nil
}

// AfterCommit 更新投影状态；非事务检查点存储在此保存
func (m *Manager) AfterCommit(ctx context.Context, out *command.Output) {
	if out == nil || out.Context == nil || len(out.Events) == 0 {
		return
	}
	batch := batchFromOutput(out)

	_, inTx := m.checkpoints.(TxCheckpointStore)
	for _, p := range m.snapshot() {
		filtered := filterBatch(batch, p.SupportedEventTypes())
		if len(filtered.Events) == 0 {
			continue
		}
		m.recordSuccess(p.Name(), filtered)
		if m.checkpoints == nil || inTx {
			continue
		}
		if err := m.checkpoints.Save(ctx, checkpointFor(p.Name(), filtered)); err != nil {
			m.logger.Warn(ctx, "save checkpoint failed",
				logging.String("projector", p.Name()),
				logging.Journal(filtered.Key),
				logging.Error(err))
		}
	}
}

// Replay 把 key 上检查点之后的事件补投给指定投影器，返回处理的事件数
//
// 在 JOURNAL_LOCK 事务内执行，与该 journal 上的命令互斥。没有检查点时从头开始。
func (m *Manager) Replay(ctx context.Context, es store.EventStore, name string, key eventing.JournalKey) (int, error) {
	p, ok := m.find(name)
	if !ok {
		return 0, errors.InvalidConfiguration("projector %q is not registered", name)
	}
	if m.checkpoints == nil {
		return 0, errors.InvalidConfiguration("replay requires a checkpoint store")
	}

	var batch Batch
	err := es.StartTransactionAndLock(ctx, key, eventing.LockOptionJournal, func(ctx context.Context, tx store.Tx) error {
		since := eventing.VersionZero
		cp, err := m.checkpoints.Load(ctx, name, key)
		switch {
		case err == nil:
			since = cp.Version
		case err != ErrCheckpointNotFound:
			return errors.ProjectionFailure(name, err)
		}

		batch = Batch{Key: key}
		for e, err := range tx.QueryByID(ctx, key, since) {
			if err != nil {
				return err
			}
			batch.Events = append(batch.Events, e)
		}
		if len(batch.Events) == 0 {
			return nil
		}
		last := batch.Events[len(batch.Events)-1]

		filtered := filterBatch(batch, p.SupportedEventTypes())
		if len(filtered.Events) > 0 {
			if err := p.Project(ctx, tx, filtered); err != nil {
				m.recordFailure(name, err)
				return errors.ProjectionFailure(name, err)
			}
		}
		batch = filtered

		// 检查点推进到 journal 末尾，被过滤的事件不再重复扫描
		next := NewCheckpoint(name, key, last.Version, last.EventType)
		if txStore, ok := m.checkpoints.(TxCheckpointStore); ok {
			if err := txStore.SaveInTx(ctx, tx, next); err != nil {
				return errors.ProjectionFailure(name, fmt.Errorf("save checkpoint: %w", err))
			}
			return nil
		}
		return m.checkpoints.Save(ctx, next)
	})
	if err != nil {
		return 0, err
	}

	if len(batch.Events) > 0 {
		m.recordSuccess(name, batch)
	}
	m.logger.Debug(ctx, "projection replayed",
		logging.String("projector", name),
		logging.Journal(key),
		logging.Int("events", len(batch.Events)))
	return len(batch.Events), nil
}

func (m *Manager) recordSuccess(name string, batch Batch) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	st, ok := m.statuses[name]
	if !ok {
		return
	}
	st.LastJournal = batch.Key.String()
	st.LastVersion = batch.LastVersion()
	st.ProcessedEvents += int64(len(batch.Events))
	st.UpdatedAt = time.Now()
}

func (m *Manager) recordFailure(name string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	st, ok := m.statuses[name]
	if !ok {
		return
	}
	st.FailedBatches++
	st.LastError = err.Error()
	st.UpdatedAt = time.Now()
}

func batchFromOutput(out *command.Output) Batch {
	cc := out.Context
	return Batch{
		Key:         cc.Key,
		Events:      out.Events,
		CommandID:   cc.CommandID,
		CommandType: cc.CommandType,
		Metadata:    cc.Metadata.Merge(out.Metadata),
	}
}

func filterBatch(batch Batch, types []string) Batch {
	if len(types) == 0 {
		return batch
	}
	filtered := batch
	filtered.Events = nil
	for _, e := range batch.Events {
		if slices.Contains(types, e.EventType) {
			filtered.Events = append(filtered.Events, e)
		}
	}
	return filtered
}

func checkpointFor(name string, batch Batch) *Checkpoint {
	last := batch.Events[len(batch.Events)-1]
	return NewCheckpoint(name, batch.Key, last.Version, last.EventType)
}

var _ command.CallbackHandler = (*Manager)(nil)
