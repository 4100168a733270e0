package projection

import (
	"context"
	"sync"

	"epoque/eventing"
)

type checkpointID struct {
	name string
	key  eventing.JournalKey
}

// MemoryCheckpointStore 内存检查点存储（用于测试）
//
// 不持久化，进程重启后数据丢失。
type MemoryCheckpointStore struct {
	checkpoints map[checkpointID]*Checkpoint
	mutex       sync.RWMutex
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[checkpointID]*Checkpoint),
	}
}

func (s *MemoryCheckpointStore) Load(_ context.Context, projectionName string, key eventing.JournalKey) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	checkpoint, exists := s.checkpoints[checkpointID{projectionName, key}]
	if !exists {
		return nil, ErrCheckpointNotFound
	}
	return checkpoint.Clone(), nil
}

// Save 版本只前进不后退
func (s *MemoryCheckpointStore) Save(_ context.Context, checkpoint *Checkpoint) error {
	if checkpoint == nil || !checkpoint.IsValid() {
		return ErrInvalidCheckpoint
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := checkpointID{checkpoint.ProjectionName, checkpoint.Key}
	if existing, ok := s.checkpoints[id]; ok && existing.Version > checkpoint.Version {
		return nil
	}
	s.checkpoints[id] = checkpoint.Clone()
	return nil
}

func (s *MemoryCheckpointStore) Delete(_ context.Context, projectionName string, key eventing.JournalKey) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.checkpoints, checkpointID{projectionName, key})
	return nil
}

// Clear 清空所有检查点（测试用）
func (s *MemoryCheckpointStore) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.checkpoints = make(map[checkpointID]*Checkpoint)
}

// Count 返回检查点数量（测试用）
func (s *MemoryCheckpointStore) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.checkpoints)
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)
