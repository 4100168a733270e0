// Package eventing 定义事件日志（journal）的数据模型
//
// 每个聚合对应一条以 JournalKey 标识的事件流，事件按 Version 严格连续递增。
package eventing

import (
	"fmt"
	"strings"
)

// JournalGroupID 聚合类型（一类 journal）的标识
type JournalGroupID string

// JournalID 单个聚合实例在组内的标识
type JournalID string

// JournalKey 唯一标识一条事件流，可作为锁与缓存的键
type JournalKey struct {
	GroupID JournalGroupID
	ID      JournalID
}

// NewJournalKey 创建 JournalKey
func NewJournalKey(group JournalGroupID, id JournalID) JournalKey {
	return JournalKey{GroupID: group, ID: id}
}

func (k JournalKey) String() string {
	return string(k.GroupID) + "/" + string(k.ID)
}

// Validate 组与 ID 均不能为空，且组名不能包含分隔符
func (k JournalKey) Validate() error {
	if err := k.GroupID.Validate(); err != nil {
		return err
	}
	if k.ID == "" {
		return fmt.Errorf("journal id is empty")
	}
	return nil
}

func (g JournalGroupID) Validate() error {
	if g == "" {
		return fmt.Errorf("journal group id is empty")
	}
	if strings.Contains(string(g), "/") {
		return fmt.Errorf("journal group id %q must not contain '/'", g)
	}
	return nil
}

// Version 事件流内的序号；VersionZero 表示尚无事件
type Version uint64

const VersionZero Version = 0

func (v Version) Next() Version         { return v + 1 }
func (v Version) Add(n int) Version     { return v + Version(n) }
func (v Version) IsZero() bool          { return v == VersionZero }
func (v Version) Uint64() uint64        { return uint64(v) }
func (v Version) String() string        { return fmt.Sprintf("%d", uint64(v)) }
func (v Version) Before(o Version) bool { return v < o }
