// Package messaging 已提交事件的对外通知：消息模型、发布与订阅抽象
//
// 消息只在命令提交之后发出，描述已经发生的事实；发布失败不会撤销写入。
package messaging

import (
	"fmt"
	"time"

	"epoque/eventing"
	"epoque/messaging/command"
)

// Message 一条已提交事件的通知
type Message struct {
	// ID 为 group/id/version，同一事件重复发布时保持不变，供下游去重
	ID string `json:"id"`

	Group     eventing.JournalGroupID `json:"group"`
	JournalID eventing.JournalID      `json:"journal_id"`
	Version   eventing.Version        `json:"version"`
	Type      string                  `json:"type"`
	Payload   []byte                  `json:"payload"`

	CommandID   string         `json:"command_id,omitempty"`
	CommandType string         `json:"command_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// MessageID 事件在全局范围内的稳定标识
func MessageID(key eventing.JournalKey, version eventing.Version) string {
	return fmt.Sprintf("%s/%d", key, uint64(version))
}

// Key 消息所属的 journal
func (m *Message) Key() eventing.JournalKey {
	return eventing.NewJournalKey(m.Group, m.JournalID)
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(%s)", m.Type, m.ID)
}

// FromOutput 把命令输出中的事件转换为消息，顺序与版本顺序一致
//
// 命令上下文的元数据与输出元数据合并后附在每条消息上。
func FromOutput(out *command.Output, ts time.Time) []*Message {
	if out == nil || out.Context == nil || len(out.Events) == 0 {
		return nil
	}
	cc := out.Context
	metadata := cc.Metadata.Merge(out.Metadata)

	messages := make([]*Message, 0, len(out.Events))
	for _, ev := range out.Events {
		messages = append(messages, &Message{
			ID:          MessageID(cc.Key, ev.Version),
			Group:       cc.Key.GroupID,
			JournalID:   cc.Key.ID,
			Version:     ev.Version,
			Type:        ev.EventType,
			Payload:     ev.Payload,
			CommandID:   cc.CommandID,
			CommandType: cc.CommandType,
			Metadata:    metadata,
			Timestamp:   ts,
		})
	}
	return messages
}
