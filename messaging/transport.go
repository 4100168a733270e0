package messaging

import (
	"context"
)

// AllEvents 订阅全部事件类型
const AllEvents = "*"

// Handler 处理收到的消息
type Handler func(ctx context.Context, message *Message) error

// Publisher 发布已提交事件
type Publisher interface {
	// Publish 按顺序发布；返回第一个失败
	Publish(ctx context.Context, messages ...*Message) error
	Close() error
}

// Subscriber 订阅事件，eventType 为 AllEvents 时接收全部
type Subscriber interface {
	Subscribe(eventType string, handler Handler) error
}

// Transport 同时支持发布与订阅的传输
type Transport interface {
	Publisher
	Subscriber
}

// TransportStats 传输层统计信息
type TransportStats struct {
	Running      bool     `json:"running"`
	HandlerCount int      `json:"handler_count"`
	MessageTypes []string `json:"message_types"`
}
