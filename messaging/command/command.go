// Package command 实现命令执行管线：解码、加锁、加载摘要、调用处理器、写入事件与生命周期回调
package command

import (
	"fmt"
	"time"

	"epoque/eventing"
)

// Command 命令需实现的最小接口；CommandType 返回稳定的类型标签
type Command interface {
	CommandType() string
}

// Metadata 命令与输出携带的附加信息，同名键后写覆盖
type Metadata map[string]any

// Merge 把 other 合并进副本并返回
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// ExecutionOptions 单次执行的选项；零值字段表示沿用 journal 或环境的默认值
type ExecutionOptions struct {
	Timeout time.Duration
	Lock    eventing.LockOption
}

// Input 路由器的输入：目标聚合 ID、命令类型与序列化后的命令
type Input struct {
	ID       eventing.JournalID
	Type     string
	Payload  []byte
	Metadata Metadata
	Options  *ExecutionOptions
}

// Context 一次命令执行的上下文
//
// 构建后只有 BeforeBegin 回调可以补充 Metadata，其余字段不再修改。
type Context struct {
	CommandID   string
	Key         eventing.JournalKey
	CommandType string
	Command     Command
	ReceivedAt  time.Time
	Deadline    time.Time
	Options     ExecutionOptions
	Metadata    Metadata

	// Parent 链式命令的发起者；根命令为 nil
	Parent *Context
}

// Root 沿 Parent 找到根命令
func (c *Context) Root() *Context {
	root := c
	for root.Parent != nil {
		root = root.Parent
	}
	return root
}

// Depth 链式深度，根命令为 0
func (c *Context) Depth() int {
	d := 0
	for p := c.Parent; p != nil; p = p.Parent {
		d++
	}
	return d
}

func (c *Context) String() string {
	return fmt.Sprintf("%s(%s)#%s", c.CommandType, c.Key, c.CommandID)
}

// Output 成功执行的结果
type Output struct {
	Events   []eventing.VersionedEvent
	Metadata Metadata
	Context  *Context
}

// Version 写入后的 journal 版本；未写入事件时为 0
func (o *Output) Version() eventing.Version {
	if o == nil || len(o.Events) == 0 {
		return eventing.VersionZero
	}
	return o.Events[len(o.Events)-1].Version
}
