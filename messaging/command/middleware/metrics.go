package middleware

import (
	"context"
	"time"

	"epoque/errors"
	"epoque/eventing/monitoring"
	"epoque/messaging/command"
)

type metricsCallback struct {
	command.BaseCallback
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewMetricsCallback 记录命令结果、耗时、写入事件数与写冲突
//
// 链式命令同样计数；耗时从命令被接收时算起。
func NewMetricsCallback(metrics *monitoring.Metrics) command.CallbackHandler {
	return &metricsCallback{metrics: metrics, now: time.Now}
}

func (m *metricsCallback) AfterCommit(_ context.Context, out *command.Output) {
	cc := out.Context
	m.metrics.CommandProcessed(cc.CommandType, nil, m.now().Sub(cc.ReceivedAt))
	m.metrics.EventsWritten(string(cc.Key.GroupID), len(out.Events))
}

func (m *metricsCallback) AfterRollback(_ context.Context, cc *command.Context, err error) {
	m.metrics.CommandProcessed(cc.CommandType, err, m.now().Sub(cc.ReceivedAt))
	if errors.IsConflict(err) {
		m.metrics.WriteConflict(string(cc.Key.GroupID))
	}
}
