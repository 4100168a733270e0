package middleware

import (
	"context"
	"time"

	"epoque/logging"
	"epoque/messaging"
	"epoque/messaging/command"
)

type publishCallback struct {
	command.BaseCallback
	publisher messaging.Publisher
	logger    logging.Logger
	now       func() time.Time
}

// NewPublishCallback 提交后把写入的事件交给 publisher
//
// 发布是尽力而为：失败只记录日志，已提交的写入不受影响。
// 链式命令的事件在根命令提交后按链式顺序发布。
func NewPublishCallback(publisher messaging.Publisher, logger logging.Logger) command.CallbackHandler {
	if logger == nil {
		logger = logging.ComponentLogger("command.publish")
	}
	return &publishCallback{publisher: publisher, logger: logger, now: time.Now}
}

func (p *publishCallback) AfterCommit(ctx context.Context, out *command.Output) {
	messages := messaging.FromOutput(out, p.now())
	if len(messages) == 0 {
		return
	}
	if err := p.publisher.Publish(ctx, messages...); err != nil {
		p.logger.Warn(ctx, "publish committed events failed",
			logging.Journal(out.Context.Key),
			logging.Int("events", len(messages)),
			logging.Error(err))
	}
}
