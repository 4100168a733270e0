package outbox

import (
	"context"
	"fmt"
	"time"

	"epoque/errors"
	"epoque/eventing/store"
	"epoque/logging"
	"epoque/messaging"
	"epoque/messaging/command"
)

type callback struct {
	command.BaseCallback
	repo   Repository
	now    func() time.Time
	logger logging.Logger
}

// NewCallback 在 BeforeCommit 阶段把命令写入的事件记入 outbox
//
// 写入失败以 EVENT_WRITE_FAILURE 回滚整个命令。链式命令各自在自己的回调中记录，共用同一事务。
func NewCallback(repo Repository) command.CallbackHandler {
	return &callback{repo: repo, now: time.Now, logger: logging.ComponentLogger("eventing.outbox.callback")}
}

func (c *callback) BeforeCommit(ctx context.Context, out *command.Output, tx store.Tx) error {
	now := c.now()
	messages := messaging.FromOutput(out, now)
	if len(messages) == 0 {
		return nil
	}

	entries := make([]*Entry, 0, len(messages))
	for _, msg := range messages {
		e, err := NewEntry(msg, now)
		if err != nil {
			return errors.EventEncodingFailure(msg.Type, err)
		}
		entries = append(entries, e)
	}
	if err := c.repo.SaveInTx(ctx, tx, entries); err != nil {
		key := out.Context.Key
		return errors.WrapWithLog(ctx, c.logger, fmt.Errorf("outbox: %w", err), func(cause error) errors.IError {
			return errors.EventWriteFailure(key.String(), cause)
		}, logging.Journal(key), logging.Int("entries", len(entries)))
	}
	return nil
}

var _ command.CallbackHandler = (*callback)(nil)
