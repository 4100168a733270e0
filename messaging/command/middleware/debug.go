package middleware

import (
	"context"
	"time"

	"epoque/eventing/store"
	"epoque/logging"
	"epoque/messaging/command"
)

type debugCallback struct {
	logger logging.Logger
	now    func() time.Time
}

// NewDebugCallback 以 Debug 级别记录每个生命周期阶段；logger 为 nil 时使用组件日志
func NewDebugCallback(logger logging.Logger) command.CallbackHandler {
	if logger == nil {
		logger = logging.ComponentLogger("command.debug")
	}
	return &debugCallback{logger: logger, now: time.Now}
}

func (d *debugCallback) fields(cc *command.Context, extra ...logging.Field) []logging.Field {
	fields := []logging.Field{
		logging.CommandType(cc.CommandType),
		logging.Journal(cc.Key),
		logging.String("command_id", cc.CommandID),
		logging.Int("depth", cc.Depth()),
		logging.Duration("elapsed", d.now().Sub(cc.ReceivedAt)),
	}
	return append(fields, extra...)
}

func (d *debugCallback) BeforeBegin(ctx context.Context, cc *command.Context) error {
	d.logger.Debug(ctx, "command received", d.fields(cc,
		logging.String("lock", cc.Options.Lock.String()),
		logging.Duration("timeout", cc.Options.Timeout))...)
	return nil
}

func (d *debugCallback) AfterBegin(ctx context.Context, cc *command.Context, _ store.Tx) error {
	d.logger.Debug(ctx, "transaction started", d.fields(cc)...)
	return nil
}

func (d *debugCallback) BeforeCommit(ctx context.Context, out *command.Output, _ store.Tx) error {
	d.logger.Debug(ctx, "events written", d.fields(out.Context,
		logging.Int("events", len(out.Events)),
		logging.Uint64("version", out.Version().Uint64()))...)
	return nil
}

func (d *debugCallback) AfterCommit(ctx context.Context, out *command.Output) {
	d.logger.Debug(ctx, "command committed", d.fields(out.Context,
		logging.Uint64("version", out.Version().Uint64()))...)
}

func (d *debugCallback) AfterRollback(ctx context.Context, cc *command.Context, err error) {
	d.logger.Debug(ctx, "command rolled back", d.fields(cc, logging.Error(err))...)
}
