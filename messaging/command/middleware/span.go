package middleware

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"epoque/errors"
	"epoque/eventing/store"
	"epoque/messaging/command"
)

// TracerName 默认 tracer 的 instrumentation 名称
const TracerName = "epoque/messaging/command"

// span 属性键
const (
	AttrCommandType = attribute.Key("epoque.command.type")
	AttrCommandID   = attribute.Key("epoque.command.id")
	AttrJournal     = attribute.Key("epoque.journal")
	AttrChainDepth  = attribute.Key("epoque.chain.depth")
	AttrEvents      = attribute.Key("epoque.events")
	AttrVersion     = attribute.Key("epoque.version")
	AttrErrorCode   = attribute.Key("epoque.error.code")
)

type spanCallback struct {
	command.BaseCallback
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[*command.Context]trace.Span
}

// NewSpanCallback 为每条命令记录一个 OpenTelemetry span
//
// span 在 AfterBegin 开始、AfterCommit 或 AfterRollback 结束，覆盖事务内的执行过程。
// 链式命令的 span 挂在父命令的 span 下；根命令的父 span 取自调用方的 context。
// tracer 为 nil 时使用全局 TracerProvider。
func NewSpanCallback(tracer trace.Tracer) command.CallbackHandler {
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	return &spanCallback{tracer: tracer, spans: make(map[*command.Context]trace.Span)}
}

func (s *spanCallback) AfterBegin(ctx context.Context, cc *command.Context, _ store.Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cc.Parent != nil {
		if parent, ok := s.spans[cc.Parent]; ok {
			ctx = trace.ContextWithSpan(ctx, parent)
		}
	}
	_, span := s.tracer.Start(ctx, "command "+cc.CommandType,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(cc.ReceivedAt),
		trace.WithAttributes(
			AttrCommandType.String(cc.CommandType),
			AttrCommandID.String(cc.CommandID),
			AttrJournal.String(cc.Key.String()),
			AttrChainDepth.Int(cc.Depth()),
		))
	s.spans[cc] = span
	return nil
}

func (s *spanCallback) AfterCommit(_ context.Context, out *command.Output) {
	span := s.take(out.Context)
	if span == nil {
		return
	}
	span.SetAttributes(
		AttrEvents.Int(len(out.Events)),
		AttrVersion.Int64(int64(out.Version())),
	)
	span.SetStatus(codes.Ok, "")
	span.End()
}

func (s *spanCallback) AfterRollback(_ context.Context, cc *command.Context, err error) {
	span := s.take(cc)
	if span == nil {
		return
	}
	if err != nil {
		span.SetAttributes(AttrErrorCode.String(string(errors.GetErrorCode(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// take 取出并移除 cc 对应的 span；事务未开始就失败的命令没有 span
func (s *spanCallback) take(cc *command.Context) trace.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	span, ok := s.spans[cc]
	if !ok {
		return nil
	}
	delete(s.spans, cc)
	return span
}
