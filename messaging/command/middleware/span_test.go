package middleware_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	apperrors "epoque/errors"
	"epoque/eventing/store"
	"epoque/messaging/command"
	"epoque/messaging/command/middleware"
)

func newTracer(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr, tp
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestSpanCallback_CommitAndChain(t *testing.T) {
	sr, tp := newTracer(t)
	router := newRouter(t, store.NewMemoryEventStore(), middleware.NewSpanCallback(tp.Tracer("test")))

	out, err := router.Execute(context.Background(), "alice", OpenAccount{Owner: "alice"})
	require.NoError(t, err)

	ended := sr.Ended()
	require.Len(t, ended, 2)
	root, chained := ended[0], ended[1]

	assert.Equal(t, "command OpenAccount", root.Name())
	assert.Equal(t, "command RecordAudit", chained.Name())
	assert.Equal(t, root.SpanContext().SpanID(), chained.Parent().SpanID(), "链式命令挂在父命令下")
	assert.Equal(t, root.SpanContext().TraceID(), chained.SpanContext().TraceID())
	assert.Equal(t, codes.Ok, root.Status().Code)

	ra := attrs(root)
	assert.Equal(t, out.Context.CommandID, ra[middleware.AttrCommandID].AsString())
	assert.Equal(t, "account/alice", ra[middleware.AttrJournal].AsString())
	assert.Equal(t, int64(0), ra[middleware.AttrChainDepth].AsInt64())
	assert.Equal(t, int64(1), ra[middleware.AttrEvents].AsInt64())
	assert.Equal(t, int64(1), ra[middleware.AttrVersion].AsInt64())

	ca := attrs(chained)
	assert.Equal(t, int64(1), ca[middleware.AttrChainDepth].AsInt64())
	assert.Equal(t, "audit/alice", ca[middleware.AttrJournal].AsString())
}

func TestSpanCallback_RecordsFailure(t *testing.T) {
	sr, tp := newTracer(t)
	router := newRouter(t, store.NewMemoryEventStore(), middleware.NewSpanCallback(tp.Tracer("test")))
	ctx := context.Background()

	_, err := router.Execute(ctx, "alice", OpenAccount{Owner: "alice"})
	require.NoError(t, err)
	_, err = router.Execute(ctx, "alice", OpenAccount{Owner: "alice"})
	require.Error(t, err)

	ended := sr.Ended()
	require.Len(t, ended, 3)
	failed := ended[2]
	assert.Equal(t, "command OpenAccount", failed.Name())
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, string(apperrors.GetErrorCode(err)), attrs(failed)[middleware.AttrErrorCode].AsString())
	require.NotEmpty(t, failed.Events())
	assert.Equal(t, "exception", failed.Events()[0].Name)
}

func TestSpanCallback_NoSpanWithoutTransaction(t *testing.T) {
	sr, tp := newTracer(t)
	router := newRouter(t, store.NewMemoryEventStore(), command.Callbacks(
		middleware.NewValidationCallback(nil),
		middleware.NewSpanCallback(tp.Tracer("test")),
	))

	_, err := router.Execute(context.Background(), "alice", OpenAccount{})
	require.Error(t, err)
	assert.Empty(t, sr.Ended(), "校验失败的命令未开始事务")
	assert.Empty(t, sr.Started())
}
