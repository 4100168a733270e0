package middleware

import (
	"context"

	"epoque/messaging/command"
)

// 元数据键
const (
	MetadataCorrelationID = "correlation_id"
	MetadataCausationID   = "causation_id"
	MetadataTenantID      = "tenant_id"
)

type traceKey int

const (
	correlationKey traceKey = iota
	causationKey
	tenantKey
)

// WithCorrelationID 在 context 中携带关联 ID
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// WithCausationID 在 context 中携带因果 ID
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationKey, id)
}

// WithTenantID 在 context 中携带租户 ID
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantKey, id)
}

func fromContext(ctx context.Context, key traceKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// tracingCallback 把追踪信息写入命令元数据
type tracingCallback struct {
	command.BaseCallback
}

// NewTracingCallback 在 BeforeBegin 阶段补齐命令元数据中的追踪 ID
//
// 流转规则：
//  1. Correlation ID：调用方已设置的保持不变；否则取 context 中的值；都没有时使用根命令的 ID
//  2. Causation ID：链式命令为父命令的 ID；根命令取 context 中的值，没有时为自身 ID
//  3. Tenant ID：context 中存在且元数据未设置时写入；链式命令继承父命令的租户
func NewTracingCallback() command.CallbackHandler {
	return tracingCallback{}
}

func (tracingCallback) BeforeBegin(ctx context.Context, cc *command.Context) error {
	if cc.Metadata == nil {
		cc.Metadata = command.Metadata{}
	}
	md := cc.Metadata

	if _, ok := md[MetadataCorrelationID]; !ok {
		switch {
		case cc.Parent != nil && cc.Root().Metadata[MetadataCorrelationID] != nil:
			md[MetadataCorrelationID] = cc.Root().Metadata[MetadataCorrelationID]
		case fromContext(ctx, correlationKey) != "":
			md[MetadataCorrelationID] = fromContext(ctx, correlationKey)
		default:
			md[MetadataCorrelationID] = cc.Root().CommandID
		}
	}

	if _, ok := md[MetadataCausationID]; !ok {
		switch {
		case cc.Parent != nil:
			md[MetadataCausationID] = cc.Parent.CommandID
		case fromContext(ctx, causationKey) != "":
			md[MetadataCausationID] = fromContext(ctx, causationKey)
		default:
			md[MetadataCausationID] = cc.CommandID
		}
	}

	if _, ok := md[MetadataTenantID]; !ok {
		if cc.Parent != nil && cc.Parent.Metadata[MetadataTenantID] != nil {
			md[MetadataTenantID] = cc.Parent.Metadata[MetadataTenantID]
		} else if tenant := fromContext(ctx, tenantKey); tenant != "" {
			md[MetadataTenantID] = tenant
		}
	}
	return nil
}
