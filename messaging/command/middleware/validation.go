package middleware

import (
	"context"

	"epoque/errors"
	"epoque/messaging/command"
)

// Validator 验证器接口（接口隔离）
//
// 第三方验证库的适配器只需实现 Struct。
type Validator interface {
	Struct(s any) error
}

// ValidatorFunc 函数适配器
type ValidatorFunc func(s any) error

func (f ValidatorFunc) Struct(s any) error { return f(s) }

// SelfValidating 命令自身实现的校验
type SelfValidating interface {
	Validate() error
}

type validationCallback struct {
	command.BaseCallback
	validator Validator
}

// NewValidationCallback 在事务开始前校验解码后的命令
//
// 命令实现 SelfValidating 时先调用其 Validate，再交给 validator（可为 nil）。
// 校验失败以 COMMAND_REJECTED 返回，消息为校验错误本身。
func NewValidationCallback(validator Validator) command.CallbackHandler {
	return &validationCallback{validator: validator}
}

func (c *validationCallback) BeforeBegin(_ context.Context, cc *command.Context) error {
	if cc.Command == nil {
		return nil
	}
	if sv, ok := cc.Command.(SelfValidating); ok {
		if err := sv.Validate(); err != nil {
			return rejected(cc, err)
		}
	}
	if c.validator != nil {
		if err := c.validator.Struct(cc.Command); err != nil {
			return rejected(cc, err)
		}
	}
	return nil
}

func rejected(cc *command.Context, err error) error {
	return errors.CommandRejected(err.Error(), err).
		WithContext("command_type", cc.CommandType)
}
