// Package errors 定义命令执行引擎对外暴露的错误体系
//
// 所有穿过 Router.Process 边界的错误都是 IError，携带错误码、可读消息与可选的原因链。
package errors

import (
	stdErrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误代码类型
type ErrorCode string

const (
	// 注册表
	ErrCodeCommandNotSupported   ErrorCode = "COMMAND_NOT_SUPPORTED"
	ErrCodeEventNotSupported     ErrorCode = "EVENT_NOT_SUPPORTED"
	ErrCodeDuplicateRegistration ErrorCode = "DUPLICATE_REGISTRATION"
	ErrCodeInvalidConfiguration  ErrorCode = "INVALID_CONFIGURATION"

	// 编解码
	ErrCodeCommandDecodingFailure ErrorCode = "COMMAND_DECODING_FAILURE"
	ErrCodeCommandEncodingFailure ErrorCode = "COMMAND_ENCODING_FAILURE"
	ErrCodeEventEncodingFailure   ErrorCode = "EVENT_ENCODING_FAILURE"
	ErrCodeEventDecodingFailure   ErrorCode = "EVENT_DECODING_FAILURE"

	// 业务处理
	ErrCodeCommandRejected           ErrorCode = "COMMAND_REJECTED"
	ErrCodeCommandHandlerFailure     ErrorCode = "COMMAND_HANDLER_FAILURE"
	ErrCodeEventHandlerFailure       ErrorCode = "EVENT_HANDLER_FAILURE"
	ErrCodeSummaryAggregationFailure ErrorCode = "SUMMARY_AGGREGATION_FAILURE"

	// 存储
	ErrCodeEventWriteConflict ErrorCode = "EVENT_WRITE_CONFLICT"
	ErrCodeEventWriteFailure  ErrorCode = "EVENT_WRITE_FAILURE"
	ErrCodeEventReadFailure   ErrorCode = "EVENT_READ_FAILURE"

	// 生命周期阶段
	ErrCodeCommandPreparationFailure ErrorCode = "COMMAND_PREPARATION_FAILURE"
	ErrCodeProjectionFailure         ErrorCode = "PROJECTION_FAILURE"
	ErrCodeNotificationFailure       ErrorCode = "NOTIFICATION_FAILURE"
	ErrCodeCommandChainFailure       ErrorCode = "COMMAND_CHAIN_FAILURE"

	ErrCodeTimeout    ErrorCode = "TIMEOUT"
	ErrCodeUnexpected ErrorCode = "UNEXPECTED_ERROR"
)

// IError 错误接口
type IError interface {
	error

	// 获取错误代码
	Code() ErrorCode

	// 获取错误消息
	Message() string

	// 获取原始错误
	Cause() error

	// 获取错误详情
	Details() map[string]any

	// 获取堆栈信息
	Stack() string

	// 添加详情
	WithDetails(details map[string]any) IError

	// 添加上下文
	WithContext(key string, value any) IError
}

// AppError 引擎错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
	stack   string
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return &AppError{
		code:    code,
		message: message,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// NewErrorf 以格式化消息创建错误
func NewErrorf(code ErrorCode, format string, args ...any) IError {
	return &AppError{
		code:    code,
		message: fmt.Sprintf(format, args...),
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// WrapError 包装错误；err 为 nil 时返回 nil
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}
	return &AppError{
		code:    code,
		message: message,
		cause:   err,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *AppError) Code() ErrorCode { return e.code }
func (e *AppError) Message() string { return e.message }
func (e *AppError) Cause() error    { return e.cause }
func (e *AppError) Stack() string   { return e.stack }

// Details 获取错误详情
func (e *AppError) Details() map[string]any {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	return e.details
}

// Is 按错误码匹配；其他目标交给原因链
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}
	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}
	if e.cause != nil {
		return stdErrors.Is(e.cause, target)
	}
	return false
}

// Unwrap 解包错误（支持 errors.Unwrap）
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithDetails 添加详情
func (e *AppError) WithDetails(details map[string]any) IError {
	newDetails := copyMap(e.details)
	for k, v := range details {
		newDetails[k] = v
	}
	return &AppError{code: e.code, message: e.message, cause: e.cause, details: newDetails, stack: e.stack}
}

// WithContext 添加上下文
func (e *AppError) WithContext(key string, value any) IError {
	newDetails := copyMap(e.details)
	newDetails[key] = value
	return &AppError{code: e.code, message: e.message, cause: e.cause, details: newDetails, stack: e.stack}
}

// 哨兵错误，仅用于 errors.Is 比较
var (
	ErrCommandNotSupported       = NewError(ErrCodeCommandNotSupported, "command not supported")
	ErrEventNotSupported         = NewError(ErrCodeEventNotSupported, "event not supported")
	ErrCommandRejected           = NewError(ErrCodeCommandRejected, "command rejected")
	ErrEventWriteConflict        = NewError(ErrCodeEventWriteConflict, "event write conflict")
	ErrSummaryAggregationFailure = NewError(ErrCodeSummaryAggregationFailure, "summary aggregation failure")
	ErrTimeout                   = NewError(ErrCodeTimeout, "timeout")
)

// IsErrorCode 检查是否为指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code == code
	}
	return false
}

// GetErrorCode 获取错误代码；非 AppError 视为 UNEXPECTED_ERROR
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}
	return ErrCodeUnexpected
}

// IsConflict 是否为写冲突（调用方可选择重试）
func IsConflict(err error) bool { return IsErrorCode(err, ErrCodeEventWriteConflict) }

// IsTimeout 是否为超时
func IsTimeout(err error) bool { return IsErrorCode(err, ErrCodeTimeout) }

// IsRejected 是否为业务拒绝
func IsRejected(err error) bool { return IsErrorCode(err, ErrCodeCommandRejected) }

// captureStack 捕获堆栈信息
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var builder strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		if !more {
			break
		}
	}
	return builder.String()
}

func copyMap(original map[string]any) map[string]any {
	copied := make(map[string]any, len(original))
	for k, v := range original {
		copied[k] = v
	}
	return copied
}
