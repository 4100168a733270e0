package errors

import (
	"context"
	stdErrors "errors"
)

// Normalize 将任意错误规范化为 IError。
//
// 说明：
//   - 已经是 IError 的错误原样返回；
//   - context.DeadlineExceeded 归为 TIMEOUT，context.Canceled 同样按超时处理（命令被取消即预算耗尽）；
//   - 其余未识别错误统一包装为 UNEXPECTED_ERROR，并保留原始错误作为 cause。
func Normalize(err error) IError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr
	}

	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, context.Canceled) {
		return Timeout(err)
	}

	return Unexpected(err)
}

// OrElse 规范化错误；若原错误未被分类，则使用 fallback 构造的错误码包装
func OrElse(err error, fallback func(error) IError) IError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr
	}
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, context.Canceled) {
		return Timeout(err)
	}
	return fallback(err)
}
