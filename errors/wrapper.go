package errors

import (
	"context"
	"fmt"
	"runtime"

	"epoque/logging"
)

// WrapWithLog 用 wrap 归类 err，并在调用处记录一条警告
//
// 用于存储边界：驱动错误在这里记录一次，向上只传递分类后的错误。
// logger 为 nil 时使用全局 Logger；err 为 nil 时返回 nil。
func WrapWithLog(ctx context.Context, logger logging.Logger, err error, wrap func(cause error) IError, fields ...logging.Field) IError {
	if err == nil {
		return nil
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	_, file, line, _ := runtime.Caller(1)
	wrapped := wrap(err)

	allFields := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(wrapped.Code())),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)),
	}, fields...)
	logger.Warn(ctx, wrapped.Message(), allFields...)

	return wrapped
}
