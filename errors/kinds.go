package errors

import "fmt"

// 以下构造函数与错误分类一一对应，统一在 details 中记录诊断字段。

func CommandNotSupported(commandType string) IError {
	return NewErrorf(ErrCodeCommandNotSupported, "command type %q is not supported", commandType).
		WithContext("command_type", commandType)
}

func EventNotSupported(eventType string) IError {
	return NewErrorf(ErrCodeEventNotSupported, "event type %q is not supported", eventType).
		WithContext("event_type", eventType)
}

func DuplicateRegistration(typeTag string) IError {
	return NewErrorf(ErrCodeDuplicateRegistration, "type %q is already registered", typeTag).
		WithContext("type", typeTag)
}

func InvalidConfiguration(format string, args ...any) IError {
	return NewErrorf(ErrCodeInvalidConfiguration, format, args...)
}

func CommandDecodingFailure(commandType string, cause error) IError {
	return WrapError(cause, ErrCodeCommandDecodingFailure, fmt.Sprintf("decode command %q failed", commandType)).
		WithContext("command_type", commandType)
}

func CommandEncodingFailure(commandType string, cause error) IError {
	return WrapError(cause, ErrCodeCommandEncodingFailure, fmt.Sprintf("encode command %q failed", commandType)).
		WithContext("command_type", commandType)
}

func EventEncodingFailure(eventType string, cause error) IError {
	return WrapError(cause, ErrCodeEventEncodingFailure, fmt.Sprintf("encode event %q failed", eventType)).
		WithContext("event_type", eventType)
}

func EventDecodingFailure(eventType string, cause error) IError {
	return WrapError(cause, ErrCodeEventDecodingFailure, fmt.Sprintf("decode event %q failed", eventType)).
		WithContext("event_type", eventType)
}

// CommandRejected 业务规则拒绝；消息原样保留给调用方
func CommandRejected(message string, cause error) IError {
	if cause == nil {
		return NewError(ErrCodeCommandRejected, message)
	}
	return WrapError(cause, ErrCodeCommandRejected, message)
}

func CommandHandlerFailure(commandType string, cause error) IError {
	return WrapError(cause, ErrCodeCommandHandlerFailure, fmt.Sprintf("handler for %q failed", commandType)).
		WithContext("command_type", commandType)
}

func EventHandlerFailure(eventType string, version uint64, cause error) IError {
	return WrapError(cause, ErrCodeEventHandlerFailure, fmt.Sprintf("apply event %q at version %d failed", eventType, version)).
		WithDetails(map[string]any{"event_type": eventType, "version": version})
}

// SummaryAggregationFailure 版本不连续
func SummaryAggregationFailure(eventType string, expected, received uint64) IError {
	return NewErrorf(ErrCodeSummaryAggregationFailure,
		"event %q has version %d, expected version %d", eventType, received, expected).
		WithDetails(map[string]any{"event_type": eventType, "expected_version": expected, "received_version": received})
}

func EventWriteConflict(key string, version uint64, cause error) IError {
	msg := fmt.Sprintf("version %d of journal %s is already taken", version, key)
	var err IError
	if cause == nil {
		err = NewError(ErrCodeEventWriteConflict, msg)
	} else {
		err = WrapError(cause, ErrCodeEventWriteConflict, msg)
	}
	return err.WithDetails(map[string]any{"journal": key, "version": version})
}

func EventWriteFailure(key string, cause error) IError {
	return WrapError(cause, ErrCodeEventWriteFailure, fmt.Sprintf("write events to journal %s failed", key)).
		WithContext("journal", key)
}

func EventReadFailure(key string, cause error) IError {
	return WrapError(cause, ErrCodeEventReadFailure, fmt.Sprintf("read events of journal %s failed", key)).
		WithContext("journal", key)
}

func CommandPreparationFailure(commandType string, cause error) IError {
	return WrapError(cause, ErrCodeCommandPreparationFailure, fmt.Sprintf("prepare command %q failed", commandType)).
		WithContext("command_type", commandType)
}

func ProjectionFailure(name string, cause error) IError {
	return WrapError(cause, ErrCodeProjectionFailure, fmt.Sprintf("projection %q failed", name)).
		WithContext("projection", name)
}

func NotificationFailure(cause error) IError {
	return WrapError(cause, ErrCodeNotificationFailure, "notification failed")
}

func CommandChainFailure(commandType string, cause error) IError {
	return WrapError(cause, ErrCodeCommandChainFailure, fmt.Sprintf("chained command %q failed", commandType)).
		WithContext("command_type", commandType)
}

func Timeout(cause error) IError {
	if cause == nil {
		return NewError(ErrCodeTimeout, "deadline exceeded")
	}
	return WrapError(cause, ErrCodeTimeout, "deadline exceeded")
}

func Unexpected(cause error) IError {
	return WrapError(cause, ErrCodeUnexpected, "unexpected error")
}
