package eventing

import (
	"fmt"
	"reflect"
)

// TypeMismatchError 类型擦除的编解码器收到了非预期类型的值
type TypeMismatchError struct {
	Expected string
	Actual   any
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("expected value of type %s, got %T", e.Expected, e.Actual)
}

func zeroTypeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
