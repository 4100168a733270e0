package eventing

import "encoding/json"

// Codec 在领域对象与序列化载荷之间转换
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec 默认 JSON 编解码
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// CodecFunc 用函数对组装 Codec
type CodecFunc[T any] struct {
	EncodeFunc func(T) ([]byte, error)
	DecodeFunc func([]byte) (T, error)
}

func (c CodecFunc[T]) Encode(value T) ([]byte, error) { return c.EncodeFunc(value) }
func (c CodecFunc[T]) Decode(data []byte) (T, error)  { return c.DecodeFunc(data) }

// EventCodec 类型擦除的事件编解码器，注册表按事件类型标签保存
type EventCodec interface {
	EncodeEvent(e Event) ([]byte, error)
	DecodeEvent(data []byte) (Event, error)
}

type typedEventCodec[E Event] struct {
	codec Codec[E]
}

// EraseCodec 把具体类型的 Codec 包装为 EventCodec
func EraseCodec[E Event](codec Codec[E]) EventCodec {
	return typedEventCodec[E]{codec: codec}
}

func (c typedEventCodec[E]) EncodeEvent(e Event) ([]byte, error) {
	typed, ok := e.(E)
	if !ok {
		return nil, &TypeMismatchError{Expected: zeroTypeName[E](), Actual: e}
	}
	return c.codec.Encode(typed)
}

func (c typedEventCodec[E]) DecodeEvent(data []byte) (Event, error) {
	return c.codec.Decode(data)
}
