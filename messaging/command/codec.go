package command

import "epoque/eventing"

// CommandCodec 类型擦除的命令编解码器，路由器按命令类型保存
type CommandCodec interface {
	EncodeCommand(cmd Command) ([]byte, error)
	DecodeCommand(data []byte) (Command, error)
}

type typedCommandCodec[C Command] struct {
	codec eventing.Codec[C]
}

// EraseCodec 把具体类型的 Codec 包装为 CommandCodec
func EraseCodec[C Command](codec eventing.Codec[C]) CommandCodec {
	return typedCommandCodec[C]{codec: codec}
}

func (c typedCommandCodec[C]) EncodeCommand(cmd Command) ([]byte, error) {
	typed, ok := cmd.(C)
	if !ok {
		var zero C
		return nil, &eventing.TypeMismatchError{Expected: zero.CommandType(), Actual: cmd}
	}
	return c.codec.Encode(typed)
}

func (c typedCommandCodec[C]) DecodeCommand(data []byte) (Command, error) {
	return c.codec.Decode(data)
}
