package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

// Codec turns message values into frame bodies and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON
}

// GetCodec returns the codec registered for codecType.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	}
	return nil, fmt.Errorf("codec: unsupported codec type %d", codecType)
}
