package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json. message.Request and message.Response marshal
// themselves to the positional array forms, so the codec stays generic.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
