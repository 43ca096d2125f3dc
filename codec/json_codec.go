package codec

import (
	"encoding/json"
	"fmt"

	"svcbus/message"
)

// JSONCodec writes the message as a JSON object. The body, already a JSON envelope,
// travels base64 encoded, so this codec is for debugging rather than throughput.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	m, ok := v.(*message.Message)
	if !ok {
		return nil, errNotMessage
	}
	return json.Marshal(m)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	m, ok := v.(*message.Message)
	if !ok {
		return errNotMessage
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("JSONCodec: %w", err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
