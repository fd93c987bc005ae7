package gameserver

import "encoding/json"

// Codec turns command payloads into request bodies and response bodies back
// into values. The agent speaks JSON by default; swap in another Codec with
// WithCodec when talking to an agent that expects a different encoding.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) ContentType() string                { return "application/json" }
