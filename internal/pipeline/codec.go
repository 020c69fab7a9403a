package pipeline

import (
	"encoding/json"

	"github.com/hetu-io/hetu/internal/herrors"
)

// Codec is the binary codec layer of the message pipeline: JSON<->msgpack
// per spec.md §6. Only the JSON side is implemented — no msgpack library
// appears anywhere in the retrieval pack, so msgpack support is documented
// in DESIGN.md as the one ambient-stack gap with no pack grounding rather
// than hand-rolled.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// JSONCodec is the stdlib encoding/json implementation of Codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// DecodeFrameArray decodes a JSON frame into the generic
// []interface{}/map[string]interface{} shape DecodeClientFrame consumes.
// json.Unmarshal already decodes numbers as float64 into interface{}
// slots; callers needing int64 precision (rpc args) convert explicitly.
func (c JSONCodec) DecodeFrameArray(data []byte) ([]interface{}, error) {
	var raw []interface{}
	if err := c.Unmarshal(data, &raw); err != nil {
		return nil, herrors.Validation("pipeline: malformed frame: " + err.Error())
	}
	return raw, nil
}
