package codec

import (
	"bytes"
	"encoding/json"
)

// JSONTranscoder is an implementation of [Transcoder] producing UTF-8 JSON
// documents. Adapter-produced values are wrapped as objects with exactly the
// two keys "_type_" and "_data_".
//
// JSON has no distinct byte-string or tuple shapes: byte strings are carried
// by the built-in base64 transcoding, and any sequence decodes as an ordered
// list. The [CBORTranscoder] preserves byte strings natively.
type JSONTranscoder struct {
	r *registry
}

var _ Transcoder = (*JSONTranscoder)(nil)

// NewJSONTranscoder returns a transcoder with the default transcodings
// (UUID, timestamp, decimal and byte string) plus those given.
func NewJSONTranscoder(transcodings ...Transcoding) (*JSONTranscoder, error) {
	t := &JSONTranscoder{r: newRegistry(false)}

	for _, tc := range defaultTranscodings() {
		if err := t.Register(tc); err != nil {
			return nil, err
		}
	}
	for _, tc := range transcodings {
		if err := t.Register(tc); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Register adds a type adapter.
func (t *JSONTranscoder) Register(tc Transcoding) error {
	return t.r.register(tc)
}

// Encode serializes a payload tree to a JSON document.
func (t *JSONTranscoder) Encode(v any) ([]byte, error) {
	wire, err := t.r.toWire(v)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Decode deserializes a JSON document to a payload tree.
func (t *JSONTranscoder) Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var wire any
	if err := dec.Decode(&wire); err != nil {
		return nil, &DecodingError{Kind: DecodingMalformed, Cause: err}
	}

	return t.r.fromWire(normalizeJSON(wire))
}

// normalizeJSON resolves json.Number values to int64 where they are
// integral, and float64 otherwise, so decoded trees carry ordinary numeric
// types.
func normalizeJSON(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case map[string]any:
		for key, value := range v {
			v[key] = normalizeJSON(value)
		}
		return v
	case []any:
		for i, value := range v {
			v[i] = normalizeJSON(value)
		}
		return v
	}
	return v
}
