package codec

import (
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORTranscoder is an implementation of [Transcoder] producing canonical
// CBOR documents. Unlike JSON, CBOR carries byte strings natively and
// distinguishes integer from floating-point values on the wire.
type CBORTranscoder struct {
	r   *registry
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Transcoder = (*CBORTranscoder)(nil)

// NewCBORTranscoder returns a transcoder with the default transcodings
// (UUID, timestamp and decimal) plus those given.
func NewCBORTranscoder(transcodings ...Transcoding) (*CBORTranscoder, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}

	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any{}),
	}.DecMode()
	if err != nil {
		return nil, err
	}

	t := &CBORTranscoder{
		r:   newRegistry(true),
		enc: enc,
		dec: dec,
	}

	for _, tc := range defaultTranscodings() {
		// Byte strings are wire-native in CBOR; the base64 adapter exists
		// only for formats that cannot carry them.
		if tc.Type() == reflect.TypeOf([]byte(nil)) {
			continue
		}
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
func (t *CBORTranscoder) Register(tc Transcoding) error {
	return t.r.register(tc)
}

// Encode serializes a payload tree to a CBOR document.
func (t *CBORTranscoder) Encode(v any) ([]byte, error) {
	wire, err := t.r.toWire(v)
	if err != nil {
		return nil, err
	}
	return t.enc.Marshal(wire)
}

// Decode deserializes a CBOR document to a payload tree.
func (t *CBORTranscoder) Decode(data []byte) (any, error) {
	var wire any
	if err := t.dec.Unmarshal(data, &wire); err != nil {
		return nil, &DecodingError{Kind: DecodingMalformed, Cause: err}
	}

	return t.r.fromWire(normalizeCBOR(wire))
}

// normalizeCBOR folds unsigned integers into int64 where they fit, so
// decoded trees carry the same numeric types as encoded ones.
func normalizeCBOR(v any) any {
	switch v := v.(type) {
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v)
		}
		return v
	case map[string]any:
		for key, value := range v {
			v[key] = normalizeCBOR(value)
		}
		return v
	case []any:
		for i, value := range v {
			v[i] = normalizeCBOR(value)
		}
		return v
	}
	return v
}
