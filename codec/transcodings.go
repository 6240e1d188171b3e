package codec

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewTranscoding returns a transcoding for the type of prototype, tagged
// with the given name. encode converts a value of that type to a
// representation of already-encodable values, decode reverses it.
func NewTranscoding(
	name string,
	prototype any,
	encode func(v any) (any, error),
	decode func(rep any) (any, error),
) Transcoding {
	return &transcoding{
		name:   name,
		typ:    reflect.TypeOf(prototype),
		encode: encode,
		decode: decode,
	}
}

type transcoding struct {
	name   string
	typ    reflect.Type
	encode func(v any) (any, error)
	decode func(rep any) (any, error)
}

func (t *transcoding) Name() string { return t.name }

func (t *transcoding) Type() reflect.Type { return t.typ }

func (t *transcoding) Encode(v any) (any, error) {
	return t.encode(v)
}

func (t *transcoding) Decode(rep any) (any, error) {
	return t.decode(rep)
}

// UUIDAsHex transcodes a [uuid.UUID] as its 32-character hex form.
func UUIDAsHex() Transcoding {
	return NewTranscoding(
		"uuid_hex",
		uuid.UUID{},
		func(v any) (any, error) {
			id := v.(uuid.UUID)
			return fmt.Sprintf("%x", [16]byte(id)), nil
		},
		func(rep any) (any, error) {
			s, ok := rep.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string, got %T", rep)
			}
			return uuid.Parse(s)
		},
	)
}

// TimeAsISO transcodes a [time.Time] as an ISO-8601 (RFC 3339) string with
// nanosecond precision.
func TimeAsISO() Transcoding {
	return NewTranscoding(
		"datetime_iso",
		time.Time{},
		func(v any) (any, error) {
			return v.(time.Time).Format(time.RFC3339Nano), nil
		},
		func(rep any) (any, error) {
			s, ok := rep.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string, got %T", rep)
			}
			return time.Parse(time.RFC3339Nano, s)
		},
	)
}

// DecimalAsString transcodes a [decimal.Decimal] as its exact decimal
// string form.
func DecimalAsString() Transcoding {
	return NewTranscoding(
		"decimal_str",
		decimal.Decimal{},
		func(v any) (any, error) {
			return v.(decimal.Decimal).String(), nil
		},
		func(rep any) (any, error) {
			s, ok := rep.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string, got %T", rep)
			}
			return decimal.NewFromString(s)
		},
	)
}

// BytesAsBase64 transcodes a byte string as standard base64, for wire
// formats with no native byte-string shape.
func BytesAsBase64() Transcoding {
	return NewTranscoding(
		"bytes_base64",
		[]byte(nil),
		func(v any) (any, error) {
			return base64.StdEncoding.EncodeToString(v.([]byte)), nil
		},
		func(rep any) (any, error) {
			s, ok := rep.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string, got %T", rep)
			}
			return base64.StdEncoding.DecodeString(s)
		},
	)
}

func defaultTranscodings() []Transcoding {
	return []Transcoding{
		UUIDAsHex(),
		TimeAsISO(),
		DecimalAsString(),
		BytesAsBase64(),
	}
}
