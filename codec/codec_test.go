package codec_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	. "github.com/tessellic/annal/codec"
	"github.com/tessellic/annal/internal/test"
	"pgregory.net/rapid"
)

func newJSON(t *testing.T, transcodings ...Transcoding) Transcoder {
	t.Helper()
	tc, err := NewJSONTranscoder(transcodings...)
	if err != nil {
		t.Fatal(err)
	}
	return tc
}

func newCBOR(t *testing.T, transcodings ...Transcoding) Transcoder {
	t.Helper()
	tc, err := NewCBORTranscoder(transcodings...)
	if err != nil {
		t.Fatal(err)
	}
	return tc
}

func roundTrip(t *testing.T, tc Transcoder, v any) any {
	t.Helper()

	data, err := tc.Encode(v)
	test.ExpectSuccess(t, err)

	decoded, err := tc.Decode(data)
	test.ExpectSuccess(t, err)

	return decoded
}

func TestTranscoders_roundTripBasicValues(t *testing.T) {
	for name, tc := range map[string]Transcoder{
		"json": newJSON(t),
		"cbor": newCBOR(t),
	} {
		t.Run(name, func(t *testing.T) {
			payload := map[string]any{
				"null":   nil,
				"bool":   true,
				"int":    int64(42),
				"float":  3.5,
				"string": "hello",
				"list":   []any{int64(1), int64(2), int64(3)},
				"nested": map[string]any{
					"inner": []any{"a", "b"},
				},
			}

			test.Expect(t, "payload must round-trip", roundTrip(t, tc, payload), any(payload))
		})
	}
}

func TestTranscoders_roundTripDefaultTranscodings(t *testing.T) {
	id := uuid.MustParse("b2723fe2-c01a-40d2-875e-a3aac6a09ff5")
	timestamp := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	amount := decimal.RequireFromString("123.4500")

	for name, tc := range map[string]Transcoder{
		"json": newJSON(t),
		"cbor": newCBOR(t),
	} {
		t.Run(name, func(t *testing.T) {
			payload := map[string]any{
				"id":     id,
				"at":     timestamp,
				"amount": amount,
			}

			decoded := roundTrip(t, tc, payload).(map[string]any)
			test.Expect(t, "UUID must round-trip", decoded["id"].(uuid.UUID), id)
			test.Expect(t, "timestamp must round-trip", decoded["at"].(time.Time).Equal(timestamp), true)
			test.Expect(
				t,
				"decimal must round-trip exactly",
				decoded["amount"].(decimal.Decimal).String(),
				amount.String(),
			)
		})
	}
}

func TestTranscoders_roundTripByteStrings(t *testing.T) {
	payload := map[string]any{"blob": []byte{0x00, 0x01, 0xfe, 0xff}}

	for name, tc := range map[string]Transcoder{
		"json": newJSON(t),
		"cbor": newCBOR(t),
	} {
		t.Run(name, func(t *testing.T) {
			decoded := roundTrip(t, tc, payload).(map[string]any)
			test.Expect(t, "byte string must round-trip", decoded["blob"].([]byte), payload["blob"].([]byte))
		})
	}
}

func TestJSONTranscoder_wrapsTranscodedValues(t *testing.T) {
	tc := newJSON(t)

	data, err := tc.Encode(uuid.MustParse("b2723fe2-c01a-40d2-875e-a3aac6a09ff5"))
	test.ExpectSuccess(t, err)
	test.Expect(
		t,
		"unexpected wire form",
		string(data),
		`{"_data_":"b2723fe2c01a40d2875ea3aac6a09ff5","_type_":"uuid_hex"}`,
	)
}

func TestTranscoders_rejectUnsupportedTypes(t *testing.T) {
	type unregistered struct{ N int }

	for name, tc := range map[string]Transcoder{
		"json": newJSON(t),
		"cbor": newCBOR(t),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tc.Encode(map[string]any{"v": unregistered{N: 1}})

			var encErr *EncodingError
			if !errors.As(err, &encErr) {
				t.Fatalf("expected an encoding error, got %v", err)
			}
		})
	}
}

func TestJSONTranscoder_rejectsReservedFieldNames(t *testing.T) {
	tc := newJSON(t)

	for _, key := range []string{"_type_", "_data_"} {
		if _, err := tc.Encode(map[string]any{key: "x"}); err == nil {
			t.Fatalf("expected an error for reserved field name %q", key)
		}
	}
}

func TestJSONTranscoder_decodeFailsOnUnknownTag(t *testing.T) {
	tc := newJSON(t)

	_, err := tc.Decode([]byte(`{"_type_":"no_such_tag","_data_":"x"}`))

	var decErr *DecodingError
	if !errors.As(err, &decErr) || decErr.Kind != DecodingUnknownTag {
		t.Fatalf("expected an unknown-tag error, got %v", err)
	}
}

func TestJSONTranscoder_decodeFailsOnMalformedDocument(t *testing.T) {
	tc := newJSON(t)

	_, err := tc.Decode([]byte(`{not json`))

	var decErr *DecodingError
	if !errors.As(err, &decErr) || decErr.Kind != DecodingMalformed {
		t.Fatalf("expected a malformed error, got %v", err)
	}
}

func TestJSONTranscoder_decodeFailsOnMismatchedRepresentation(t *testing.T) {
	tc := newJSON(t)

	_, err := tc.Decode([]byte(`{"_type_":"uuid_hex","_data_":42}`))

	var decErr *DecodingError
	if !errors.As(err, &decErr) || decErr.Kind != DecodingMalformed {
		t.Fatalf("expected a malformed error, got %v", err)
	}
}

func TestTranscoders_rejectDuplicateRegistrations(t *testing.T) {
	custom := NewTranscoding(
		"uuid_hex", // collides with the default
		struct{ X int }{},
		func(v any) (any, error) { return nil, nil },
		func(rep any) (any, error) { return nil, nil },
	)

	if _, err := NewJSONTranscoder(custom); err == nil {
		t.Fatal("expected an error for a duplicate transcoding name")
	}
}

func TestTranscoders_userTranscoding(t *testing.T) {
	type date struct {
		Year  int
		Month int
		Day   int
	}

	dateAsISO := NewTranscoding(
		"date_iso",
		date{},
		func(v any) (any, error) {
			d := v.(date)
			return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC).
				Format("2006-01-02"), nil
		},
		func(rep any) (any, error) {
			parsed, err := time.Parse("2006-01-02", rep.(string))
			if err != nil {
				return nil, err
			}
			return date{parsed.Year(), int(parsed.Month()), parsed.Day()}, nil
		},
	)

	for name, tc := range map[string]Transcoder{
		"json": newJSON(t, dateAsISO),
		"cbor": newCBOR(t, dateAsISO),
	} {
		t.Run(name, func(t *testing.T) {
			payload := map[string]any{"on": date{2024, 2, 29}}

			decoded := roundTrip(t, tc, payload).(map[string]any)
			test.Expect(t, "user transcoding must round-trip", decoded["on"].(date), date{2024, 2, 29})
		})
	}
}

func TestTranscoders_roundTripProperty(t *testing.T) {
	transcoders := map[string]Transcoder{
		"json": newJSON(t),
		"cbor": newCBOR(t),
	}

	// Generates payload trees of the supported shapes. Map keys avoid the
	// reserved names, which are rejected by design.
	var tree func(depth int) *rapid.Generator[any]
	tree = func(depth int) *rapid.Generator[any] {
		leaves := []*rapid.Generator[any]{
			rapid.Just[any](nil),
			rapid.Custom(func(t *rapid.T) any { return rapid.Bool().Draw(t, "b") }),
			rapid.Custom(func(t *rapid.T) any { return rapid.Int64().Draw(t, "i") }),
			rapid.Custom(func(t *rapid.T) any { return rapid.StringMatching(`[a-z]{0,8}`).Draw(t, "s") }),
		}
		if depth <= 0 {
			return rapid.OneOf(leaves...)
		}
		children := append(
			leaves,
			rapid.Custom(func(t *rapid.T) any {
				n := rapid.IntRange(0, 3).Draw(t, "n")
				out := make([]any, n)
				for i := range out {
					out[i] = tree(depth-1).Draw(t, "elem")
				}
				return out
			}),
			rapid.Custom(func(t *rapid.T) any {
				n := rapid.IntRange(0, 3).Draw(t, "n")
				out := map[string]any{}
				for i := 0; i < n; i++ {
					key := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "key")
					out[key] = tree(depth-1).Draw(t, "value")
				}
				return out
			}),
		)
		return rapid.OneOf(children...)
	}

	for name, tc := range transcoders {
		t.Run(name, func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				payload := map[string]any{
					"v": tree(3).Draw(rt, "payload"),
				}

				data, err := tc.Encode(payload)
				if err != nil {
					rt.Fatalf("unexpected error: %s", err)
				}
				decoded, err := tc.Decode(data)
				if err != nil {
					rt.Fatalf("unexpected error: %s", err)
				}

				test.Expect(rt, "payload must round-trip", decoded, any(payload))
			})
		})
	}
}
