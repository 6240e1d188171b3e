package compression_test

import (
	"bytes"
	"testing"

	. "github.com/tessellic/annal/compression"
	"github.com/tessellic/annal/internal/test"
	"pgregory.net/rapid"
)

func compressors(t *testing.T) map[string]Compressor {
	t.Helper()

	zstd, err := NewZstd()
	if err != nil {
		t.Fatal(err)
	}

	return map[string]Compressor{
		"zlib": Zlib{},
		"zstd": zstd,
	}
}

func TestCompressors_roundTrip(t *testing.T) {
	for name, c := range compressors(t) {
		t.Run(name, func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				data := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(rt, "data")

				compressed, err := c.Compress(data)
				if err != nil {
					rt.Fatalf("unexpected error: %s", err)
				}

				decompressed, err := c.Decompress(compressed)
				if err != nil {
					rt.Fatalf("unexpected error: %s", err)
				}

				test.Expect(rt, "data must round-trip", decompressed, data)
			})
		})
	}
}

func TestCompressors_shrinkRepetitiveData(t *testing.T) {
	data := bytes.Repeat([]byte(`{"event":"something happened"}`), 400)

	for name, c := range compressors(t) {
		t.Run(name, func(t *testing.T) {
			compressed, err := c.Compress(data)
			test.ExpectSuccess(t, err)

			if len(compressed) >= len(data) {
				t.Fatalf(
					"expected compression to shrink %d bytes, got %d",
					len(data),
					len(compressed),
				)
			}
		})
	}
}

func TestCompressors_rejectGarbage(t *testing.T) {
	for name, c := range compressors(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := c.Decompress([]byte("not compressed data")); err == nil {
				t.Fatal("expected an error decompressing garbage")
			}
		})
	}
}
