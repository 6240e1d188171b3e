// Package compression provides the byte-to-byte transforms that may be
// applied to event state between serialization and encryption.
package compression

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compressor is an invertible byte-to-byte transform.
//
// Decompress(Compress(x)) must equal x for all inputs. A compressor is safe
// for concurrent use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Zlib is an implementation of [Compressor] using the DEFLATE-based zlib
// format. It is the default compressor, and its output is portable across
// implementations of this library.
type Zlib struct{}

var _ Compressor = Zlib{}

// Compress returns the zlib-compressed form of data.
func (Zlib) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func (Zlib) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cannot decompress: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cannot decompress: %w", err)
	}
	return out, nil
}

// Zstd is an implementation of [Compressor] using the Zstandard format. It
// compresses large states considerably faster than [Zlib].
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var _ Compressor = (*Zstd)(nil)

// NewZstd returns a Zstandard compressor.
func NewZstd() (*Zstd, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}

	return &Zstd{enc: enc, dec: dec}, nil
}

// Compress returns the Zstandard-compressed form of data.
func (c *Zstd) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

// Decompress reverses Compress.
func (c *Zstd) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot decompress: %w", err)
	}
	return out, nil
}
