package offline

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Codec compresses resource bodies. ID is persisted in the compressed column,
// 0 meaning "stored raw".
type Codec interface {
	ID() int
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

const (
	codecNone = 0
	codecZlib = 1
	codecZstd = 2
)

type zlibCodec struct{}

// ZlibCodec is compatible with stores written by other map SDKs.
func ZlibCodec() Codec { return zlibCodec{} }

func (zlibCodec) ID() int { return codecZlib }

func (zlibCodec) Compress(data []byte) ([]byte, error) {
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

func (zlibCodec) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// ZstdCodec is the default writer codec.
func ZstdCodec() Codec {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	if err != nil {
		panic(fmt.Sprintf("zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("zstd decoder: %v", err))
	}
	return &zstdCodec{enc: enc, dec: dec}
}

func (c *zstdCodec) ID() int { return codecZstd }

func (c *zstdCodec) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

func (c *zstdCodec) Decompress(data []byte) ([]byte, error) {
	return c.dec.DecodeAll(data, nil)
}

// CodecByName maps configuration names to codecs. "none" yields nil.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "zstd":
		return ZstdCodec(), nil
	case "zlib":
		return ZlibCodec(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown compression %q (supported: zstd, zlib, none)", name)
	}
}

// compress returns the bytes to store and the codec id recorded with them.
func (d *Database) compress(data []byte) ([]byte, int) {
	if d.codec == nil || len(data) == 0 {
		return data, codecNone
	}
	out, err := d.codec.Compress(data)
	if err != nil || len(out) >= len(data) {
		return data, codecNone
	}
	return out, d.codec.ID()
}

func (d *Database) decompress(data []byte, id int) ([]byte, error) {
	switch id {
	case codecNone:
		return data, nil
	case codecZlib:
		return d.zlib.Decompress(data)
	case codecZstd:
		if d.codec != nil && d.codec.ID() == codecZstd {
			return d.codec.Decompress(data)
		}
		return d.zstd().Decompress(data)
	default:
		if d.codec != nil && d.codec.ID() == id {
			return d.codec.Decompress(data)
		}
		return nil, fmt.Errorf("unknown codec id %d", id)
	}
}

func (d *Database) zstd() Codec {
	if d.zstdReader == nil {
		d.zstdReader = ZstdCodec()
	}
	return d.zstdReader
}
