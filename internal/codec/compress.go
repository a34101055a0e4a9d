package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Blob header bytes
const (
	blobRaw byte = 0x00
	blobLZ4 byte = 0x01
)

// maxBlobSize bounds the decoded size claimed by a blob header.
const maxBlobSize = 64 << 20

// ErrCorruptBlob is returned when a stored blob cannot be decoded.
var ErrCorruptBlob = errors.New("corrupt blob")

// Pack encodes v as CBOR and lz4-compresses it when that saves space.
// Layout: one header byte, then for lz4 a uvarint uncompressed length and
// the compressed block.
func Pack(v any) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blob: %w", err)
	}

	bound := lz4.CompressBlockBound(len(raw))
	out := make([]byte, 1+binary.MaxVarintLen64+bound)
	n := binary.PutUvarint(out[1:], uint64(len(raw)))
	written, err := lz4.CompressBlock(raw, out[1+n:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 for incompressible input
	if written == 0 || 1+n+written >= 1+len(raw) {
		return append([]byte{blobRaw}, raw...), nil
	}
	out[0] = blobLZ4
	return out[:1+n+written], nil
}

// Unpack reverses Pack into v.
func Unpack(data []byte, v any) error {
	if len(data) == 0 {
		return ErrCorruptBlob
	}
	switch data[0] {
	case blobRaw:
		return Unmarshal(data[1:], v)
	case blobLZ4:
		size, n := binary.Uvarint(data[1:])
		if n <= 0 || size > maxBlobSize {
			return fmt.Errorf("%w: bad length header", ErrCorruptBlob)
		}
		raw := make([]byte, size)
		read, err := lz4.UncompressBlock(data[1+n:], raw)
		if err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return fmt.Errorf("%w: got %d bytes, expected %d", ErrCorruptBlob, read, size)
		}
		return Unmarshal(raw, v)
	default:
		return fmt.Errorf("%w: unknown header %#x", ErrCorruptBlob, data[0])
	}
}

// zstd encoder and decoder are safe for concurrent use and reused.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBlobSize))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// ZstdEncoding is the Content-Encoding token for zstd bodies.
const ZstdEncoding = "zstd"

// CompressZstd compresses a request body.
func CompressZstd(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// DecompressZstd decompresses a zstd body.
func DecompressZstd(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// NewZstdReader wraps r in a streaming zstd decoder capped at maxBlobSize.
func NewZstdReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(maxBlobSize), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return dec.IOReadCloser(), nil
}
