package dataset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the chunk compression algorithm.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

// ParseCodec maps a configuration name to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd", "":
		return CodecZstd, nil
	}
	return 0, fmt.Errorf("unknown codec %q (supported: zstd, lz4, none)", s)
}

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Chunk blocks are [UncompressedSize uint32][CompressedSize uint32][data].
// CompressedSize 0 means the data is stored raw.
const blockHeaderSize = 8

var errShortBlock = errors.New("dataset: chunk block truncated")

// encodeChunk serializes float32 values little-endian and compresses them.
// Data that does not shrink below 90% is stored raw.
func encodeChunk(values []float32, codec Codec) ([]byte, error) {
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}

	var compressed []byte
	switch codec {
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, err
		}
		compressed = buf[:n]
	case CodecZstd:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(raw))*0.9 {
		out := make([]byte, blockHeaderSize+len(raw))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(raw)))
		copy(out[blockHeaderSize:], raw)
		return out, nil
	}

	out := make([]byte, blockHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	copy(out[blockHeaderSize:], compressed)
	return out, nil
}

// decodeChunk reverses encodeChunk into dst, which must hold exactly the
// chunk's element count.
func decodeChunk(data []byte, codec Codec, dst []float32) error {
	if len(data) < blockHeaderSize {
		return errShortBlock
	}
	size := binary.LittleEndian.Uint32(data[0:])
	csize := binary.LittleEndian.Uint32(data[4:])
	if int(size) != 4*len(dst) {
		return fmt.Errorf("dataset: chunk holds %d bytes, want %d", size, 4*len(dst))
	}

	var raw []byte
	if csize == 0 {
		if uint32(len(data)) < blockHeaderSize+size {
			return errShortBlock
		}
		raw = data[blockHeaderSize : blockHeaderSize+size]
	} else {
		if uint32(len(data)) < blockHeaderSize+csize {
			return errShortBlock
		}
		payload := data[blockHeaderSize : blockHeaderSize+csize]
		raw = make([]byte, size)

		switch codec {
		case CodecLZ4:
			n, err := lz4.UncompressBlock(payload, raw)
			if err != nil {
				return err
			}
			if uint32(n) != size {
				return errors.New("dataset: decompressed size mismatch")
			}
		case CodecZstd:
			dec := getZstdDecoder()
			decoded, err := dec.DecodeAll(payload, raw[:0])
			zstdDecoderPool.Put(dec)
			if err != nil {
				return err
			}
			if uint32(len(decoded)) != size {
				return errors.New("dataset: decompressed size mismatch")
			}
			raw = decoded
		default:
			return fmt.Errorf("dataset: compressed chunk with codec %s", codec)
		}
	}

	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return nil
}
