// chunker/compress.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunker

import (
	"errors"
	"fmt"
	"github.com/klauspost/compress/zstd"
	"sync"
)

const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

var ErrBadFrame = errors.New("malformed chunk frame")

// Frame flag bytes.
const (
	frameRaw  = 0
	frameZstd = 1
)

// The zstd encoder and decoder are safe for concurrent use via EncodeAll
// and DecodeAll, so a single instance of each is shared.
var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil,
			zstd.WithDecoderMaxMemory(1<<31))
	})
	return encoder, decoder, codecErr
}

// ValidCompression reports whether alg names a supported algorithm.
func ValidCompression(alg string) bool {
	return alg == CompressionNone || alg == CompressionZstd
}

// Compress frames data for storage: a flag byte followed either by the
// zstd-compressed bytes, if that's smaller, or by the data itself.
func Compress(alg string, data []byte) ([]byte, error) {
	switch alg {
	case CompressionNone:
		return append([]byte{frameRaw}, data...), nil
	case CompressionZstd:
		enc, _, err := codecs()
		if err != nil {
			return nil, err
		}
		z := enc.EncodeAll(data, make([]byte, 1, len(data)/2+1))
		z[0] = frameZstd
		if len(z) < len(data)+1 {
			return z, nil
		}
		return append([]byte{frameRaw}, data...), nil
	default:
		return nil, fmt.Errorf("%s: unknown compression algorithm", alg)
	}
}

// Decompress undoes Compress.
func Decompress(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrBadFrame
	}
	switch frame[0] {
	case frameRaw:
		return frame[1:], nil
	case frameZstd:
		_, dec, err := codecs()
		if err != nil {
			return nil, err
		}
		b, err := dec.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadFrame, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: flag byte %d", ErrBadFrame, frame[0])
	}
}
