package geometry

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// CompressTexture zstd-compresses every image of an uncompressed texture.
func CompressTexture(t Texture) (Texture, error) {
	if t.Compression != CompressionNone {
		return t, nil
	}
	enc, _, err := zstdCodec()
	if err != nil {
		return t, err
	}
	out := t
	out.Images = make([][]byte, len(t.Images))
	for i, img := range t.Images {
		out.Images[i] = enc.EncodeAll(img, make([]byte, 0, len(img)/2))
	}
	out.Compression = CompressionZstd
	return out, nil
}

// DecompressTexture reverses CompressTexture. Uncompressed textures are
// returned unchanged; external ones must be fetched first.
func DecompressTexture(t Texture) (Texture, error) {
	switch t.Compression {
	case CompressionNone:
		return t, nil
	case CompressionExternal:
		return t, fmt.Errorf("%w: texture %d is external", ErrIncomplete, t.UID)
	case CompressionZstd:
	default:
		return t, fmt.Errorf("%w: texture %d: compression %s", ErrInvalidPayload, t.UID, t.Compression)
	}
	_, dec, err := zstdCodec()
	if err != nil {
		return t, err
	}
	out := t
	out.Images = make([][]byte, len(t.Images))
	for i, img := range t.Images {
		raw, err := dec.DecodeAll(img, nil)
		if err != nil {
			return t, fmt.Errorf("%w: texture %d image %d: %w", ErrInvalidPayload, t.UID, i, err)
		}
		out.Images[i] = raw
	}
	out.Compression = CompressionNone
	return out, nil
}
