package template

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/mfcc"
)

// Feature cache layout, little-endian:
//
//	[frameCount:4][coeffCount:4][frameCount*coeffCount float32, row-major]
const (
	HeaderSize    = 8
	MaxFrames     = 1 << 20
	MaxCoeffs     = 256
	FeatureExt    = ".mfc"
	MetadataExt   = ".meta"
	bytesPerCoeff = 4
)

// ErrInvalidCache indicates bytes that do not hold a feature cache.
var ErrInvalidCache = errors.New("template: invalid feature cache")

// MarshalFeatures encodes a sequence in the feature cache layout.
func MarshalFeatures(seq mfcc.Sequence) ([]byte, error) {
	frames := len(seq)
	coeffs := seq.Width()
	if frames > MaxFrames || coeffs > MaxCoeffs {
		return nil, fmt.Errorf("%w: %d frames x %d coeffs exceeds limits", ErrInvalidCache, frames, coeffs)
	}

	out := make([]byte, HeaderSize, HeaderSize+frames*coeffs*bytesPerCoeff)
	binary.LittleEndian.PutUint32(out[0:4], uint32(frames))
	binary.LittleEndian.PutUint32(out[4:8], uint32(coeffs))

	for i, f := range seq {
		if len(f) != coeffs {
			return nil, fmt.Errorf("%w: frame %d has %d coeffs, expected %d", ErrInvalidCache, i, len(f), coeffs)
		}
		for _, v := range f {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return out, nil
}

// UnmarshalFeatures decodes the feature cache layout. The payload length must
// match the header exactly.
func UnmarshalFeatures(data []byte) (mfcc.Sequence, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: header too short: expected %d bytes, got %d", ErrInvalidCache, HeaderSize, len(data))
	}

	frames := int(binary.LittleEndian.Uint32(data[0:4]))
	coeffs := int(binary.LittleEndian.Uint32(data[4:8]))

	if frames > MaxFrames || coeffs > MaxCoeffs {
		return nil, fmt.Errorf("%w: %d frames x %d coeffs exceeds limits", ErrInvalidCache, frames, coeffs)
	}
	if frames > 0 && coeffs == 0 {
		return nil, fmt.Errorf("%w: %d frames with zero coeffs", ErrInvalidCache, frames)
	}

	want := HeaderSize + frames*coeffs*bytesPerCoeff
	if len(data) != want {
		return nil, fmt.Errorf("%w: expected %d bytes for %d x %d, got %d", ErrInvalidCache, want, frames, coeffs, len(data))
	}

	seq := make(mfcc.Sequence, frames)
	off := HeaderSize
	for i := range seq {
		f := make(mfcc.Frame, coeffs)
		for k := range f {
			f[k] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += bytesPerCoeff
		}
		seq[i] = f
	}
	return seq, nil
}

// MarshalMetadata encodes template metadata as msgpack.
func MarshalMetadata(meta Metadata) ([]byte, error) {
	return msgpack.Marshal(&meta)
}

// UnmarshalMetadata decodes msgpack metadata.
func UnmarshalMetadata(data []byte) (Metadata, error) {
	var meta Metadata
	if err := msgpack.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}
