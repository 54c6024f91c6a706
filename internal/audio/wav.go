package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	formatPCM        = 1
	formatIEEEFloat  = 3
	formatExtensible = 0xFFFE
)

// WAVHeader represents the canonical 44-byte header written by EncodeWAV
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo describes a decoded WAV stream
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	AudioFormat   uint16  `json:"audio_format"`
	Duration      float64 `json:"duration_seconds"`
	NumFrames     uint32  `json:"num_frames"`
}

// EncodeWAV encodes mono float32 samples as a 16-bit PCM WAV file.
// Samples outside [-1, 1] are clipped.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	numChannels := uint16(1)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(samples) * 2)

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   formatPCM,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	pcm := make([]int16, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		pcm[i] = int16(v)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, pcm); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV decodes a RIFF/WAVE file to mono float32 samples in [-1, 1].
// 16-bit PCM and 32-bit IEEE float are supported; multi-channel audio is
// downmixed by averaging channels. Unknown chunks are skipped.
func DecodeWAV(data []byte) ([]float32, int, error) {
	info, payload, err := parseWAV(data)
	if err != nil {
		return nil, 0, err
	}

	channels := int(info.Channels)
	frames := int(info.NumFrames)
	if frames == 0 {
		return nil, 0, fmt.Errorf("no audio data found")
	}

	out := make([]float32, frames)
	switch info.AudioFormat {
	case formatPCM:
		for f := 0; f < frames; f++ {
			var sum float32
			for c := 0; c < channels; c++ {
				off := (f*channels + c) * 2
				sum += float32(int16(binary.LittleEndian.Uint16(payload[off:]))) / 32768
			}
			out[f] = sum / float32(channels)
		}
	case formatIEEEFloat:
		for f := 0; f < frames; f++ {
			var sum float32
			for c := 0; c < channels; c++ {
				off := (f*channels + c) * 4
				sum += math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
			}
			out[f] = sum / float32(channels)
		}
	}

	return out, int(info.SampleRate), nil
}

// GetWAVInfo extracts metadata from a WAV file without converting samples
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	info, _, err := parseWAV(data)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func parseWAV(data []byte) (*WAVInfo, []byte, error) {
	if len(data) < 12 {
		return nil, nil, fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var (
		info    WAVInfo
		haveFmt bool
		payload []byte
	)

	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			// Truncated trailing chunk: keep what is there for data.
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", end-body)
			}
			f := data[body:end]
			info.AudioFormat = binary.LittleEndian.Uint16(f[0:2])
			info.Channels = binary.LittleEndian.Uint16(f[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(f[4:8])
			info.BitsPerSample = binary.LittleEndian.Uint16(f[14:16])
			if info.AudioFormat == formatExtensible && len(f) >= 26 {
				info.AudioFormat = binary.LittleEndian.Uint16(f[24:26])
			}
			haveFmt = true
		case "data":
			payload = data[body:end]
		}

		// Chunks are padded to even sizes.
		off = body + size + size%2
	}

	if !haveFmt {
		return nil, nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if payload == nil {
		return nil, nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if info.Channels == 0 {
		return nil, nil, fmt.Errorf("unsupported channel count: 0")
	}
	if info.SampleRate == 0 {
		return nil, nil, fmt.Errorf("invalid sample rate: 0")
	}

	switch {
	case info.AudioFormat == formatPCM && info.BitsPerSample == 16:
	case info.AudioFormat == formatIEEEFloat && info.BitsPerSample == 32:
	default:
		return nil, nil, fmt.Errorf("unsupported audio format %d with %d bits (only 16-bit PCM and 32-bit float are supported)",
			info.AudioFormat, info.BitsPerSample)
	}

	frameBytes := int(info.Channels) * int(info.BitsPerSample) / 8
	info.NumFrames = uint32(len(payload) / frameBytes)
	info.Duration = float64(info.NumFrames) / float64(info.SampleRate)

	return &info, payload[:int(info.NumFrames)*frameBytes], nil
}
