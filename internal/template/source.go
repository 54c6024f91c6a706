package template

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/audio"
)

// AudioSource supplies decoded reference audio for a master call id.
type AudioSource interface {
	LoadAudio(ctx context.Context, id string) (samples []float32, sampleRate int, err error)
}

// WAVDir reads "<id>.wav" files from a directory.
type WAVDir struct {
	Dir string
}

// LoadAudio decodes the WAV for id to mono float32.
func (w WAVDir) LoadAudio(_ context.Context, id string) ([]float32, int, error) {
	if !ValidKey(id) {
		return nil, 0, fmt.Errorf("invalid master call id %q", id)
	}

	data, err := os.ReadFile(filepath.Join(w.Dir, id+".wav"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read %s.wav: %w", id, err)
	}

	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s.wav: %w", id, err)
	}
	return samples, rate, nil
}

// MemorySource serves audio held in memory, keyed by id.
type MemorySource map[string]MemoryAudio

// MemoryAudio is one in-memory recording.
type MemoryAudio struct {
	Samples    []float32
	SampleRate int
}

// LoadAudio returns the stored recording for id.
func (m MemorySource) LoadAudio(_ context.Context, id string) ([]float32, int, error) {
	a, ok := m[id]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return a.Samples, a.SampleRate, nil
}
