package template

import (
	"fmt"
	"math"
	"time"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/mfcc"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/vad"
)

// BuildConfig selects the feature pipeline for one sample rate.
type BuildConfig struct {
	MFCC     mfcc.Config
	Endpoint vad.Config
}

// Build turns reference audio into a template: resample to the configured
// rate, trim silence, extract MFCC frames and measure loudness. Sessions run
// the same trim and extraction on their own audio at finalize.
func Build(id string, samples []float32, sampleRate int, cfg BuildConfig) (*Template, error) {
	target := cfg.MFCC.SampleRate
	if sampleRate != target {
		var err error
		samples, err = Resample(samples, sampleRate, target)
		if err != nil {
			return nil, fmt.Errorf("resample %s: %w", id, err)
		}
	}

	ep, err := vad.NewEndpointer(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("endpointer: %w", err)
	}
	seg := ep.Detect(samples)
	trimmed := seg.Trim(samples)

	frames, err := mfcc.ExtractAll(cfg.MFCC, trimmed)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", id, err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("extract %s: %d samples is shorter than one frame", id, len(trimmed))
	}

	return &Template{
		ID:     id,
		Frames: frames,
		Meta: Metadata{
			SampleRate:    target,
			CoeffCount:    cfg.MFCC.NumCoeffs,
			FrameSize:     cfg.MFCC.FrameSize,
			HopSize:       cfg.MFCC.HopSize,
			SourceSamples: len(samples),
			SegmentStart:  seg.Start,
			SegmentEnd:    seg.End,
			NoSignal:      seg.NoSignal,
			RMS:           RMS(trimmed),
			Source:        "audio",
			CreatedAt:     time.Now().UTC(),
		},
	}, nil
}

// RMS returns the root-mean-square level of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
