package engine

import (
	"fmt"
	"time"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/dtw"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/mfcc"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/vad"
)

// Config holds the per-session pipeline parameters. The SampleRate fields
// of MFCC and Endpoint are ignored; every session uses its declared rate.
type Config struct {
	RingCapacity     int           // chunks queued per session
	MaxSessionAudio  time.Duration // audio retained per session before chunks are refused
	MFCC             mfcc.Config
	Endpoint         vad.Config
	Incremental      dtw.IncrementalOptions
	Batch            dtw.Options
	SubsequenceRatio float64       // user/master frame ratio that switches to subsequence alignment, 0 = never
	IdleTimeout      time.Duration // destroy sessions idle this long, 0 = never
	JanitorInterval  time.Duration
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		RingCapacity:     64,
		MaxSessionAudio:  2 * time.Minute,
		MFCC:             mfcc.DefaultConfig(0),
		Endpoint:         vad.DefaultConfig(0),
		Incremental:      dtw.DefaultIncrementalOptions(),
		SubsequenceRatio: 1.5,
		JanitorInterval:  30 * time.Second,
	}
}

// Validate checks the rate-independent parameters.
func (c Config) Validate() error {
	if c.RingCapacity <= 0 {
		return fmt.Errorf("ring capacity must be positive, got %d", c.RingCapacity)
	}
	if c.MaxSessionAudio <= 0 {
		return fmt.Errorf("max session audio must be positive, got %v", c.MaxSessionAudio)
	}
	if c.SubsequenceRatio < 0 {
		return fmt.Errorf("subsequence ratio must be non-negative, got %g", c.SubsequenceRatio)
	}
	if c.Batch.Window < 0 || c.Batch.WindowRatio < 0 || c.Incremental.Window < 0 {
		return fmt.Errorf("DTW windows must be non-negative")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must be non-negative, got %v", c.IdleTimeout)
	}

	// Build the pipeline at a common rate to catch bad frame or filter sizes.
	pipeline := c.BuildConfig(44100)
	if err := pipeline.MFCC.Validate(); err != nil {
		return err
	}
	if _, err := vad.NewEndpointer(pipeline.Endpoint); err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	return nil
}

// BuildConfig returns the feature pipeline for sampleRate. Sessions and
// master templates built for them share it, so identical audio yields
// identical features.
func (c Config) BuildConfig(sampleRate int) template.BuildConfig {
	m := c.MFCC
	m.SampleRate = sampleRate
	ep := c.Endpoint
	ep.SampleRate = sampleRate
	return template.BuildConfig{MFCC: m, Endpoint: ep}
}

func (c Config) maxSamples(sampleRate int) int64 {
	return int64(sampleRate) * int64(c.MaxSessionAudio) / int64(time.Second)
}
