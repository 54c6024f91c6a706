package vad

import (
	"fmt"
	"sync"
	"time"
)

// Config holds endpointer thresholds
type Config struct {
	SampleRate      int           // Audio sample rate in Hz
	Window          time.Duration // Analysis window length (10ms)
	EnergyThreshold float64       // Mean-square energy above which a window is sound
	PeakThreshold   float64       // Absolute peak above which a window is sound
	MinSound        time.Duration // Consecutive sound needed to confirm a start
	Hangover        time.Duration // Extension after the last sound window
}

// DefaultConfig returns the thresholds used for call recordings
func DefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate:      sampleRate,
		Window:          10 * time.Millisecond,
		EnergyThreshold: 1e-4,
		PeakThreshold:   0.01,
		MinSound:        20 * time.Millisecond,
		Hangover:        10 * time.Millisecond,
	}
}

// Segment is the half-open sample range [Start, End) judged to hold signal.
type Segment struct {
	Start    int  `json:"start"`
	End      int  `json:"end"`
	NoSignal bool `json:"no_signal"` // no sound found; the range is the full input
}

// Len returns the number of samples in the segment
func (s Segment) Len() int { return s.End - s.Start }

// Duration returns the segment length at the given sample rate
func (s Segment) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Len()) * time.Second / time.Duration(sampleRate)
}

// Trim returns the part of samples covered by the segment
func (s Segment) Trim(samples []float32) []float32 {
	end := min(s.End, len(samples))
	start := min(s.Start, end)
	return samples[start:end]
}

// EndpointerStats represents endpointer statistics
type EndpointerStats struct {
	Detections    uint64  `json:"detections"`
	FailOpen      uint64  `json:"fail_open"`
	TotalWindows  uint64  `json:"total_windows"`
	SoundWindows  uint64  `json:"sound_windows"`
	SoundPercent  float64 `json:"sound_percentage"`
	WindowSamples int     `json:"window_samples"`
	EnergyThresh  float64 `json:"energy_threshold"`
	PeakThresh    float64 `json:"peak_threshold"`
}

// Endpointer finds signal boundaries in buffered audio. Detect is safe for
// concurrent use.
type Endpointer struct {
	cfg           Config
	windowSamples int
	minRun        int
	hangover      int

	detections   uint64
	failOpen     uint64
	totalWindows uint64
	soundWindows uint64

	mu sync.Mutex
}

// NewEndpointer creates an endpointer after validating cfg
func NewEndpointer(cfg Config) (*Endpointer, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %v", cfg.Window)
	}
	if cfg.EnergyThreshold < 0 || cfg.PeakThreshold < 0 {
		return nil, fmt.Errorf("thresholds must be non-negative, got energy=%g peak=%g",
			cfg.EnergyThreshold, cfg.PeakThreshold)
	}
	if cfg.MinSound < 0 || cfg.Hangover < 0 {
		return nil, fmt.Errorf("durations must be non-negative, got min_sound=%v hangover=%v",
			cfg.MinSound, cfg.Hangover)
	}

	toSamples := func(d time.Duration) int {
		return int(int64(cfg.SampleRate) * int64(d) / int64(time.Second))
	}

	window := max(1, toSamples(cfg.Window))
	minRun := int((cfg.MinSound + cfg.Window - 1) / cfg.Window)

	return &Endpointer{
		cfg:           cfg,
		windowSamples: window,
		minRun:        max(1, minRun),
		hangover:      toSamples(cfg.Hangover),
	}, nil
}

// Classify reports whether a window counts as sound
func (e *Endpointer) Classify(window []float32) bool {
	if len(window) == 0 {
		return false
	}

	var energy, peak float64
	for _, s := range window {
		v := float64(s)
		energy += v * v
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	energy /= float64(len(window))

	return energy > e.cfg.EnergyThreshold || peak > e.cfg.PeakThreshold
}

// Detect returns the signal segment of samples. When no sustained sound is
// found it fails open: the full range is returned with NoSignal set.
func (e *Endpointer) Detect(samples []float32) Segment {
	n := len(samples)
	win := e.windowSamples
	numWindows := (n + win - 1) / win

	sound := make([]bool, numWindows)
	soundCount := 0
	for i := range sound {
		sound[i] = e.Classify(samples[i*win : min((i+1)*win, n)])
		if sound[i] {
			soundCount++
		}
	}

	seg, found := e.locate(sound, n)

	e.mu.Lock()
	e.detections++
	e.totalWindows += uint64(numWindows)
	e.soundWindows += uint64(soundCount)
	if !found {
		e.failOpen++
	}
	e.mu.Unlock()

	return seg
}

func (e *Endpointer) locate(sound []bool, n int) (Segment, bool) {
	win := e.windowSamples

	first := -1
	run := 0
	for i, s := range sound {
		if !s {
			run = 0
			continue
		}
		run++
		if run >= e.minRun {
			first = i - run + 1
			break
		}
	}
	if first < 0 {
		return Segment{Start: 0, End: n, NoSignal: true}, false
	}

	last := first
	for i := len(sound) - 1; i >= first; i-- {
		if sound[i] {
			last = i
			break
		}
	}

	start := max(0, (first-1)*win)
	end := min(n, (last+1)*win+e.hangover)
	return Segment{Start: start, End: end}, true
}

// WindowSamples returns the analysis window length in samples
func (e *Endpointer) WindowSamples() int { return e.windowSamples }

// Config returns the endpointer configuration
func (e *Endpointer) Config() Config { return e.cfg }

// GetStats returns endpointer statistics
func (e *Endpointer) GetStats() EndpointerStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	pct := float64(0)
	if e.totalWindows > 0 {
		pct = float64(e.soundWindows) / float64(e.totalWindows) * 100
	}

	return EndpointerStats{
		Detections:    e.detections,
		FailOpen:      e.failOpen,
		TotalWindows:  e.totalWindows,
		SoundWindows:  e.soundWindows,
		SoundPercent:  pct,
		WindowSamples: e.windowSamples,
		EnergyThresh:  e.cfg.EnergyThreshold,
		PeakThresh:    e.cfg.PeakThreshold,
	}
}

// Reset clears statistics
func (e *Endpointer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.detections = 0
	e.failOpen = 0
	e.totalWindows = 0
	e.soundWindows = 0
}
