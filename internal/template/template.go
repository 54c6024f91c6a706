package template

import (
	"time"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/mfcc"
)

// Template is a loaded master call. It is never modified after it leaves the
// Library, so sessions share it by pointer.
type Template struct {
	ID     string
	Frames mfcc.Sequence
	Meta   Metadata
}

// Metadata describes how a template was produced.
type Metadata struct {
	SampleRate    int       `json:"sample_rate" msgpack:"sample_rate"`
	CoeffCount    int       `json:"coeff_count" msgpack:"coeff_count"`
	FrameSize     int       `json:"frame_size" msgpack:"frame_size"`
	HopSize       int       `json:"hop_size" msgpack:"hop_size"`
	SourceSamples int       `json:"source_samples" msgpack:"source_samples"`
	SegmentStart  int       `json:"segment_start" msgpack:"segment_start"`
	SegmentEnd    int       `json:"segment_end" msgpack:"segment_end"`
	NoSignal      bool      `json:"no_signal" msgpack:"no_signal"`
	RMS           float64   `json:"rms" msgpack:"rms"`
	Source        string    `json:"source" msgpack:"source"`
	CreatedAt     time.Time `json:"created_at" msgpack:"created_at"`
}

// Len returns the number of frames.
func (t *Template) Len() int { return len(t.Frames) }

// Width returns the coefficient count per frame.
func (t *Template) Width() int { return t.Frames.Width() }

// Duration returns the trimmed source duration, 0 if unknown.
func (t *Template) Duration() time.Duration {
	if t.Meta.SampleRate <= 0 {
		return 0
	}
	n := t.Meta.SegmentEnd - t.Meta.SegmentStart
	return time.Duration(n) * time.Second / time.Duration(t.Meta.SampleRate)
}
