package dtw

import "errors"

const (
	// DistanceScale is the normalized distance at which the score is 0.5.
	DistanceScale = 10.0

	// FairMatchThreshold is the lowest score reported as a fair imitation.
	FairMatchThreshold = 0.5
)

var (
	// ErrEmptySequence indicates one or both inputs are empty.
	ErrEmptySequence = errors.New("dtw: input sequences must be non-empty")

	// ErrWidthMismatch indicates frames with different coefficient counts.
	ErrWidthMismatch = errors.New("dtw: frames have different coefficient counts")
)

// Options constrains the batch alignment band.
type Options struct {
	// Window is the minimum Sakoe-Chiba half-width in frames. 0 with a zero
	// WindowRatio leaves the alignment unconstrained.
	Window int

	// WindowRatio widens the band to this fraction of the longer sequence.
	WindowRatio float64
}

// Result is the outcome of one batch alignment.
type Result struct {
	Cost       float64 `json:"cost"`        // cumulative path cost
	PathLength int     `json:"path_length"` // cells on the optimal path
	Normalized float64 `json:"normalized"`  // Cost / PathLength
	Score      float64 `json:"score"`       // Score(Normalized)

	// UserStart and UserEnd bound the aligned user frames [start, end).
	// Compare always reports the full user range.
	UserStart int `json:"user_start"`
	UserEnd   int `json:"user_end"`
}

// Grade buckets a score for display.
type Grade string

const (
	GradeExcellent Grade = "excellent"
	GradeGood      Grade = "good"
	GradeFair      Grade = "fair"
	GradePoor      Grade = "poor"
)

// GradeOf returns the grade for a score.
func GradeOf(score float64) Grade {
	switch {
	case score >= 0.85:
		return GradeExcellent
	case score >= 0.7:
		return GradeGood
	case score >= FairMatchThreshold:
		return GradeFair
	default:
		return GradePoor
	}
}
