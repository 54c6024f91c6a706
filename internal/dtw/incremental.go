package dtw

import (
	"math"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/mfcc"
)

// IncrementalOptions controls streaming alignment and its reliability gate.
type IncrementalOptions struct {
	Window          int     // band half-width in frames, 0 = unconstrained
	MinFrames       int     // frames required before a score can be reliable
	StableUpdates   int     // K: recent scores that must agree
	StableTolerance float64 // max spread of the last K scores
}

// DefaultIncrementalOptions returns the streaming defaults.
func DefaultIncrementalOptions() IncrementalOptions {
	return IncrementalOptions{
		MinFrames:       25,
		StableUpdates:   5,
		StableTolerance: 0.02,
	}
}

// State is a point-in-time view of an Incremental alignment.
type State struct {
	Score      float64 `json:"score"`
	Normalized float64 `json:"normalized"`
	Frames     int     `json:"frames"`
	MinFrames  int     `json:"min_frames"`
	Reliable   bool    `json:"reliable"`
}

// Incremental extends a DTW alignment one user frame at a time against a
// fixed master sequence. It is not safe for concurrent use.
type Incremental struct {
	master mfcc.Sequence
	opts   IncrementalOptions

	prev, cur []cell
	frames    int

	score      float64
	normalized float64
	recent     []float64 // ring of the last StableUpdates scores
	recentLen  int
}

// NewIncremental prepares a streaming alignment against master. master is
// read, never modified.
func NewIncremental(master mfcc.Sequence, opts IncrementalOptions) (*Incremental, error) {
	if len(master) == 0 {
		return nil, ErrEmptySequence
	}
	if err := checkInputs(master, master); err != nil {
		return nil, err
	}
	if opts.StableUpdates <= 0 {
		opts.StableUpdates = 1
	}
	if opts.MinFrames <= 0 {
		opts.MinFrames = 1
	}

	return &Incremental{
		master:     master,
		opts:       opts,
		prev:       make([]cell, len(master)),
		cur:        make([]cell, len(master)),
		normalized: math.Inf(1),
		recent:     make([]float64, opts.StableUpdates),
	}, nil
}

// Push aligns one more user frame and returns the provisional score.
func (inc *Incremental) Push(frame mfcc.Frame) (float64, error) {
	if len(frame) != len(inc.master[0]) {
		return 0, ErrWidthMismatch
	}

	j := inc.frames
	w := inc.opts.Window
	if w <= 0 {
		w = math.MaxInt32
	}

	bestNorm := math.Inf(1)
	for i := range inc.master {
		if abs(i-j) > w {
			inc.cur[i] = unreachable
			continue
		}

		var from cell
		switch {
		case i == 0 && j == 0:
			from = cell{}
		case j == 0:
			from = inc.cur[i-1]
		case i == 0:
			from = inc.prev[0]
		default:
			from = best3(inc.prev[i-1], inc.cur[i-1], inc.prev[i])
		}

		if math.IsInf(from.cost, 1) {
			inc.cur[i] = unreachable
			continue
		}

		c := cell{cost: from.cost + Distance(inc.master[i], frame), steps: from.steps + 1}
		inc.cur[i] = c
		if norm := c.cost / float64(c.steps); norm < bestNorm {
			bestNorm = norm
		}
	}

	inc.prev, inc.cur = inc.cur, inc.prev
	inc.frames++

	// Past the band every cell is unreachable; hold the last score.
	if !math.IsInf(bestNorm, 1) {
		inc.normalized = bestNorm
		inc.score = Score(bestNorm)
	}

	inc.recent[inc.recentLen%len(inc.recent)] = inc.score
	inc.recentLen++

	return inc.score, nil
}

// Score returns the latest provisional score, 0 before any frame.
func (inc *Incremental) Score() float64 { return inc.score }

// Frames returns the number of user frames pushed.
func (inc *Incremental) Frames() int { return inc.frames }

// Ready reports whether at least one user frame has been aligned.
func (inc *Incremental) Ready() bool { return inc.frames > 0 }

// Reliable reports whether enough frames were seen and the last K scores
// agree within tolerance.
func (inc *Incremental) Reliable() bool {
	if inc.frames < inc.opts.MinFrames || inc.recentLen < len(inc.recent) {
		return false
	}
	lo, hi := inc.recent[0], inc.recent[0]
	for _, s := range inc.recent[1:] {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	return hi-lo <= inc.opts.StableTolerance
}

// State returns the current provisional result.
func (inc *Incremental) State() State {
	return State{
		Score:      inc.score,
		Normalized: inc.normalized,
		Frames:     inc.frames,
		MinFrames:  inc.opts.MinFrames,
		Reliable:   inc.Reliable(),
	}
}

// MasterLen returns the number of master frames.
func (inc *Incremental) MasterLen() int { return len(inc.master) }
