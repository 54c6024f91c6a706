package dtw

import (
	"math"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/mfcc"
)

// cell is one DP entry: cumulative cost, path length and, for subsequence
// alignment, the user frame the path started at.
type cell struct {
	cost  float64
	steps int
	start int
}

var unreachable = cell{cost: math.Inf(1)}

// better orders cells by cost, then by path length.
func better(a, b cell) bool {
	return a.cost < b.cost || (a.cost == b.cost && a.steps < b.steps)
}

// best3 returns the preferred of the diagonal, vertical and horizontal
// predecessors. The diagonal is first so it wins full ties.
func best3(diag, up, left cell) cell {
	b := diag
	if better(up, b) {
		b = up
	}
	if better(left, b) {
		b = left
	}
	return b
}

// Distance returns the Euclidean distance between two frames of equal width.
func Distance(a, b mfcc.Frame) float64 {
	sum := 0.0
	for k := range a {
		d := float64(a[k]) - float64(b[k])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Score maps a normalized distance to (0, 1]. It is strictly decreasing and
// Score(0) == 1.
func Score(normalized float64) float64 {
	if normalized < 0 || math.IsNaN(normalized) {
		return 0
	}
	return 1 / (1 + normalized/DistanceScale)
}

func checkInputs(a, b mfcc.Sequence) error {
	if len(a) == 0 || len(b) == 0 {
		return ErrEmptySequence
	}
	w := len(a[0])
	for _, seq := range []mfcc.Sequence{a, b} {
		for _, f := range seq {
			if len(f) != w {
				return ErrWidthMismatch
			}
		}
	}
	return nil
}

// band returns the effective half-width for an m x n alignment. The result is
// never narrower than |m-n| so the end cell stays reachable.
func band(m, n int, opts *Options) int {
	if opts == nil || (opts.Window <= 0 && opts.WindowRatio <= 0) {
		return math.MaxInt32
	}
	w := opts.Window
	if r := int(math.Ceil(opts.WindowRatio * float64(max(m, n)))); r > w {
		w = r
	}
	if d := abs(m - n); d > w {
		w = d
	}
	return w
}

// Compare aligns the whole master against the whole user sequence.
func Compare(master, user mfcc.Sequence, opts *Options) (Result, error) {
	if err := checkInputs(master, user); err != nil {
		return Result{}, err
	}

	m, n := len(master), len(user)
	w := band(m, n, opts)

	prev := make([]cell, m)
	cur := make([]cell, m)

	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			if abs(i-j) > w {
				cur[i] = unreachable
				continue
			}

			var from cell
			switch {
			case i == 0 && j == 0:
				from = cell{}
			case j == 0:
				from = cur[i-1]
			case i == 0:
				from = prev[0]
			default:
				from = best3(prev[i-1], cur[i-1], prev[i])
			}

			if math.IsInf(from.cost, 1) {
				cur[i] = unreachable
				continue
			}
			cur[i] = cell{
				cost:  from.cost + Distance(master[i], user[j]),
				steps: from.steps + 1,
			}
		}
		prev, cur = cur, prev
	}

	end := prev[m-1]
	return finish(end, 0, n), nil
}

// CompareSubsequence aligns the whole master against the span of user that
// matches it best. The span may start and end at any user frame.
func CompareSubsequence(master, user mfcc.Sequence) (Result, error) {
	if err := checkInputs(master, user); err != nil {
		return Result{}, err
	}

	m, n := len(master), len(user)
	prev := make([]cell, m)
	cur := make([]cell, m)

	bestEnd := -1
	var bestCell cell

	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			var from cell
			switch {
			case i == 0:
				// Free start: the path may begin at any user frame.
				from = cell{start: j}
			case j == 0:
				from = cur[i-1]
			default:
				from = best3(prev[i-1], cur[i-1], prev[i])
			}

			cur[i] = cell{
				cost:  from.cost + Distance(master[i], user[j]),
				steps: from.steps + 1,
				start: from.start,
			}
		}

		end := cur[m-1]
		if bestEnd < 0 || end.cost/float64(end.steps) < bestCell.cost/float64(bestCell.steps) {
			bestEnd = j
			bestCell = end
		}
		prev, cur = cur, prev
	}

	return finish(bestCell, bestCell.start, bestEnd+1), nil
}

func finish(end cell, userStart, userEnd int) Result {
	if end.steps == 0 || math.IsInf(end.cost, 1) {
		return Result{Cost: math.Inf(1), Normalized: math.Inf(1), UserStart: userStart, UserEnd: userEnd}
	}
	normalized := end.cost / float64(end.steps)
	return Result{
		Cost:       end.cost,
		PathLength: end.steps,
		Normalized: normalized,
		Score:      Score(normalized),
		UserStart:  userStart,
		UserEnd:    userEnd,
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
