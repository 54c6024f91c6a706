package dtw

import (
	"gonum.org/v1/gonum/floats"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/mfcc"
)

const (
	offsetSearch  = 10 // frames tried either side of zero lag
	offsetOverlap = 6  // minimum overlapping frames for a lag to count
)

func toFloat64(f mfcc.Frame) []float64 {
	out := make([]float64, len(f))
	for i, v := range f {
		out[i] = float64(v)
	}
	return out
}

// cosine returns the cosine similarity of a and b, 0 if either is all zero.
func cosine(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

func unit(c float64) float64 {
	return min(1, max(0, 0.5*(c+1)))
}

func mean(seq mfcc.Sequence) []float64 {
	out := make([]float64, seq.Width())
	for _, f := range seq {
		floats.Add(out, toFloat64(f))
	}
	floats.Scale(1/float64(len(seq)), out)
	return out
}

// MeanCosine compares the average spectral envelope of two sequences and
// maps the cosine to [0, 1]. ok is false when either sequence is empty.
func MeanCosine(master, user mfcc.Sequence) (score float64, ok bool) {
	if checkInputs(master, user) != nil {
		return 0, false
	}
	return unit(cosine(mean(master), mean(user))), true
}

// OffsetCosine slides user against master by up to 10 frames either way and
// returns the best mean framewise cosine, mapped to [0, 1]. Lags with fewer
// than 6 overlapping frames are skipped; ok is false when none qualify.
func OffsetCosine(master, user mfcc.Sequence) (score float64, ok bool) {
	if checkInputs(master, user) != nil {
		return 0, false
	}

	mv := make([][]float64, len(master))
	for i, f := range master {
		mv[i] = toFloat64(f)
	}
	uv := make([][]float64, len(user))
	for i, f := range user {
		uv[i] = toFloat64(f)
	}

	best := -1.0
	for lag := -offsetSearch; lag <= offsetSearch; lag++ {
		sum, count := 0.0, 0
		for i := range mv {
			j := i + lag
			if j < 0 || j >= len(uv) {
				continue
			}
			sum += cosine(mv[i], uv[j])
			count++
		}
		if count < offsetOverlap {
			continue
		}
		if avg := sum / float64(count); avg > best {
			best = avg
			ok = true
		}
	}

	if !ok {
		return 0, false
	}
	return unit(best), true
}
