package mfcc

import "math"

// hammingWindow generates a Hamming window of the given length.
func hammingWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// hzToMel converts frequency in Hz to the HTK mel scale.
func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

// melToHz converts mel scale frequency back to Hz.
func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// melFilterBank creates triangular filters evaluated at each FFT bin's
// centre frequency. Returns [numFilters][frameSize/2+1].
func melFilterBank(numFilters, frameSize, sampleRate int, lowFreq, highFreq float64) [][]float64 {
	halfFFT := frameSize/2 + 1
	lowMel := hzToMel(lowFreq)
	highMel := hzToMel(highFreq)

	edges := make([]float64, numFilters+2)
	step := (highMel - lowMel) / float64(numFilters+1)
	for i := range edges {
		edges[i] = melToHz(lowMel + float64(i)*step)
	}

	binHz := float64(sampleRate) / float64(frameSize)
	bank := make([][]float64, numFilters)
	for m := 0; m < numFilters; m++ {
		left, center, right := edges[m], edges[m+1], edges[m+2]
		filter := make([]float64, halfFFT)
		for k := 0; k < halfFFT; k++ {
			f := float64(k) * binHz
			switch {
			case f > left && f <= center:
				filter[k] = (f - left) / (center - left)
			case f > center && f < right:
				filter[k] = (right - f) / (right - center)
			}
		}
		bank[m] = filter
	}
	return bank
}

// dctMatrix returns the orthonormal DCT-II basis truncated to numCoeffs rows.
func dctMatrix(numCoeffs, numFilters int) [][]float64 {
	n := float64(numFilters)
	out := make([][]float64, numCoeffs)
	for k := range out {
		scale := math.Sqrt(2 / n)
		if k == 0 {
			scale = math.Sqrt(1 / n)
		}
		row := make([]float64, numFilters)
		for i := range row {
			row[i] = scale * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*n))
		}
		out[k] = row
	}
	return out
}
