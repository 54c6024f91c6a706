package template

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// resampleTail is the silence appended to push the filter's delayed output
// out before the result is cut to length.
const resampleTail = 4096

// Resample converts mono samples from one rate to another.
func Resample(samples []float32, from, to int) ([]float32, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", from, to)
	}
	if from == to || len(samples) == 0 {
		return samples, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	input := make([]float64, len(samples)+resampleTail)
	for i, s := range samples {
		input[i] = float64(s)
	}

	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	want := int(int64(len(samples)) * int64(to) / int64(from))
	if len(output) < want {
		want = len(output)
	}

	out := make([]float32, want)
	for i := range out {
		out[i] = float32(output[i])
	}
	return out, nil
}
