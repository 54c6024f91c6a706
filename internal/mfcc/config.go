package mfcc

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned by New and Validate for unusable parameters.
var ErrInvalidConfig = errors.New("mfcc: invalid config")

// Config controls MFCC extraction parameters.
type Config struct {
	SampleRate int     // audio sample rate in Hz
	FrameSize  int     // analysis frame length in samples (default 512)
	HopSize    int     // samples between frame starts (default 256)
	NumFilters int     // mel filters (default 26)
	NumCoeffs  int     // cepstral coefficients kept per frame (default 13)
	LowFreq    float64 // lowest filterbank frequency in Hz (default 0)
	HighFreq   float64 // highest filterbank frequency in Hz (0 = Nyquist)
}

// DefaultConfig returns the standard config for the given sample rate.
func DefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate: sampleRate,
		FrameSize:  512,
		HopSize:    256,
		NumFilters: 26,
		NumCoeffs:  13,
	}
}

// Nyquist returns the effective upper filterbank frequency.
func (c Config) Nyquist() float64 {
	if c.HighFreq > 0 {
		return c.HighFreq
	}
	return float64(c.SampleRate) / 2
}

// Validate reports the first unusable parameter.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidConfig, c.SampleRate)
	case c.FrameSize <= 1:
		return fmt.Errorf("%w: frame size must be greater than 1, got %d", ErrInvalidConfig, c.FrameSize)
	case c.HopSize <= 0 || c.HopSize > c.FrameSize:
		return fmt.Errorf("%w: hop size must be in [1, %d], got %d", ErrInvalidConfig, c.FrameSize, c.HopSize)
	case c.NumFilters <= 0:
		return fmt.Errorf("%w: filter count must be positive, got %d", ErrInvalidConfig, c.NumFilters)
	case c.NumCoeffs <= 0 || c.NumCoeffs > c.NumFilters:
		return fmt.Errorf("%w: coefficient count must be in [1, %d], got %d", ErrInvalidConfig, c.NumFilters, c.NumCoeffs)
	case c.LowFreq < 0:
		return fmt.Errorf("%w: low frequency must be non-negative, got %.1f", ErrInvalidConfig, c.LowFreq)
	case c.HighFreq > float64(c.SampleRate)/2:
		return fmt.Errorf("%w: high frequency %.1f exceeds Nyquist %.1f", ErrInvalidConfig, c.HighFreq, float64(c.SampleRate)/2)
	case c.LowFreq >= c.Nyquist():
		return fmt.Errorf("%w: low frequency %.1f must be below high frequency %.1f", ErrInvalidConfig, c.LowFreq, c.Nyquist())
	}
	return nil
}
