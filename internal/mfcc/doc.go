// Package mfcc computes Mel-Frequency Cepstral Coefficients from mono PCM.
//
// The Extractor is streaming: it keeps the samples that have not yet filled a
// whole analysis frame and emits frames as soon as enough audio has arrived,
// so feeding a signal in arbitrary chunks produces the same frames as feeding
// it in one call.
//
// Per frame the pipeline is:
//
//	Hamming window -> power spectrum (real FFT) -> triangular mel filterbank
//	-> natural log floored at 1e-10 -> orthonormal DCT-II -> first N coefficients
//
// Default parameters:
//
//	FrameSize:  512
//	HopSize:    256
//	NumFilters: 26
//	NumCoeffs:  13
//	LowFreq:    0
//	HighFreq:   SampleRate/2
package mfcc
