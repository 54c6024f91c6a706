package mfcc

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// logFloor keeps silent filterbank outputs finite.
const logFloor = 1e-10

// Frame is one vector of cepstral coefficients.
type Frame []float32

// Sequence is an ordered run of frames.
type Sequence []Frame

// Extractor turns a stream of samples into MFCC frames. It is not safe for
// concurrent use; each audio stream owns its own Extractor.
type Extractor struct {
	cfg    Config
	window []float64
	bank   [][]float64
	dct    [][]float64
	fft    *fourier.FFT

	pending []float32 // samples not yet consumed by a full hop

	frameBuf []float64
	spectrum []complex128
	power    []float64
	logMel   []float64
	emitted  int
}

// New creates an Extractor. The config is validated here so that extraction
// itself never fails.
func New(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	halfFFT := cfg.FrameSize/2 + 1
	return &Extractor{
		cfg:      cfg,
		window:   hammingWindow(cfg.FrameSize),
		bank:     melFilterBank(cfg.NumFilters, cfg.FrameSize, cfg.SampleRate, cfg.LowFreq, cfg.Nyquist()),
		dct:      dctMatrix(cfg.NumCoeffs, cfg.NumFilters),
		fft:      fourier.NewFFT(cfg.FrameSize),
		pending:  make([]float32, 0, cfg.FrameSize*2),
		frameBuf: make([]float64, cfg.FrameSize),
		spectrum: make([]complex128, halfFFT),
		power:    make([]float64, halfFFT),
		logMel:   make([]float64, cfg.NumFilters),
	}, nil
}

// Config returns the extractor configuration.
func (e *Extractor) Config() Config { return e.cfg }

// Emitted returns the number of frames produced since creation or Reset.
func (e *Extractor) Emitted() int { return e.emitted }

// Extract appends samples to the retained residual and returns every frame
// that became complete. A call may return no frames.
func (e *Extractor) Extract(samples []float32) []Frame {
	e.pending = append(e.pending, samples...)

	var frames []Frame
	start := 0
	for len(e.pending)-start >= e.cfg.FrameSize {
		frames = append(frames, e.compute(e.pending[start:start+e.cfg.FrameSize]))
		start += e.cfg.HopSize
	}

	if start > 0 {
		e.pending = append(e.pending[:0], e.pending[start:]...)
	}
	e.emitted += len(frames)
	return frames
}

// Pending returns the number of retained samples awaiting a full frame.
func (e *Extractor) Pending() int { return len(e.pending) }

// Reset drops the retained residual.
func (e *Extractor) Reset() {
	e.pending = e.pending[:0]
	e.emitted = 0
}

func (e *Extractor) compute(samples []float32) Frame {
	for i, s := range samples {
		e.frameBuf[i] = float64(s) * e.window[i]
	}

	coeffs := e.fft.Coefficients(e.spectrum, e.frameBuf)
	for k, c := range coeffs {
		re, im := real(c), imag(c)
		e.power[k] = re*re + im*im
	}

	for m, filter := range e.bank {
		sum := 0.0
		for k, w := range filter {
			if w != 0 {
				sum += w * e.power[k]
			}
		}
		if sum < logFloor {
			sum = logFloor
		}
		e.logMel[m] = math.Log(sum)
	}

	out := make(Frame, e.cfg.NumCoeffs)
	for k, basis := range e.dct {
		v := 0.0
		for i, b := range basis {
			v += b * e.logMel[i]
		}
		out[k] = float32(v)
	}
	return out
}

// ExtractAll runs a fresh extractor over samples. It yields the same frames
// as streaming the same samples through Extract in any chunking.
func ExtractAll(cfg Config, samples []float32) (Sequence, error) {
	e, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return e.Extract(samples), nil
}

// Clone returns a deep copy of the sequence.
func (s Sequence) Clone() Sequence {
	out := make(Sequence, len(s))
	for i, f := range s {
		out[i] = append(Frame(nil), f...)
	}
	return out
}

// Width returns the coefficient count of the first frame, or 0 when empty.
func (s Sequence) Width() int {
	if len(s) == 0 {
		return 0
	}
	return len(s[0])
}
