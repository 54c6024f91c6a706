package mfcc

import (
	"errors"
	"math"
	"testing"
)

func tone(n, sampleRate int, freq, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig(44100)

	tests := []struct {
		name      string
		mutate    func(*Config)
		expectErr bool
	}{
		{name: "default", mutate: func(c *Config) {}, expectErr: false},
		{name: "zero sample rate", mutate: func(c *Config) { c.SampleRate = 0 }, expectErr: true},
		{name: "negative sample rate", mutate: func(c *Config) { c.SampleRate = -8000 }, expectErr: true},
		{name: "zero frame size", mutate: func(c *Config) { c.FrameSize = 0 }, expectErr: true},
		{name: "hop larger than frame", mutate: func(c *Config) { c.HopSize = 1024 }, expectErr: true},
		{name: "zero hop", mutate: func(c *Config) { c.HopSize = 0 }, expectErr: true},
		{name: "more coeffs than filters", mutate: func(c *Config) { c.NumCoeffs = 40 }, expectErr: true},
		{name: "high above nyquist", mutate: func(c *Config) { c.HighFreq = 30000 }, expectErr: true},
		{name: "low above high", mutate: func(c *Config) { c.LowFreq = 5000; c.HighFreq = 4000 }, expectErr: true},
		{name: "explicit band", mutate: func(c *Config) { c.LowFreq = 100; c.HighFreq = 8000 }, expectErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			_, err := New(cfg)
			if tt.expectErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("Expected ErrInvalidConfig, got %v", err)
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestExtractFrameCount(t *testing.T) {
	cfg := DefaultConfig(16000)
	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if frames := e.Extract(make([]float32, cfg.FrameSize-1)); len(frames) != 0 {
		t.Fatalf("Expected no frames before a full frame, got %d", len(frames))
	}
	if frames := e.Extract(make([]float32, 1)); len(frames) != 1 {
		t.Fatalf("Expected exactly one frame, got %d", len(frames))
	}
	if e.Pending() != cfg.FrameSize-cfg.HopSize {
		t.Errorf("Expected %d pending samples, got %d", cfg.FrameSize-cfg.HopSize, e.Pending())
	}

	// Several hops in one chunk yield several frames.
	frames := e.Extract(make([]float32, cfg.HopSize*3))
	if len(frames) != 3 {
		t.Errorf("Expected 3 frames, got %d", len(frames))
	}
	if e.Emitted() != 4 {
		t.Errorf("Expected 4 emitted frames, got %d", e.Emitted())
	}
}

func TestExtractStreamingMatchesOneShot(t *testing.T) {
	cfg := DefaultConfig(44100)
	signal := tone(44100/2, 44100, 440, 0.5)

	whole, err := ExtractAll(cfg, signal)
	if err != nil {
		t.Fatal(err)
	}
	expected := (len(signal)-cfg.FrameSize)/cfg.HopSize + 1
	if len(whole) != expected {
		t.Fatalf("Expected %d frames, got %d", expected, len(whole))
	}

	for _, chunk := range []int{1, 100, 256, 1000, 1024, 4096} {
		e, _ := New(cfg)
		var streamed Sequence
		for off := 0; off < len(signal); off += chunk {
			end := min(off+chunk, len(signal))
			streamed = append(streamed, e.Extract(signal[off:end])...)
		}

		if len(streamed) != len(whole) {
			t.Fatalf("chunk %d: expected %d frames, got %d", chunk, len(whole), len(streamed))
		}
		for i := range whole {
			for k := range whole[i] {
				if streamed[i][k] != whole[i][k] {
					t.Fatalf("chunk %d: frame %d coeff %d differs: %v vs %v", chunk, i, k, streamed[i][k], whole[i][k])
				}
			}
		}
	}
}

func TestExtractSilenceIsFinite(t *testing.T) {
	cfg := DefaultConfig(44100)
	frames, err := ExtractAll(cfg, make([]float32, 44100/4))
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) == 0 {
		t.Fatal("Expected frames from silence")
	}

	loud, _ := ExtractAll(cfg, tone(44100/4, 44100, 440, 0.5))

	for i, f := range frames {
		if len(f) != cfg.NumCoeffs {
			t.Fatalf("frame %d: expected %d coeffs, got %d", i, cfg.NumCoeffs, len(f))
		}
		for k, v := range f {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("frame %d coeff %d is not finite: %v", i, k, v)
			}
		}
		// c0 tracks overall log energy.
		if f[0] >= loud[i][0] {
			t.Errorf("frame %d: silence c0 %v not below tone c0 %v", i, f[0], loud[i][0])
		}
	}
}

func TestExtractDistinguishesPitch(t *testing.T) {
	cfg := DefaultConfig(44100)
	low, _ := ExtractAll(cfg, tone(4096, 44100, 300, 0.5))
	high, _ := ExtractAll(cfg, tone(4096, 44100, 3000, 0.5))
	same, _ := ExtractAll(cfg, tone(4096, 44100, 300, 0.5))

	dist := func(a, b Frame) float64 {
		s := 0.0
		for i := range a {
			d := float64(a[i] - b[i])
			s += d * d
		}
		return math.Sqrt(s)
	}

	mid := len(low) / 2
	if d := dist(low[mid], same[mid]); d != 0 {
		t.Errorf("Expected identical frames for identical input, distance %v", d)
	}
	if d := dist(low[mid], high[mid]); d < 1 {
		t.Errorf("Expected clearly different frames for 300Hz vs 3000Hz, distance %v", d)
	}
}

func TestReset(t *testing.T) {
	e, _ := New(DefaultConfig(8000))
	e.Extract(make([]float32, 700))
	e.Reset()

	if e.Pending() != 0 || e.Emitted() != 0 {
		t.Errorf("Expected reset extractor, pending=%d emitted=%d", e.Pending(), e.Emitted())
	}
}

func TestMelFilterBankCoversBand(t *testing.T) {
	bank := melFilterBank(26, 512, 44100, 0, 22050)
	if len(bank) != 26 {
		t.Fatalf("Expected 26 filters, got %d", len(bank))
	}
	for m, filter := range bank {
		peak := 0.0
		for _, w := range filter {
			if w < 0 || w > 1 {
				t.Fatalf("filter %d has weight %v outside [0,1]", m, w)
			}
			peak = math.Max(peak, w)
		}
		if m > 3 && peak == 0 {
			t.Errorf("filter %d has no support", m)
		}
	}
}

func TestDCTOrthonormal(t *testing.T) {
	d := dctMatrix(13, 26)
	for a := range d {
		for b := range d {
			dot := 0.0
			for i := range d[a] {
				dot += d[a][i] * d[b][i]
			}
			want := 0.0
			if a == b {
				want = 1
			}
			if math.Abs(dot-want) > 1e-9 {
				t.Fatalf("rows %d,%d: dot %v, expected %v", a, b, dot, want)
			}
		}
	}
}

func TestSequenceClone(t *testing.T) {
	s := Sequence{{1, 2}, {3, 4}}
	c := s.Clone()
	c[0][0] = 9
	if s[0][0] != 1 {
		t.Error("Clone shares frame storage")
	}
	if s.Width() != 2 || (Sequence{}).Width() != 0 {
		t.Error("Unexpected Width")
	}
}
