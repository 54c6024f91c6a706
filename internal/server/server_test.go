package server

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/engine"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
)

const testRate = 16000

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// call is 0.25s of silence, a rising 1s chirp, then 0.25s of silence.
func call(base float64, rate int) []float32 {
	out := make([]float32, 3*rate/2)
	for i := rate / 4; i < 5*rate/4; i++ {
		ts := float64(i-rate/4) / float64(rate)
		out[i] = float32(0.5 * math.Sin(2*math.Pi*(base+300*ts)*ts))
	}
	return out
}

func newTestEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	cfg := engine.DefaultConfig()
	src := template.MemorySource{
		"elk": {Samples: call(600, testRate), SampleRate: testRate},
	}
	lib := template.NewLibrary(testRate, cfg.BuildConfig, template.WithAudioSource(src))

	e, err := engine.New(cfg, lib, append([]engine.Option{engine.WithLogger(testLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}
