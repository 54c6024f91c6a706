package commands

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/audio"
)

const testRate = 16000

// writeCall writes 0.25s of silence, a rising 1s chirp and 0.25s of silence.
func writeCall(t *testing.T, path string, base float64) {
	t.Helper()
	out := make([]float32, 3*testRate/2)
	for i := testRate / 4; i < 5*testRate/4; i++ {
		ts := float64(i-testRate/4) / testRate
		out[i] = float32(0.5 * math.Sin(2*math.Pi*(base+300*ts)*ts))
	}
	data, err := audio.EncodeWAV(out, testRate)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, jsonOutput, verbose = "", false, false
	compareMaster, compareAttempt, compareChunk, compareEvery = "", "", 1024, 0
	buildIn, buildOut, buildRate = "", "", 0

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestBuildInspectCompare(t *testing.T) {
	dir := t.TempDir()
	master := filepath.Join(dir, "elk.wav")
	attempt := filepath.Join(dir, "try.wav")
	cache := filepath.Join(dir, "elk.mfc")
	writeCall(t, master, 600)
	writeCall(t, attempt, 600)

	out, err := execute(t, "build", "--in", master, "--out", cache, "--json")
	if err != nil {
		t.Fatalf("build: %v\n%s", err, out)
	}
	var built BuildResult
	if err := json.Unmarshal([]byte(out), &built); err != nil {
		t.Fatalf("build output %q: %v", out, err)
	}
	if built.Frames == 0 || built.Coeffs != 13 || built.Meta.SampleRate != testRate {
		t.Errorf("Unexpected build result: %+v", built)
	}
	if _, err := os.Stat(filepath.Join(dir, "elk.meta")); err != nil {
		t.Errorf("Metadata sidecar missing: %v", err)
	}

	out, err = execute(t, "inspect", cache, "--json")
	if err != nil {
		t.Fatalf("inspect: %v\n%s", err, out)
	}
	var inspected InspectResult
	if err := json.Unmarshal([]byte(out), &inspected); err != nil {
		t.Fatalf("inspect output %q: %v", out, err)
	}
	if inspected.Frames != built.Frames || len(inspected.Coeff) != 13 || inspected.Meta == nil {
		t.Errorf("Unexpected inspect result: %+v", inspected)
	}
	if inspected.DurationMs < 900 || inspected.DurationMs > 1100 {
		t.Errorf("Expected about 1000ms trimmed duration, got %f", inspected.DurationMs)
	}

	for _, m := range []string{master, cache} {
		out, err = execute(t, "compare", "--master", m, "--attempt", attempt, "--chunk", "512", "--every", "10", "--json")
		if err != nil {
			t.Fatalf("compare %s: %v\n%s", m, err, out)
		}
		var res CompareResult
		if err := json.Unmarshal([]byte(out), &res); err != nil {
			t.Fatalf("compare output %q: %v", out, err)
		}
		if res.Final.SimilarityAtFinalize < 0.99 {
			t.Errorf("%s: expected self-match near 1, got %f", m, res.Final.SimilarityAtFinalize)
		}
		if res.Chunks != 47 || len(res.Progress) != 4 {
			t.Errorf("%s: expected 47 chunks and 4 progress points, got %d and %d", m, res.Chunks, len(res.Progress))
		}
	}
}

func TestCompareYAMLOutput(t *testing.T) {
	dir := t.TempDir()
	master := filepath.Join(dir, "a.wav")
	attempt := filepath.Join(dir, "b.wav")
	writeCall(t, master, 600)
	writeCall(t, attempt, 1400)

	out, err := execute(t, "compare", "--master", master, "--attempt", attempt)
	if err != nil {
		t.Fatalf("compare: %v\n%s", err, out)
	}
	for _, want := range []string{"similarity_at_finalize:", "grade:", "sample_rate: 16000"} {
		if !strings.Contains(out, want) {
			t.Errorf("YAML output missing %q:\n%s", want, out)
		}
	}
}

func TestCommandErrors(t *testing.T) {
	dir := t.TempDir()
	wav := filepath.Join(dir, "a.wav")
	writeCall(t, wav, 600)

	tests := []struct {
		name string
		args []string
	}{
		{"missing attempt file", []string{"compare", "--master", wav, "--attempt", filepath.Join(dir, "nope.wav")}},
		{"zero chunk", []string{"compare", "--master", wav, "--attempt", wav, "--chunk", "0"}},
		{"bad output extension", []string{"build", "--in", wav, "--out", filepath.Join(dir, "x.bin")}},
		{"inspect missing", []string{"inspect", filepath.Join(dir, "none.mfc")}},
		{"inspect not a cache", []string{"inspect", wav}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
