package engine

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/dtw"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/mfcc"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
)

const testRate = 44100

func sine(freq, amp, seconds float64, rate int) []float32 {
	n := int(seconds * float64(rate))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

// call is 0.5s of silence, a rising 1s chirp, then 0.5s of silence.
func call(base float64, rate int) []float32 {
	out := make([]float32, 2*rate)
	for i := rate / 2; i < 3*rate/2; i++ {
		ts := float64(i-rate/2) / float64(rate)
		out[i] = float32(0.5 * math.Sin(2*math.Pi*(base+200*ts)*ts))
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	src := template.MemorySource{
		"elk":    {Samples: call(600, testRate), SampleRate: testRate},
		"turkey": {Samples: call(1200, testRate), SampleRate: testRate},
	}
	lib := template.NewLibrary(testRate, cfg.BuildConfig, template.WithAudioSource(src))

	e, err := New(cfg, lib, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func feed(t *testing.T, e *Engine, id SessionID, samples []float32, chunk int) {
	t.Helper()
	for off := 0; off < len(samples); off += chunk {
		end := min(off+chunk, len(samples))
		require.Equal(t, StatusOK, e.ProcessAudioChunk(id, samples[off:end]), "chunk at %d", off)
	}
}

func TestScenarioNoMasterNeverScores(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	id := e.CreateSession(testRate).Value()

	tone := sine(440, 0.5, 3, testRate)
	last := 0
	for off := 0; off < len(tone); off += 1024 {
		end := min(off+1024, len(tone))
		require.Equal(t, StatusOK, e.ProcessAudioChunk(id, tone[off:end]))

		score := e.GetSimilarityScore(id)
		assert.False(t, score.OK())
		assert.Contains(t, []Status{StatusNotReady, StatusInsufficientData}, score.Status())

		count := e.GetFeatureCount(id).Value()
		assert.GreaterOrEqual(t, count, last, "feature count decreased")
		last = count
	}

	// (132300 - 512) / 256 + 1 frames.
	assert.Equal(t, 515, last)
	assert.Equal(t, StatusNotReady, e.GetRealtimeSimilarityState(id).Status())
	assert.Equal(t, StatusNotReady, e.FinalizeSessionAnalysis(context.Background(), id).Status())
}

func TestScenarioIdenticalAttemptScoresOne(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	id := e.CreateSession(testRate).Value()
	require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, "elk"))

	attempt := call(600, testRate)
	feed(t, e, id, attempt, 1024)

	state := e.GetRealtimeSimilarityState(id)
	require.True(t, state.OK())
	assert.Equal(t, e.GetFeatureCount(id).Value(), state.Value().FramesObserved)
	assert.Equal(t, 25, state.Value().MinFramesRequired)

	res := e.FinalizeSessionAnalysis(context.Background(), id)
	require.True(t, res.OK(), res.Status().String())
	m := res.Value()

	assert.GreaterOrEqual(t, m.SimilarityAtFinalize, 0.95)
	assert.InDelta(t, 1.0, m.SimilarityAtFinalize, 1e-9)
	assert.InDelta(t, 0.0, m.NormalizedDistance, 1e-9)
	assert.Equal(t, dtw.GradeExcellent, m.Grade)
	assert.True(t, m.Reliable)
	assert.False(t, m.NoSignal)
	assert.False(t, m.Subsequence)
	assert.Equal(t, m.MasterFrames, m.UserFrames)
	assert.InDelta(t, 0.0, m.LoudnessDeviation, 1e-9)
	assert.InDelta(t, 1.0, m.NormalizationScalar, 1e-9)
	assert.InDelta(t, 1.0, m.MeanCosine, 1e-6)
	assert.InDelta(t, 1.0, m.OffsetCosine, 1e-6)

	// The chirp spans [0.5s, 1.5s).
	assert.InDelta(t, 500, m.SegmentStartMs, 20)
	assert.InDelta(t, 1000, m.SegmentDurationMs, 40)
}

func TestScenarioSilenceScoresBelowFair(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	id := e.CreateSession(testRate).Value()
	require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, "elk"))

	feed(t, e, id, make([]float32, 2*testRate), 1024)

	res := e.FinalizeSessionAnalysis(context.Background(), id)
	require.True(t, res.OK(), res.Status().String())
	m := res.Value()

	assert.Less(t, m.SimilarityAtFinalize, dtw.FairMatchThreshold)
	assert.Equal(t, dtw.GradePoor, m.Grade)
	assert.True(t, m.NoSignal)
	assert.False(t, m.Reliable)
	assert.Equal(t, 0, m.SegmentStart)
	assert.Equal(t, 2*testRate, m.SegmentEnd)
	assert.Equal(t, 1.0, m.NormalizationScalar)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	var hooks atomic.Int32
	var report FinalReport
	e := newTestEngine(t, DefaultConfig(), WithFinalizeHook(func(_ context.Context, r FinalReport) {
		hooks.Add(1)
		report = r
	}))

	id := e.CreateSession(testRate).Value()
	require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, "elk"))
	feed(t, e, id, call(700, testRate), 2048)

	first := e.FinalizeSessionAnalysis(context.Background(), id)
	second := e.FinalizeSessionAnalysis(context.Background(), id)
	require.True(t, first.OK())
	require.True(t, second.OK())

	assert.Equal(t, first.Value(), second.Value())
	assert.Equal(t, math.Float64bits(first.Value().SimilarityAtFinalize), math.Float64bits(second.Value().SimilarityAtFinalize))
	assert.Equal(t, int32(1), hooks.Load())
	assert.Equal(t, id, report.SessionID)
	assert.Equal(t, "elk", report.MasterID)
	assert.Equal(t, first.Value(), report.Metrics)

	// Audio after finalize is refused and does not change the features.
	count := e.GetFeatureCount(id).Value()
	assert.Equal(t, StatusInvalidParams, e.ProcessAudioChunk(id, sine(440, 0.5, 0.1, testRate)))
	assert.Equal(t, count, e.GetFeatureCount(id).Value())
	assert.Equal(t, StatusInvalidParams, e.LoadMasterCall(context.Background(), id, "turkey"))
}

func TestDifferentCallsScoreLowerThanSelf(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	score := func(master string, attempt []float32) float64 {
		id := e.CreateSession(testRate).Value()
		require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, master))
		feed(t, e, id, attempt, 4096)
		res := e.FinalizeSessionAnalysis(context.Background(), id)
		require.True(t, res.OK())
		return res.Value().SimilarityAtFinalize
	}

	self := score("elk", call(600, testRate))
	other := score("elk", call(1200, testRate))
	assert.Greater(t, self, other)
}

func TestLongAttemptUsesSubsequence(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	id := e.CreateSession(testRate).Value()
	require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, "elk"))

	// The quiet tone counts as sound, so the trim keeps all five seconds.
	pad := sine(3000, 0.05, 2, testRate)
	attempt := append(append(append([]float32{}, pad...), call(600, testRate)[testRate/2:3*testRate/2]...), pad...)
	feed(t, e, id, attempt, 4096)

	m := e.FinalizeSessionAnalysis(context.Background(), id).Value()
	assert.True(t, m.Subsequence)
	assert.Greater(t, m.UserFrames, m.MasterFrames)
	assert.Less(t, m.AlignedStart, m.AlignedEnd)
	assert.LessOrEqual(t, m.AlignedEnd, m.UserFrames)

	// The master chirp sits after the two-second pad.
	padFrames := 2 * testRate / 256
	assert.InDelta(t, padFrames, m.AlignedStart, 20)
}

func TestLoadMasterAfterAudioReplaysFeatures(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	id := e.CreateSession(testRate).Value()
	feed(t, e, id, call(600, testRate), 1024)

	assert.Equal(t, StatusNotReady, e.GetSimilarityScore(id).Status())
	require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, "elk"))

	state := e.GetRealtimeSimilarityState(id)
	require.True(t, state.OK())
	assert.Equal(t, e.GetFeatureCount(id).Value(), state.Value().FramesObserved)
	assert.Greater(t, state.Value().Score, 0.0)

	// Same id again is a no-op.
	assert.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, "elk"))
}

func TestMasterWithoutFramesYetIsInsufficient(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	id := e.CreateSession(testRate).Value()
	require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, "elk"))

	assert.Equal(t, StatusInsufficientData, e.GetSimilarityScore(id).Status())

	// Less than one frame of audio.
	require.Equal(t, StatusOK, e.ProcessAudioChunk(id, make([]float32, 100)))
	assert.Equal(t, StatusInsufficientData, e.GetSimilarityScore(id).Status())
	assert.Equal(t, StatusInsufficientData, e.FinalizeSessionAnalysis(context.Background(), id).Status())

	// Not fatal: more audio makes the session usable.
	feed(t, e, id, call(600, testRate), 1024)
	assert.True(t, e.FinalizeSessionAnalysis(context.Background(), id).OK())
}

func TestCallerErrors(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	assert.Equal(t, StatusInvalidParams, e.CreateSession(0).Status())
	assert.Equal(t, StatusInvalidParams, e.CreateSession(-8000).Status())
	// An 8 kHz band edge is above Nyquist for 8 kHz audio.
	cfg := DefaultConfig()
	cfg.MFCC.HighFreq = 8000
	e2 := newTestEngine(t, cfg)
	assert.Equal(t, StatusInvalidParams, e2.CreateSession(8000).Status())

	unknown := SessionID("missing")
	assert.Equal(t, StatusSessionNotFound, e.DestroySession(unknown))
	assert.Equal(t, StatusSessionNotFound, e.LoadMasterCall(ctx, unknown, "elk"))
	assert.Equal(t, StatusSessionNotFound, e.ProcessAudioChunk(unknown, []float32{0}))
	assert.Equal(t, StatusSessionNotFound, e.GetSimilarityScore(unknown).Status())
	assert.Equal(t, StatusSessionNotFound, e.GetRealtimeSimilarityState(unknown).Status())
	assert.Equal(t, StatusSessionNotFound, e.FinalizeSessionAnalysis(ctx, unknown).Status())
	assert.Equal(t, StatusSessionNotFound, e.GetFeatureCount(unknown).Status())
	assert.Equal(t, StatusSessionNotFound, e.Session(unknown).Status())

	id := e.CreateSession(testRate).Value()
	assert.Equal(t, StatusInvalidParams, e.ProcessAudioChunk(id, nil))
	assert.Equal(t, StatusInvalidParams, e.ProcessAudioChunk(id, []float32{0, float32(math.NaN())}))
	assert.Equal(t, StatusInvalidParams, e.ProcessAudioChunk(id, []float32{float32(math.Inf(1))}))
	assert.Equal(t, StatusInvalidParams, e.LoadMasterCall(ctx, id, ""))
	assert.Equal(t, StatusInvalidParams, e.LoadMasterCall(ctx, id, "../elk"))
	assert.Equal(t, StatusFileNotFound, e.LoadMasterCall(ctx, id, "moose"))

	// Rejected calls leave no trace.
	assert.Equal(t, 0, e.GetFeatureCount(id).Value())
	assert.Equal(t, StatusNotReady, e.GetSimilarityScore(id).Status())
}

func TestNoLibraryMeansFileNotFound(t *testing.T) {
	e, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	defer e.Close()

	id := e.CreateSession(16000).Value()
	assert.Equal(t, StatusFileNotFound, e.LoadMasterCall(context.Background(), id, "elk"))
}

func TestSessionIDsAreUnique(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	seen := make(map[SessionID]bool)
	for i := 0; i < 100; i++ {
		id := e.CreateSession(16000).Value()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 100, e.ActiveSessions())
	assert.Len(t, e.Sessions(), 100)
}

func TestAudioCapDropsChunk(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessionAudio = 100 * time.Millisecond // 1600 samples at 16kHz
	e := newTestEngine(t, cfg)
	id := e.CreateSession(16000).Value()

	assert.Equal(t, StatusOK, e.ProcessAudioChunk(id, make([]float32, 1000)))
	assert.Equal(t, StatusOutOfMemory, e.ProcessAudioChunk(id, make([]float32, 1000)))
	assert.Equal(t, StatusOK, e.ProcessAudioChunk(id, make([]float32, 600)))

	info := e.Session(id).Value()
	assert.Equal(t, uint64(2), info.ChunksProcessed)
	assert.Equal(t, uint64(1600), info.SamplesProcessed)
	assert.Equal(t, uint64(1), info.ChunksRejected)
}

func TestRingOverrunDropsExcessAndKeepsOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingCapacity = 8
	e := newTestEngine(t, cfg)
	id := e.CreateSession(16000).Value()
	s, _ := e.lookup(id)

	// Hold the session lock so producers can only enqueue.
	s.mu.Lock()
	chunks := make([][]float32, 10)
	for i := range chunks {
		chunks[i] = sine(float64(200+100*i), 0.5, 0.032, 16000) // 512 samples
	}
	var statuses []Status
	for _, c := range chunks {
		statuses = append(statuses, e.ProcessAudioChunk(id, c))
	}
	s.mu.Unlock()
	require.Equal(t, StatusOK, s.drain(e))

	for i, st := range statuses {
		if i < 8 {
			assert.Equal(t, StatusOK, st, "chunk %d", i)
		} else {
			assert.Equal(t, StatusOutOfMemory, st, "chunk %d", i)
		}
	}

	require.Equal(t, StatusOK, e.ProcessAudioChunk(id, chunks[9]))

	var accepted []float32
	for _, c := range append(chunks[:8:8], chunks[9]) {
		accepted = append(accepted, c...)
	}
	want, err := mfcc.ExtractAll(mfcc.DefaultConfig(16000), accepted)
	require.NoError(t, err)

	s.mu.Lock()
	got := s.features.Clone()
	s.mu.Unlock()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDeltaSlice(t, toFloat64s(want[i]), toFloat64s(got[i]), 1e-6, "frame %d", i)
	}
	assert.Equal(t, uint64(2), e.Session(id).Value().ChunksRejected)
}

func toFloat64s(f mfcc.Frame) []float64 {
	out := make([]float64, len(f))
	for i, v := range f {
		out[i] = float64(v)
	}
	return out
}

func TestConcurrentSessionsMatchSequential(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	const n = 8

	attempt := func(i int) []float32 { return call(500+float64(i)*90, testRate) }

	run := func(i int) (float64, FinalMetrics) {
		id := e.CreateSession(testRate).Value()
		defer e.DestroySession(id)
		if e.LoadMasterCall(context.Background(), id, "elk") != StatusOK {
			return -1, FinalMetrics{}
		}
		a := attempt(i)
		for off := 0; off < len(a); off += 1024 {
			if e.ProcessAudioChunk(id, a[off:min(off+1024, len(a))]) != StatusOK {
				return -1, FinalMetrics{}
			}
		}
		provisional := e.GetSimilarityScore(id).Value()
		return provisional, e.FinalizeSessionAnalysis(context.Background(), id).Value()
	}

	seqScores := make([]float64, n)
	seqFinal := make([]FinalMetrics, n)
	for i := 0; i < n; i++ {
		seqScores[i], seqFinal[i] = run(i)
	}

	parScores := make([]float64, n)
	parFinal := make([]FinalMetrics, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			parScores[i], parFinal[i] = run(i)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, seqScores[i], parScores[i], "session %d provisional", i)
		assert.Equal(t, seqFinal[i], parFinal[i], "session %d final", i)
	}
	assert.Zero(t, e.ActiveSessions())
}

func TestConcurrentProducersLoseNothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingCapacity = 256
	e := newTestEngine(t, cfg)
	id := e.CreateSession(16000).Value()

	const producers, chunks, size = 4, 50, 512
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]float32, size)
			for i := range buf {
				buf[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/16000))
			}
			for c := 0; c < chunks; c++ {
				assert.Equal(t, StatusOK, e.ProcessAudioChunk(id, buf))
			}
		}()
	}
	wg.Wait()

	info := e.Session(id).Value()
	assert.Equal(t, uint64(producers*chunks), info.ChunksProcessed)
	assert.Equal(t, uint64(producers*chunks*size), info.SamplesProcessed)
	assert.Equal(t, (producers*chunks*size-512)/256+1, e.GetFeatureCount(id).Value())
}

func TestDestroyWhileProcessing(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	id := e.CreateSession(testRate).Value()
	require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, "elk"))

	chunk := sine(440, 0.5, 0.05, testRate)
	var wg sync.WaitGroup
	var bad atomic.Int32
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				st := e.ProcessAudioChunk(id, chunk)
				switch st {
				case StatusOK, StatusOutOfMemory:
				case StatusSessionNotFound:
					return
				default:
					bad.Add(1)
				}
				e.GetRealtimeSimilarityState(id)
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, StatusOK, e.DestroySession(id))
	wg.Wait()

	assert.Zero(t, bad.Load())
	assert.Equal(t, StatusSessionNotFound, e.ProcessAudioChunk(id, chunk))
	assert.Equal(t, StatusSessionNotFound, e.GetFeatureCount(id).Status())
	assert.Equal(t, StatusSessionNotFound, e.DestroySession(id))
}

func TestFailedSessionIsIsolated(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	bad := e.CreateSession(testRate).Value()
	good := e.CreateSession(testRate).Value()
	require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), good, "elk"))

	// Force an alignment whose frames cannot match the session's.
	s, _ := e.lookup(bad)
	inc, err := dtw.NewIncremental(mfcc.Sequence{{1, 2, 3}}, dtw.DefaultIncrementalOptions())
	require.NoError(t, err)
	s.mu.Lock()
	s.master = &template.Template{ID: "broken", Frames: mfcc.Sequence{{1, 2, 3}}}
	s.inc = inc
	s.mu.Unlock()

	tone := sine(440, 0.5, 0.1, testRate)
	assert.Equal(t, StatusProcessingError, e.ProcessAudioChunk(bad, tone))
	assert.Equal(t, StatusProcessingError, e.ProcessAudioChunk(bad, tone))
	assert.Equal(t, StatusProcessingError, e.GetSimilarityScore(bad).Status())
	assert.Equal(t, StatusProcessingError, e.FinalizeSessionAnalysis(context.Background(), bad).Status())
	assert.True(t, e.Session(bad).Value().Failed)

	feed(t, e, good, call(600, testRate), 1024)
	assert.True(t, e.FinalizeSessionAnalysis(context.Background(), good).OK())
	assert.Equal(t, StatusOK, e.DestroySession(bad))
}

func TestIdleJanitorDestroysSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 20 * time.Millisecond
	cfg.JanitorInterval = 5 * time.Millisecond
	e := newTestEngine(t, cfg)

	id := e.CreateSession(16000).Value()
	assert.Eventually(t, func() bool {
		return e.ActiveSessions() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusSessionNotFound, e.GetFeatureCount(id).Status())
}

func TestCleanupExpiredSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	e := newTestEngine(t, cfg)

	e.CreateSession(16000)
	e.CreateSession(16000)

	assert.Zero(t, e.cleanupExpiredSessions(time.Now()))
	assert.Equal(t, 2, e.cleanupExpiredSessions(time.Now().Add(2*time.Minute)))
	assert.Zero(t, e.ActiveSessions())
}

func TestCloseDestroysSessions(t *testing.T) {
	e, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	id := e.CreateSession(16000).Value()
	e.Close()
	e.Close()

	assert.Equal(t, StatusSessionNotFound, e.GetFeatureCount(id).Status())
	assert.Equal(t, StatusProcessingError, e.CreateSession(16000).Status())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"ring capacity", func(c *Config) { c.RingCapacity = 0 }},
		{"session audio", func(c *Config) { c.MaxSessionAudio = 0 }},
		{"subsequence ratio", func(c *Config) { c.SubsequenceRatio = -1 }},
		{"dtw window", func(c *Config) { c.Batch.Window = -1 }},
		{"idle timeout", func(c *Config) { c.IdleTimeout = -time.Second }},
		{"hop size", func(c *Config) { c.MFCC.HopSize = 1024 }},
		{"coefficients", func(c *Config) { c.MFCC.NumCoeffs = 40 }},
		{"endpoint window", func(c *Config) { c.Endpoint.Window = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			_, err := New(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestUnloadMasterCall(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	id := e.CreateSession(testRate).Value()

	assert.Equal(t, StatusNotReady, e.GetCurrentMasterCall(id).Status())
	assert.Equal(t, StatusOK, e.UnloadMasterCall(id), "unload without a master is a no-op")

	require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, "elk"))
	assert.Equal(t, "elk", e.GetCurrentMasterCall(id).Value())
	elkFrames := e.GetMasterFeatureCount(id).Value()
	assert.Positive(t, elkFrames)

	feed(t, e, id, call(600, testRate), 1024)
	require.True(t, e.GetRealtimeSimilarityState(id).OK())
	count := e.GetFeatureCount(id).Value()

	require.Equal(t, StatusOK, e.UnloadMasterCall(id))
	assert.Equal(t, StatusNotReady, e.GetRealtimeSimilarityState(id).Status())
	assert.Equal(t, StatusNotReady, e.GetSimilarityScore(id).Status())
	assert.Equal(t, StatusNotReady, e.GetCurrentMasterCall(id).Status())
	assert.Equal(t, StatusNotReady, e.GetMasterFeatureCount(id).Status())
	assert.Equal(t, StatusNotReady, e.FinalizeSessionAnalysis(context.Background(), id).Status())
	assert.Equal(t, count, e.GetFeatureCount(id).Value())

	// Reloading aligns the kept features against the new master.
	require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, "elk"))
	state := e.GetRealtimeSimilarityState(id)
	require.True(t, state.OK())
	assert.Equal(t, count, state.Value().FramesObserved)

	info := e.Session(id).Value()
	assert.Equal(t, "elk", info.MasterID)
	assert.Equal(t, elkFrames, info.MasterFrames)
	assert.InDelta(t, time.Second.Seconds(), info.MasterDuration.Seconds(), 0.05)

	require.True(t, e.FinalizeSessionAnalysis(context.Background(), id).OK())
	assert.Equal(t, StatusInvalidParams, e.UnloadMasterCall(id))
	assert.Equal(t, "elk", e.GetCurrentMasterCall(id).Value())

	unknown := SessionID("missing")
	assert.Equal(t, StatusSessionNotFound, e.UnloadMasterCall(unknown))
	assert.Equal(t, StatusSessionNotFound, e.GetCurrentMasterCall(unknown).Status())
	assert.Equal(t, StatusSessionNotFound, e.GetMasterFeatureCount(unknown).Status())
	assert.Equal(t, StatusSessionNotFound, e.GetSessionDuration(unknown).Status())
	assert.Equal(t, StatusSessionNotFound, e.ResetSession(unknown))
}

func TestResetSessionReproducesScore(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	id := e.CreateSession(testRate).Value()
	require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, "elk"))

	attempt := call(700, testRate)
	feed(t, e, id, attempt, 1024)
	first := e.GetRealtimeSimilarityState(id)
	require.True(t, first.OK())
	count := e.GetFeatureCount(id).Value()
	resetAt := time.Now()

	require.Equal(t, StatusOK, e.ResetSession(id))
	assert.Equal(t, 0, e.GetFeatureCount(id).Value())
	assert.Equal(t, StatusInsufficientData, e.GetRealtimeSimilarityState(id).Status())
	assert.Equal(t, "elk", e.GetCurrentMasterCall(id).Value(), "reset keeps the master")
	assert.False(t, e.Session(id).Value().AttemptStart.Before(resetAt.Round(0)))
	assert.GreaterOrEqual(t, e.GetSessionDuration(id).Value(), time.Duration(0))

	// A different chunking of the same audio lands on the same frames.
	feed(t, e, id, attempt, 700)
	second := e.GetRealtimeSimilarityState(id)
	require.True(t, second.OK())
	assert.Equal(t, count, e.GetFeatureCount(id).Value())
	assert.Equal(t, first.Value(), second.Value())

	res := e.FinalizeSessionAnalysis(context.Background(), id)
	require.True(t, res.OK())
	assert.Equal(t, StatusInvalidParams, e.ResetSession(id))
	assert.Equal(t, count, e.GetFeatureCount(id).Value())
}

func TestResetSessionReleasesAudioCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessionAudio = 100 * time.Millisecond // 1600 samples at 16kHz
	e := newTestEngine(t, cfg)
	id := e.CreateSession(16000).Value()

	require.Equal(t, StatusOK, e.ProcessAudioChunk(id, make([]float32, 1600)))
	require.Equal(t, StatusOutOfMemory, e.ProcessAudioChunk(id, make([]float32, 1)))

	require.Equal(t, StatusOK, e.ResetSession(id))
	assert.Equal(t, StatusOK, e.ProcessAudioChunk(id, make([]float32, 1600)))
}

func TestChunkTakenByInFlightFinalizeIsAccepted(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	id := e.CreateSession(testRate).Value()
	require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, "elk"))
	feed(t, e, id, call(600, testRate), 1024)
	s, _ := e.lookup(id)
	count := e.GetFeatureCount(id).Value()

	s.finalizing.Add(1)
	s.mu.Lock()
	done := make(chan Status, 1)
	go func() { done <- e.ProcessAudioChunk(id, make([]float32, 1024)) }()
	require.Eventually(t, func() bool { return s.ring.Len() == 1 }, time.Second, time.Millisecond)

	_, first, st := e.finalizeLocked(s)
	s.mu.Unlock()
	s.finalizing.Add(-1)
	require.Equal(t, StatusOK, st)
	require.True(t, first)

	assert.Equal(t, StatusOK, <-done)
	assert.Equal(t, 0, s.ring.Len())
	assert.Greater(t, e.GetFeatureCount(id).Value(), count, "the chunk was scored")
}

func TestChunkAfterFinalizeFreezeIsRefused(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	id := e.CreateSession(testRate).Value()
	require.Equal(t, StatusOK, e.LoadMasterCall(context.Background(), id, "elk"))
	feed(t, e, id, call(600, testRate), 1024)
	s, _ := e.lookup(id)
	count := e.GetFeatureCount(id).Value()

	// Finalize has frozen the features but not yet published that it has.
	s.finalizing.Add(1)
	s.mu.Lock()
	pending := s.snap.Load()
	_, _, st := e.finalizeLocked(s)
	require.Equal(t, StatusOK, st)
	frozen := s.snap.Load()
	s.snap.Store(pending)

	done := make(chan Status, 1)
	go func() { done <- e.ProcessAudioChunk(id, make([]float32, 1024)) }()
	require.Eventually(t, func() bool { return s.ring.Len() == 1 }, time.Second, time.Millisecond)

	s.snap.Store(frozen)
	s.mu.Unlock()
	s.finalizing.Add(-1)

	assert.Equal(t, StatusInvalidParams, <-done)
	assert.Equal(t, count, e.GetFeatureCount(id).Value())
}
