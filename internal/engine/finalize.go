package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/dtw"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/mfcc"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/vad"
)

const (
	minNormalizationScalar = 0.25
	maxNormalizationScalar = 4.0
)

// FinalMetrics is the refined result of a finished attempt.
type FinalMetrics struct {
	SimilarityAtFinalize float64   `json:"similarity_at_finalize"`
	Reliable             bool      `json:"reliable"`
	Grade                dtw.Grade `json:"grade"`

	// Trimmed segment of the session audio, in samples and milliseconds.
	SegmentStart      int     `json:"segment_start"`
	SegmentEnd        int     `json:"segment_end"`
	SegmentStartMs    float64 `json:"segment_start_ms"`
	SegmentDurationMs float64 `json:"segment_duration_ms"`
	NoSignal          bool    `json:"no_signal"`

	UserFrames         int     `json:"user_frames"`
	MasterFrames       int     `json:"master_frames"`
	NormalizedDistance float64 `json:"normalized_distance"`

	// Subsequence is set when the master was aligned against a span of a
	// longer attempt; AlignedStart and AlignedEnd bound that span in frames.
	Subsequence  bool `json:"subsequence"`
	AlignedStart int  `json:"aligned_start"`
	AlignedEnd   int  `json:"aligned_end"`

	ProvisionalScore    float64 `json:"provisional_score"`
	MeanCosine          float64 `json:"mean_cosine"`
	OffsetCosine        float64 `json:"offset_cosine"`
	LoudnessDeviation   float64 `json:"loudness_deviation"`
	NormalizationScalar float64 `json:"normalization_scalar"`
}

// FinalizeSessionAnalysis drains pending audio, trims it to the detected
// call, and scores it against the master with a full alignment. The first
// successful result is cached; later calls return it unchanged. Audio sent
// after finalize is refused.
func (e *Engine) FinalizeSessionAnalysis(ctx context.Context, id SessionID) Result[FinalMetrics] {
	s, ok := e.lookup(id)
	if !ok {
		return failResult[FinalMetrics](StatusSessionNotFound)
	}

	start := time.Now()
	s.finalizing.Add(1)
	defer s.finalizing.Add(-1)
	s.mu.Lock()
	m, first, st := e.finalizeLocked(s)
	var report FinalReport
	if first {
		report = FinalReport{
			SessionID:  s.id,
			MasterID:   s.master.ID,
			SampleRate: s.sampleRate,
			Metrics:    m,
			FinishedAt: time.Now().UTC(),
		}
	}
	s.mu.Unlock()

	if st != StatusOK {
		return failResult[FinalMetrics](st)
	}
	if first {
		s.touch()
		e.observer.SessionFinalized(m, time.Since(start))
		e.logger.Info("Finalized session",
			slog.String("session_id", string(id)),
			slog.String("master_id", report.MasterID),
			slog.Float64("score", m.SimilarityAtFinalize),
			slog.String("grade", string(m.Grade)),
			slog.Bool("reliable", m.Reliable),
			slog.Bool("subsequence", m.Subsequence),
			slog.Int("user_frames", m.UserFrames),
			slog.Duration("elapsed", time.Since(start)),
		)
		if e.onFinal != nil {
			e.onFinal(ctx, report)
		}
	}
	return okResult(m)
}

// finalizeLocked returns the cached metrics or computes them. first reports
// whether this call produced them.
func (e *Engine) finalizeLocked(s *Session) (m FinalMetrics, first bool, st Status) {
	if s.closed.Load() {
		return FinalMetrics{}, false, StatusSessionNotFound
	}
	if s.final != nil {
		return *s.final, false, StatusOK
	}
	if s.failErr != nil {
		return FinalMetrics{}, false, StatusProcessingError
	}
	if s.master == nil {
		return FinalMetrics{}, false, StatusNotReady
	}

	if st := s.processPendingLocked(e); st != StatusOK {
		return FinalMetrics{}, false, st
	}

	defer func() {
		if r := recover(); r != nil {
			s.failLocked(e, xerrors.New(fmt.Errorf("panic while finalizing: %v", r)))
			m, first, st = FinalMetrics{}, false, StatusProcessingError
		}
	}()

	m, err := analyze(s.retained, s.master, s.pipeline, e.cfg)
	if err != nil {
		if errors.Is(err, errNoFrames) {
			return FinalMetrics{}, false, StatusInsufficientData
		}
		s.failLocked(e, xerrors.New(err))
		return FinalMetrics{}, false, StatusProcessingError
	}
	if s.inc != nil {
		m.ProvisionalScore = s.inc.Score()
	}

	s.final = &m
	// Trimmed features are recomputed at finalize; the raw audio is no
	// longer needed.
	s.retained = nil
	s.publish()
	return m, true, StatusOK
}

var errNoFrames = errors.New("not enough audio for one frame")

// analyze is the refined comparison: endpoint trim, fresh extraction, batch
// alignment and sub-scores. It uses the same pipeline as template.Build, so
// an attempt identical to the master's source audio scores 1.
func analyze(samples []float32, master *template.Template, pipeline template.BuildConfig, cfg Config) (FinalMetrics, error) {
	ep, err := vad.NewEndpointer(pipeline.Endpoint)
	if err != nil {
		return FinalMetrics{}, err
	}
	seg := ep.Detect(samples)
	trimmed := seg.Trim(samples)

	user, err := mfcc.ExtractAll(pipeline.MFCC, trimmed)
	if err != nil {
		return FinalMetrics{}, err
	}
	if len(user) == 0 {
		return FinalMetrics{}, errNoFrames
	}

	ref := master.Frames
	subsequence := cfg.SubsequenceRatio > 0 &&
		float64(len(user)) > cfg.SubsequenceRatio*float64(len(ref))

	var res dtw.Result
	if subsequence {
		res, err = dtw.CompareSubsequence(ref, user)
	} else {
		res, err = dtw.Compare(ref, user, &cfg.Batch)
	}
	if err != nil {
		return FinalMetrics{}, fmt.Errorf("align: %w", err)
	}

	rate := float64(pipeline.MFCC.SampleRate)
	m := FinalMetrics{
		SimilarityAtFinalize: res.Score,
		Reliable:             len(user) >= cfg.Incremental.MinFrames && !seg.NoSignal,
		Grade:                dtw.GradeOf(res.Score),
		SegmentStart:         seg.Start,
		SegmentEnd:           seg.End,
		SegmentStartMs:       float64(seg.Start) * 1000 / rate,
		SegmentDurationMs:    float64(seg.Len()) * 1000 / rate,
		NoSignal:             seg.NoSignal,
		UserFrames:           len(user),
		MasterFrames:         len(ref),
		NormalizedDistance:   res.Normalized,
		Subsequence:          subsequence,
		AlignedStart:         res.UserStart,
		AlignedEnd:           res.UserEnd,
		NormalizationScalar:  1,
	}

	if c, ok := dtw.MeanCosine(ref, user); ok {
		m.MeanCosine = c
	}
	if c, ok := dtw.OffsetCosine(ref, user); ok {
		m.OffsetCosine = c
	}

	userRMS := template.RMS(trimmed)
	masterRMS := master.Meta.RMS
	if masterRMS > 0 {
		m.LoudnessDeviation = (userRMS - masterRMS) / masterRMS
		if userRMS > 0 {
			m.NormalizationScalar = min(max(masterRMS/userRMS, minNormalizationScalar), maxNormalizationScalar)
		}
	}
	return m, nil
}
