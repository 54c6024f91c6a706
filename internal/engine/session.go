package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/audio"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/dtw"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/mfcc"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
)

// SessionID identifies a session within one Engine.
type SessionID string

// SimilarityResult is the provisional streaming state of a session.
type SimilarityResult struct {
	Score             float64 `json:"score"`
	FramesObserved    int     `json:"frames_observed"`
	MinFramesRequired int     `json:"min_frames_required"`
	Reliable          bool    `json:"reliable"`
}

// snapshot is published after every frame and read without the session lock.
type snapshot struct {
	features       int
	masterID       string
	masterFrames   int
	masterDuration time.Duration
	aligned        bool // a streaming alignment exists and has seen a frame
	state          dtw.State
	finalized      bool
	failed         bool
	// cutoff is the first ring sequence not yet consumed; after finalize it
	// separates audio that was scored from audio that was refused
	cutoff uint64
}

// Session is the per-stream analysis state. All mutable fields are guarded by
// mu; the ring and atomics may be used without it.
type Session struct {
	id         SessionID
	sampleRate int
	pipeline   template.BuildConfig
	startTime  time.Time
	ring       *audio.Ring
	maxSamples int64

	// Reserved against maxSamples before enqueue.
	accepted     atomic.Int64
	lastActivity atomic.Int64
	// epoch is when the current attempt began: creation or the last reset
	epoch      atomic.Int64
	closed     atomic.Bool
	finalizing atomic.Int32

	snap atomic.Pointer[snapshot]

	chunksProcessed  atomic.Uint64
	samplesProcessed atomic.Uint64
	chunksRejected   atomic.Uint64

	mu        sync.Mutex
	extractor *mfcc.Extractor
	features  mfcc.Sequence
	retained  []float32
	master    *template.Template
	inc       *dtw.Incremental
	final     *FinalMetrics
	failErr   error
	consumed  uint64
}

func newSession(id SessionID, sampleRate int, cfg Config) (*Session, error) {
	pipeline := cfg.BuildConfig(sampleRate)
	ext, err := mfcc.New(pipeline.MFCC)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		id:         id,
		sampleRate: sampleRate,
		pipeline:   pipeline,
		startTime:  now,
		ring:       audio.NewRing(cfg.RingCapacity),
		maxSamples: cfg.maxSamples(sampleRate),
		extractor:  ext,
	}
	s.lastActivity.Store(now.UnixNano())
	s.epoch.Store(now.UnixNano())
	s.publish()
	return s, nil
}

// publish stores a fresh snapshot. Callers hold mu, except during
// construction.
func (s *Session) publish() {
	snap := &snapshot{
		features:  len(s.features),
		finalized: s.final != nil,
		failed:    s.failErr != nil,
		cutoff:    s.consumed,
	}
	if s.master != nil {
		snap.masterID = s.master.ID
		snap.masterFrames = s.master.Len()
		snap.masterDuration = s.master.Duration()
	}
	if s.inc != nil && s.inc.Ready() {
		snap.aligned = true
		snap.state = s.inc.State()
	}
	s.snap.Store(snap)
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// reserve claims room for n samples under the session audio cap.
func (s *Session) reserve(n int) bool {
	if s.accepted.Add(int64(n)) > s.maxSamples {
		s.accepted.Add(-int64(n))
		return false
	}
	return true
}

// drain consumes queued chunks while the session lock is free. A producer
// that loses the TryLock race leaves its chunk to the lock holder, which
// re-checks the ring after unlocking.
func (s *Session) drain(e *Engine) Status {
	for {
		if !s.mu.TryLock() {
			return StatusOK
		}
		st := s.processPendingLocked(e)
		s.mu.Unlock()

		if st != StatusOK || s.ring.Len() == 0 {
			return st
		}
	}
}

// processPendingLocked runs every queued chunk through extraction and the
// streaming alignment. A panic fails this session only.
func (s *Session) processPendingLocked(e *Engine) (st Status) {
	defer func() {
		if r := recover(); r != nil {
			s.failLocked(e, xerrors.New(fmt.Errorf("panic while processing audio: %v", r)))
			st = StatusProcessingError
		}
	}()

	if s.closed.Load() {
		return StatusSessionNotFound
	}
	if s.failErr != nil {
		return StatusProcessingError
	}

	for {
		chunk, ok := s.ring.TryDequeue()
		if !ok {
			return StatusOK
		}
		if s.final != nil {
			// Raced with finalize; the features are frozen.
			e.observer.ChunkDropped(DropFinalized)
			continue
		}

		start := time.Now()
		s.consumed = chunk.Seq + 1
		s.retained = append(s.retained, chunk.Samples...)
		frames := s.extractor.Extract(chunk.Samples)
		for _, f := range frames {
			s.features = append(s.features, f)
			if s.inc != nil {
				if _, err := s.inc.Push(f); err != nil {
					s.failLocked(e, xerrors.New(err))
					return StatusProcessingError
				}
			}
			s.publish()
		}

		s.chunksProcessed.Add(1)
		s.samplesProcessed.Add(uint64(len(chunk.Samples)))
		e.observer.ChunkProcessed(len(chunk.Samples), len(frames), time.Since(start))
	}
}

// attachLocked sets the master and replays existing features into a new
// streaming alignment.
func (s *Session) attachLocked(t *template.Template, opts dtw.IncrementalOptions) error {
	if t.Width() != s.pipeline.MFCC.NumCoeffs {
		return fmt.Errorf("master %s has %d coefficients, session uses %d",
			t.ID, t.Width(), s.pipeline.MFCC.NumCoeffs)
	}

	inc, err := dtw.NewIncremental(t.Frames, opts)
	if err != nil {
		return err
	}
	for _, f := range s.features {
		if _, err := inc.Push(f); err != nil {
			return err
		}
	}

	s.master = t
	s.inc = inc
	s.publish()
	return nil
}

// detachLocked drops the master and its streaming alignment. Features are
// kept for a later master.
func (s *Session) detachLocked() {
	s.master = nil
	s.inc = nil
	s.publish()
}

// resetLocked discards the processed audio and its features so the session
// can record a new attempt against the same master. Chunks still queued are
// kept and belong to the new attempt.
func (s *Session) resetLocked(opts dtw.IncrementalOptions) error {
	var inc *dtw.Incremental
	if s.master != nil {
		var err error
		if inc, err = dtw.NewIncremental(s.master.Frames, opts); err != nil {
			return err
		}
	}

	s.accepted.Add(-int64(len(s.retained)))
	s.extractor.Reset()
	s.features = nil
	s.retained = nil
	s.inc = inc
	s.epoch.Store(time.Now().UnixNano())
	s.publish()
	return nil
}

func (s *Session) failLocked(e *Engine, err error) {
	if s.failErr != nil {
		return
	}
	s.failErr = err
	s.publish()
	e.observer.SessionFailed()
	e.logger.Error("Session failed",
		slog.String("session_id", string(s.id)),
		slog.Any("error", err),
	)
}

// releaseLocked drops the session's buffers after destroy.
func (s *Session) releaseLocked() {
	s.extractor = nil
	s.features = nil
	s.retained = nil
	s.inc = nil
	s.master = nil
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID             SessionID       `json:"id"`
	SampleRate     int             `json:"sample_rate"`
	MasterID       string          `json:"master_id,omitempty"`
	MasterFrames   int             `json:"master_frames"`
	MasterDuration time.Duration   `json:"master_duration"`
	StartTime      time.Time       `json:"start_time"`
	AttemptStart   time.Time       `json:"attempt_start"`
	LastActivity   time.Time       `json:"last_activity"`
	Duration       time.Duration   `json:"duration"`
	Features       int             `json:"features"`
	Score          float64         `json:"score"`
	Reliable       bool            `json:"reliable"`
	Finalized      bool            `json:"finalized"`
	Failed         bool            `json:"failed"`
	Ring           audio.RingStats `json:"ring"`

	ChunksProcessed  uint64 `json:"chunks_processed"`
	SamplesProcessed uint64 `json:"samples_processed"`
	ChunksRejected   uint64 `json:"chunks_rejected"`
}

// Info returns a lock-free view of the session.
func (s *Session) Info() SessionInfo {
	snap := s.snap.Load()
	epoch := time.Unix(0, s.epoch.Load())
	return SessionInfo{
		ID:               s.id,
		SampleRate:       s.sampleRate,
		MasterID:         snap.masterID,
		MasterFrames:     snap.masterFrames,
		MasterDuration:   snap.masterDuration,
		StartTime:        s.startTime,
		AttemptStart:     epoch,
		LastActivity:     time.Unix(0, s.lastActivity.Load()),
		Duration:         time.Since(epoch),
		Features:         snap.features,
		Score:            snap.state.Score,
		Reliable:         snap.state.Reliable,
		Finalized:        snap.finalized,
		Failed:           snap.failed,
		Ring:             s.ring.GetStats(),
		ChunksProcessed:  s.chunksProcessed.Load(),
		SamplesProcessed: s.samplesProcessed.Load(),
		ChunksRejected:   s.chunksRejected.Load(),
	}
}
