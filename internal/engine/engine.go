package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mdobak/go-xerrors"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
)

// Engine manages all active analysis sessions.
type Engine struct {
	cfg      Config
	library  *template.Library
	logger   *slog.Logger
	observer Observer
	onFinal  FinalizeHook

	sessions map[SessionID]*Session
	mu       sync.RWMutex

	// Janitor management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the log sink. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithFinalizeHook sets a function called once per finalized session.
func WithFinalizeHook(h FinalizeHook) Option {
	return func(e *Engine) { e.onFinal = h }
}

// New creates an engine. lib resolves master call ids and may be nil when
// templates are never loaded.
func New(cfg Config, lib *template.Library, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		library:  lib,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer: nopObserver{},
		sessions: make(map[SessionID]*Session),
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.IdleTimeout > 0 {
		go e.startCleanupRoutine()
	} else {
		close(e.cleanup)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Library returns the template library, possibly nil.
func (e *Engine) Library() *template.Library { return e.library }

func (e *Engine) lookup(id SessionID) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	return s, ok
}

// CreateSession allocates a session for audio at sampleRate.
func (e *Engine) CreateSession(sampleRate int) Result[SessionID] {
	if sampleRate <= 0 {
		return failResult[SessionID](StatusInvalidParams)
	}

	id := SessionID(uuid.NewString())
	s, err := newSession(id, sampleRate, e.cfg)
	if err != nil {
		e.logger.Warn("Rejected session",
			slog.Int("sample_rate", sampleRate),
			slog.String("error", err.Error()),
		)
		return failResult[SessionID](StatusInvalidParams)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return failResult[SessionID](StatusProcessingError)
	}
	e.sessions[id] = s
	e.mu.Unlock()

	e.observer.SessionCreated()
	e.logger.Info("Created session",
		slog.String("session_id", string(id)),
		slog.Int("sample_rate", sampleRate),
		slog.Int("ring_capacity", s.ring.Cap()),
	)
	return okResult(id)
}

// DestroySession removes the session and releases its state. A concurrent
// ProcessAudioChunk either finishes first under the session lock or observes
// StatusSessionNotFound.
func (e *Engine) DestroySession(id SessionID) Status {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if ok {
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	if !ok {
		return StatusSessionNotFound
	}

	e.teardown(s)
	return StatusOK
}

func (e *Engine) teardown(s *Session) {
	s.closed.Store(true)
	s.ring.Close()

	s.mu.Lock()
	features := len(s.features)
	s.releaseLocked()
	s.mu.Unlock()

	lifetime := time.Since(s.startTime)
	e.observer.SessionDestroyed(lifetime)
	e.logger.Info("Destroyed session",
		slog.String("session_id", string(s.id)),
		slog.Duration("duration", lifetime),
		slog.Int("features", features),
		slog.Uint64("chunks_processed", s.chunksProcessed.Load()),
		slog.Uint64("chunks_rejected", s.chunksRejected.Load()),
	)
}

// LoadMasterCall attaches the template for masterID. Audio may already have
// been processed; its features are aligned against the new master. Loading
// the same id again is a no-op.
func (e *Engine) LoadMasterCall(ctx context.Context, id SessionID, masterID string) Status {
	s, ok := e.lookup(id)
	if !ok {
		return StatusSessionNotFound
	}
	if masterID == "" || !template.ValidKey(masterID) {
		return StatusInvalidParams
	}
	if e.library == nil {
		return StatusFileNotFound
	}

	start := time.Now()
	st := e.loadMaster(ctx, s, masterID)
	e.observer.MasterLoaded(st, time.Since(start))
	return st
}

func (e *Engine) loadMaster(ctx context.Context, s *Session, masterID string) Status {
	// The library may fetch or build; do that outside the session lock.
	t, err := e.library.Get(ctx, masterID, s.sampleRate)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			e.logger.Warn("Master call not found",
				slog.String("session_id", string(s.id)),
				slog.String("master_id", masterID),
			)
			return StatusFileNotFound
		}
		e.logger.Error("Failed to load master call",
			slog.String("session_id", string(s.id)),
			slog.String("master_id", masterID),
			slog.String("error", err.Error()),
		)
		return StatusProcessingError
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed.Load():
		return StatusSessionNotFound
	case s.failErr != nil:
		return StatusProcessingError
	case s.final != nil:
		return StatusInvalidParams
	case s.master != nil && s.master.ID == masterID:
		return StatusOK
	}

	if err := s.attachLocked(t, e.cfg.Incremental); err != nil {
		e.logger.Error("Master call incompatible with session",
			slog.String("session_id", string(s.id)),
			slog.String("master_id", masterID),
			slog.String("error", err.Error()),
		)
		return StatusInvalidParams
	}
	s.touch()

	e.logger.Info("Loaded master call",
		slog.String("session_id", string(s.id)),
		slog.String("master_id", masterID),
		slog.Int("master_frames", t.Len()),
		slog.Int("replayed_frames", len(s.features)),
	)
	return StatusOK
}

// ProcessAudioChunk queues samples and, unless another caller is already
// processing this session, runs them through extraction and alignment. It
// never waits for ring space: a full ring or the session audio cap drops the
// chunk with StatusOutOfMemory and the session stays usable.
func (e *Engine) ProcessAudioChunk(id SessionID, samples []float32) Status {
	s, ok := e.lookup(id)
	if !ok {
		return StatusSessionNotFound
	}
	if len(samples) == 0 {
		return StatusInvalidParams
	}
	for _, v := range samples {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return StatusInvalidParams
		}
	}

	snap := s.snap.Load()
	switch {
	case s.closed.Load():
		return StatusSessionNotFound
	case snap.failed:
		return StatusProcessingError
	case snap.finalized:
		return StatusInvalidParams
	}

	if !s.reserve(len(samples)) {
		s.chunksRejected.Add(1)
		e.observer.ChunkDropped(DropAudioCap)
		return StatusOutOfMemory
	}
	seq, ok := s.ring.Enqueue(samples)
	if !ok {
		s.accepted.Add(-int64(len(samples)))
		if s.closed.Load() {
			return StatusSessionNotFound
		}
		s.chunksRejected.Add(1)
		e.observer.ChunkDropped(DropRingFull)
		e.logger.Debug("Ring full, dropped chunk",
			slog.String("session_id", string(id)),
			slog.Int("samples", len(samples)),
		)
		return StatusOutOfMemory
	}
	s.touch()

	st := s.drain(e)
	if st != StatusOK {
		return st
	}
	if s.finalizing.Load() > 0 {
		// Wait out an in-flight finalize to learn whether it took this chunk.
		s.mu.Lock()
		s.mu.Unlock()
	}
	if snap := s.snap.Load(); snap.finalized && seq >= snap.cutoff {
		return StatusInvalidParams
	}
	return StatusOK
}

// GetSimilarityScore returns the provisional streaming score.
func (e *Engine) GetSimilarityScore(id SessionID) Result[float64] {
	r := e.GetRealtimeSimilarityState(id)
	if !r.OK() {
		return failResult[float64](r.Status())
	}
	return okResult(r.Value().Score)
}

// GetRealtimeSimilarityState returns the streaming state without taking the
// session lock.
func (e *Engine) GetRealtimeSimilarityState(id SessionID) Result[SimilarityResult] {
	s, ok := e.lookup(id)
	if !ok {
		return failResult[SimilarityResult](StatusSessionNotFound)
	}

	snap := s.snap.Load()
	switch {
	case snap.failed:
		return failResult[SimilarityResult](StatusProcessingError)
	case snap.masterID == "":
		return failResult[SimilarityResult](StatusNotReady)
	case !snap.aligned:
		return failResult[SimilarityResult](StatusInsufficientData)
	}

	return okResult(SimilarityResult{
		Score:             snap.state.Score,
		FramesObserved:    snap.state.Frames,
		MinFramesRequired: snap.state.MinFrames,
		Reliable:          snap.state.Reliable,
	})
}

// GetFeatureCount returns the number of frames extracted so far. It never
// decreases between resets.
func (e *Engine) GetFeatureCount(id SessionID) Result[int] {
	s, ok := e.lookup(id)
	if !ok {
		return failResult[int](StatusSessionNotFound)
	}
	return okResult(s.snap.Load().features)
}

// UnloadMasterCall detaches the session's master. Extracted features are
// kept, so a later LoadMasterCall aligns them again. Unloading a session with
// no master is a no-op.
func (e *Engine) UnloadMasterCall(id SessionID) Status {
	s, ok := e.lookup(id)
	if !ok {
		return StatusSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed.Load():
		return StatusSessionNotFound
	case s.failErr != nil:
		return StatusProcessingError
	case s.final != nil:
		return StatusInvalidParams
	case s.master == nil:
		return StatusOK
	}

	masterID := s.master.ID
	s.detachLocked()
	s.touch()
	e.logger.Info("Unloaded master call",
		slog.String("session_id", string(id)),
		slog.String("master_id", masterID),
	)
	return StatusOK
}

// GetCurrentMasterCall returns the id of the loaded master.
func (e *Engine) GetCurrentMasterCall(id SessionID) Result[string] {
	s, ok := e.lookup(id)
	if !ok {
		return failResult[string](StatusSessionNotFound)
	}
	snap := s.snap.Load()
	if snap.masterID == "" {
		return failResult[string](StatusNotReady)
	}
	return okResult(snap.masterID)
}

// GetMasterFeatureCount returns the frame count of the loaded master.
func (e *Engine) GetMasterFeatureCount(id SessionID) Result[int] {
	s, ok := e.lookup(id)
	if !ok {
		return failResult[int](StatusSessionNotFound)
	}
	snap := s.snap.Load()
	if snap.masterID == "" {
		return failResult[int](StatusNotReady)
	}
	return okResult(snap.masterFrames)
}

// GetSessionDuration returns the time since the session was created or last
// reset.
func (e *Engine) GetSessionDuration(id SessionID) Result[time.Duration] {
	s, ok := e.lookup(id)
	if !ok {
		return failResult[time.Duration](StatusSessionNotFound)
	}
	return okResult(time.Since(time.Unix(0, s.epoch.Load())))
}

// ResetSession discards the audio and features processed so far so a new
// attempt can be recorded against the same master. Finalized sessions cannot
// be reset.
func (e *Engine) ResetSession(id SessionID) Status {
	s, ok := e.lookup(id)
	if !ok {
		return StatusSessionNotFound
	}

	s.mu.Lock()
	st := e.reset(s)
	s.mu.Unlock()
	if st != StatusOK {
		return st
	}

	// Chunks queued while the lock was held belong to the new attempt.
	return s.drain(e)
}

func (e *Engine) reset(s *Session) Status {
	switch {
	case s.closed.Load():
		return StatusSessionNotFound
	case s.failErr != nil:
		return StatusProcessingError
	case s.final != nil:
		return StatusInvalidParams
	}

	discarded := len(s.features)
	if err := s.resetLocked(e.cfg.Incremental); err != nil {
		s.failLocked(e, xerrors.New(err))
		return StatusProcessingError
	}
	s.touch()
	e.logger.Info("Reset session",
		slog.String("session_id", string(s.id)),
		slog.Int("discarded_features", discarded),
	)
	return StatusOK
}

// Session returns monitoring information for one session.
func (e *Engine) Session(id SessionID) Result[SessionInfo] {
	s, ok := e.lookup(id)
	if !ok {
		return failResult[SessionInfo](StatusSessionNotFound)
	}
	return okResult(s.Info())
}

// Sessions returns a snapshot of all active sessions ordered by start time.
func (e *Engine) Sessions() []SessionInfo {
	e.mu.RLock()
	list := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		list = append(list, s)
	}
	e.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

// ActiveSessions returns the number of live sessions.
func (e *Engine) ActiveSessions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// Close stops the janitor and destroys every session. Later CreateSession
// calls fail.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	remaining := make([]*Session, 0, len(e.sessions))
	for id, s := range e.sessions {
		remaining = append(remaining, s)
		delete(e.sessions, id)
	}
	e.mu.Unlock()

	e.cancel()
	<-e.cleanup

	for _, s := range remaining {
		e.teardown(s)
	}
	e.logger.Info("Engine stopped", slog.Int("destroyed_sessions", len(remaining)))
}

// startCleanupRoutine destroys sessions idle for longer than IdleTimeout.
func (e *Engine) startCleanupRoutine() {
	defer close(e.cleanup)

	interval := e.cfg.JanitorInterval
	if interval <= 0 || interval > e.cfg.IdleTimeout {
		interval = e.cfg.IdleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Session janitor started",
		slog.Duration("timeout", e.cfg.IdleTimeout),
		slog.Duration("check_interval", interval),
	)

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			e.cleanupExpiredSessions(now)
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (e *Engine) cleanupExpiredSessions(now time.Time) int {
	var expired []SessionID

	e.mu.RLock()
	for id, s := range e.sessions {
		if now.Sub(time.Unix(0, s.lastActivity.Load())) > e.cfg.IdleTimeout {
			expired = append(expired, id)
		}
	}
	e.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		if e.DestroySession(id) == StatusOK {
			removed++
		}
	}
	if removed > 0 {
		e.logger.Info("Cleaned up idle sessions", slog.Int("expired_count", removed))
	}
	return removed
}
