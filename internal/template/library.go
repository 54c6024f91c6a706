package template

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// LibraryStats represents library statistics for monitoring
type LibraryStats struct {
	Loaded     int    `json:"loaded"`
	CacheHits  uint64 `json:"cache_hits"`
	StoreLoads uint64 `json:"store_loads"`
	Builds     uint64 `json:"builds"`
	Misses     uint64 `json:"misses"`
}

// Library loads each master call once and hands the same immutable
// *Template to every caller. Lookups for the same key are collapsed while a
// load is in flight.
type Library struct {
	stores []Store
	source AudioSource
	build  func(sampleRate int) BuildConfig
	// canonicalRate is the rate whose caches use the bare "<id>.mfc" name
	canonicalRate int
	logger        *slog.Logger

	templates map[string]*Template
	group     singleflight.Group

	cacheHits  uint64
	storeLoads uint64
	builds     uint64
	misses     uint64

	mu sync.RWMutex
}

// LibraryOption configures a Library.
type LibraryOption func(*Library)

// WithStores sets the stores searched for cached features, in order. Built
// templates are written back to every store that accepts writes.
func WithStores(stores ...Store) LibraryOption {
	return func(l *Library) { l.stores = append(l.stores, stores...) }
}

// WithAudioSource sets where reference audio is read when no cache exists.
func WithAudioSource(src AudioSource) LibraryOption {
	return func(l *Library) { l.source = src }
}

// WithLibraryLogger sets the logger.
func WithLibraryLogger(logger *slog.Logger) LibraryOption {
	return func(l *Library) { l.logger = logger }
}

// NewLibrary creates a library. build returns the feature pipeline for a
// session sample rate; canonicalRate names the rate of externally produced
// caches.
func NewLibrary(canonicalRate int, build func(sampleRate int) BuildConfig, opts ...LibraryOption) *Library {
	l := &Library{
		build:         build,
		canonicalRate: canonicalRate,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		templates:     make(map[string]*Template),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// cacheKey names the feature cache for id at sampleRate.
func (l *Library) cacheKey(id string, sampleRate int) string {
	if sampleRate == l.canonicalRate {
		return id
	}
	return id + "." + strconv.Itoa(sampleRate)
}

// Add registers a template built elsewhere. It replaces nothing: an id that
// is already loaded keeps its first template.
func (l *Library) Add(t *Template) *Template {
	return l.add(l.cacheKey(t.ID, t.Meta.SampleRate), t)
}

func (l *Library) add(key string, t *Template) *Template {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.templates[key]; ok {
		return existing
	}
	l.templates[key] = t
	return t
}

// Get returns the template for id at sampleRate. It tries memory, then each
// store's feature cache, then builds from the audio source and writes the
// result back. Missing master calls yield an error matching ErrNotFound.
func (l *Library) Get(ctx context.Context, id string, sampleRate int) (*Template, error) {
	if !ValidKey(id) {
		return nil, fmt.Errorf("invalid master call id %q", id)
	}
	key := l.cacheKey(id, sampleRate)

	l.mu.RLock()
	t, ok := l.templates[key]
	l.mu.RUnlock()
	if ok {
		l.count(&l.cacheHits)
		return t, nil
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		l.mu.RLock()
		t, ok := l.templates[key]
		l.mu.RUnlock()
		if ok {
			return t, nil
		}

		t, err := l.load(ctx, id, key, sampleRate)
		if err != nil {
			return nil, err
		}
		return l.add(key, t), nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			l.count(&l.misses)
		}
		return nil, err
	}
	return v.(*Template), nil
}

func (l *Library) load(ctx context.Context, id, key string, sampleRate int) (*Template, error) {
	for _, s := range l.stores {
		t, err := l.fromStore(ctx, s, id, key, sampleRate)
		if err == nil {
			l.count(&l.storeLoads)
			l.logger.Debug("Loaded master call from feature cache",
				slog.String("master_id", id),
				slog.Int("frames", t.Len()))
			return t, nil
		}
		if !errors.Is(err, ErrNotFound) {
			l.logger.Warn("Feature cache unusable, trying next source",
				slog.String("master_id", id),
				slog.String("error", err.Error()))
		}
	}

	if l.source == nil {
		return nil, fmt.Errorf("master call %s: %w", id, ErrNotFound)
	}

	samples, rate, err := l.source.LoadAudio(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("master call %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load audio for %s: %w", id, err)
	}

	t, err := Build(id, samples, rate, l.build(sampleRate))
	if err != nil {
		return nil, err
	}
	l.count(&l.builds)
	l.logger.Info("Built master call template",
		slog.String("master_id", id),
		slog.Int("frames", t.Len()),
		slog.Int("source_rate", rate),
		slog.Int("sample_rate", sampleRate))

	l.writeBack(ctx, key, t)
	return t, nil
}

// fromStore reads the cache stored under key. A cache without a sidecar is
// taken to be at sampleRate, the rate its key was derived from.
func (l *Library) fromStore(ctx context.Context, s Store, id, key string, sampleRate int) (*Template, error) {
	data, err := s.Get(ctx, key+FeatureExt)
	if err != nil {
		return nil, err
	}
	frames, err := UnmarshalFeatures(data)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: cache for %s holds no frames", ErrInvalidCache, id)
	}

	meta := Metadata{CoeffCount: frames.Width(), Source: "cache"}
	if raw, err := s.Get(ctx, key+MetadataExt); err == nil {
		if m, err := UnmarshalMetadata(raw); err == nil {
			meta = m
		}
	}
	if meta.SampleRate == 0 {
		meta.SampleRate = sampleRate
	}
	if err := l.checkMetadata(meta, sampleRate); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCache, key, err)
	}

	return &Template{ID: id, Frames: frames, Meta: meta}, nil
}

// checkMetadata rejects a sidecar describing a different feature pipeline
// than the one sessions at sampleRate run.
func (l *Library) checkMetadata(meta Metadata, sampleRate int) error {
	want := l.build(sampleRate).MFCC
	switch {
	case meta.SampleRate != sampleRate:
		return fmt.Errorf("built at %d Hz, want %d Hz", meta.SampleRate, sampleRate)
	case meta.FrameSize != 0 && meta.FrameSize != want.FrameSize:
		return fmt.Errorf("frame size %d, want %d", meta.FrameSize, want.FrameSize)
	case meta.HopSize != 0 && meta.HopSize != want.HopSize:
		return fmt.Errorf("hop size %d, want %d", meta.HopSize, want.HopSize)
	}
	return nil
}

func (l *Library) writeBack(ctx context.Context, key string, t *Template) {
	features, err := MarshalFeatures(t.Frames)
	if err != nil {
		l.logger.Warn("Failed to encode feature cache", slog.String("error", err.Error()))
		return
	}
	meta, err := MarshalMetadata(t.Meta)
	if err != nil {
		l.logger.Warn("Failed to encode template metadata", slog.String("error", err.Error()))
		return
	}

	for _, s := range l.stores {
		if err := s.Put(ctx, key+FeatureExt, features); err != nil {
			if !errors.Is(err, ErrReadOnly) {
				l.logger.Warn("Failed to save feature cache",
					slog.String("key", key),
					slog.String("error", err.Error()))
			}
			continue
		}
		if err := s.Put(ctx, key+MetadataExt, meta); err != nil {
			l.logger.Warn("Failed to save template metadata",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}
}

func (l *Library) count(field *uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*field++
}

// GetStats returns library statistics
func (l *Library) GetStats() LibraryStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return LibraryStats{
		Loaded:     len(l.templates),
		CacheHits:  l.cacheHits,
		StoreLoads: l.storeLoads,
		Builds:     l.builds,
		Misses:     l.misses,
	}
}

// Close closes every store.
func (l *Library) Close() error {
	var errs []error
	for _, s := range l.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
