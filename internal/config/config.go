package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/dtw"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/engine"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/mfcc"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/vad"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	HTTP      HTTPConfig      `yaml:"http"`
	Engine    EngineConfig    `yaml:"engine"`
	MFCC      MFCCConfig      `yaml:"mfcc"`
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	DTW       DTWConfig       `yaml:"dtw"`
	Templates TemplatesConfig `yaml:"templates"`
	History   HistoryConfig   `yaml:"history"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains UDP server configuration
type ServerConfig struct {
	UDPPort              int    `yaml:"udp_port"`
	BindAddress          string `yaml:"bind_address"`
	BufferSize           int    `yaml:"buffer_size"`
	MaxConcurrentStreams int    `yaml:"max_concurrent_streams"`
	Workers              int    `yaml:"workers"`
	QueueSize            int    `yaml:"queue_size"`  // packets per worker
	ReorderGap           int    `yaml:"reorder_gap"` // packets held while waiting for a gap
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// EngineConfig contains session management parameters
type EngineConfig struct {
	RingCapacity     int     `yaml:"ring_capacity"`     // chunks
	MaxSessionAudio  float64 `yaml:"max_session_audio"` // seconds
	IdleTimeout      int     `yaml:"idle_timeout"`      // seconds, 0 disables
	SubsequenceRatio float64 `yaml:"subsequence_ratio"`
}

// MFCCConfig contains feature extraction parameters
type MFCCConfig struct {
	FrameSize  int     `yaml:"frame_size"` // samples
	HopSize    int     `yaml:"hop_size"`   // samples
	NumFilters int     `yaml:"num_filters"`
	NumCoeffs  int     `yaml:"num_coeffs"`
	LowFreq    float64 `yaml:"low_freq"`  // Hz
	HighFreq   float64 `yaml:"high_freq"` // Hz, 0 = Nyquist
}

// EndpointConfig contains silence trimming parameters
type EndpointConfig struct {
	WindowMs        int     `yaml:"window_ms"`
	EnergyThreshold float64 `yaml:"energy_threshold"`
	PeakThreshold   float64 `yaml:"peak_threshold"`
	MinSoundMs      int     `yaml:"min_sound_ms"`
	HangoverMs      int     `yaml:"hangover_ms"`
}

// DTWConfig contains alignment parameters
type DTWConfig struct {
	Window          int     `yaml:"window"`        // batch band in frames, 0 = unconstrained
	WindowRatio     float64 `yaml:"window_ratio"`  // batch band as a fraction of the longer sequence
	StreamWindow    int     `yaml:"stream_window"` // streaming band in frames
	MinFrames       int     `yaml:"min_frames"`
	StableUpdates   int     `yaml:"stable_updates"`
	StableTolerance float64 `yaml:"stable_tolerance"`
}

// TemplatesConfig contains master call sources
type TemplatesConfig struct {
	CanonicalRate int          `yaml:"canonical_rate"`
	AudioDir      string       `yaml:"audio_dir"`
	CacheDir      string       `yaml:"cache_dir"`
	BadgerDir     string       `yaml:"badger_dir"`
	Preload       []string     `yaml:"preload"`
	Remote        RemoteConfig `yaml:"remote"`
}

// RemoteConfig contains the HTTP template fetcher configuration
type RemoteConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// HistoryConfig contains the attempt history store configuration
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for omitted fields.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			UDPPort:              4444,
			BindAddress:          "0.0.0.0",
			BufferSize:           65536,
			MaxConcurrentStreams: 1000,
			Workers:              4,
			QueueSize:            1024,
			ReorderGap:           20,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Engine: EngineConfig{
			RingCapacity:     64,
			MaxSessionAudio:  120,
			IdleTimeout:      300,
			SubsequenceRatio: 1.5,
		},
		MFCC: MFCCConfig{
			FrameSize:  512,
			HopSize:    256,
			NumFilters: 26,
			NumCoeffs:  13,
		},
		Endpoint: EndpointConfig{
			WindowMs:        10,
			EnergyThreshold: 1e-4,
			PeakThreshold:   0.01,
			MinSoundMs:      20,
			HangoverMs:      10,
		},
		DTW: DTWConfig{
			MinFrames:       25,
			StableUpdates:   5,
			StableTolerance: 0.02,
		},
		Templates: TemplatesConfig{
			CanonicalRate: 44100,
			AudioDir:      "./data/master_calls",
			CacheDir:      "./data/features",
			Remote: RemoteConfig{
				Timeout:       30,
				MaxRetries:    3,
				MaxConcurrent: 4,
			},
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "./data/history.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Omitted fields keep their
// defaults and CALLSCORE_* environment variables override the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides selected fields from CALLSCORE_* environment variables.
func (c *Config) ApplyEnv() error {
	ints := map[string]*int{
		"CALLSCORE_UDP_PORT":     &c.Server.UDPPort,
		"CALLSCORE_HTTP_PORT":    &c.HTTP.Port,
		"CALLSCORE_WORKERS":      &c.Server.Workers,
		"CALLSCORE_IDLE_TIMEOUT": &c.Engine.IdleTimeout,
	}
	for name, dst := range ints {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s must be an integer, got %q", name, v)
			}
			*dst = n
		}
	}

	strs := map[string]*string{
		"CALLSCORE_BIND_ADDRESS":   &c.Server.BindAddress,
		"CALLSCORE_AUDIO_DIR":      &c.Templates.AudioDir,
		"CALLSCORE_CACHE_DIR":      &c.Templates.CacheDir,
		"CALLSCORE_BADGER_DIR":     &c.Templates.BadgerDir,
		"CALLSCORE_REMOTE_URL":     &c.Templates.Remote.Endpoint,
		"CALLSCORE_REMOTE_API_KEY": &c.Templates.Remote.APIKey,
		"CALLSCORE_HISTORY_PATH":   &c.History.Path,
		"CALLSCORE_LOG_LEVEL":      &c.Logging.Level,
		"CALLSCORE_LOG_FORMAT":     &c.Logging.Format,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("CALLSCORE_HTTP_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CALLSCORE_HTTP_ENABLED must be a boolean, got %q", v)
		}
		c.HTTP.Enabled = b
	}
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.MFCC.Validate(c.Templates.CanonicalRate); err != nil {
		return fmt.Errorf("mfcc config: %w", err)
	}

	if err := c.Endpoint.Validate(); err != nil {
		return fmt.Errorf("endpoint config: %w", err)
	}

	if err := c.DTW.Validate(); err != nil {
		return fmt.Errorf("dtw config: %w", err)
	}

	if err := c.Templates.Validate(); err != nil {
		return fmt.Errorf("templates config: %w", err)
	}

	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.MaxConcurrentStreams < 1 {
		return fmt.Errorf("max_concurrent_streams must be at least 1, got %d", s.MaxConcurrentStreams)
	}

	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	if s.ReorderGap < 1 {
		return fmt.Errorf("reorder_gap must be at least 1, got %d", s.ReorderGap)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	if e.RingCapacity < 2 || e.RingCapacity > 1<<16 {
		return fmt.Errorf("ring_capacity must be between 2 and 65536, got %d", e.RingCapacity)
	}

	if e.MaxSessionAudio <= 0 {
		return fmt.Errorf("max_session_audio must be positive, got %f", e.MaxSessionAudio)
	}

	if e.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", e.IdleTimeout)
	}

	if e.SubsequenceRatio != 0 && e.SubsequenceRatio < 1 {
		return fmt.Errorf("subsequence_ratio must be 0 or at least 1, got %f", e.SubsequenceRatio)
	}

	return nil
}

// Validate validates MFCC configuration at the given sample rate
func (m *MFCCConfig) Validate(sampleRate int) error {
	return m.ToMFCC(sampleRate).Validate()
}

// Validate validates endpoint configuration
func (e *EndpointConfig) Validate() error {
	if e.WindowMs < 1 {
		return fmt.Errorf("window_ms must be at least 1, got %d", e.WindowMs)
	}

	if e.EnergyThreshold < 0 || e.PeakThreshold < 0 {
		return fmt.Errorf("thresholds cannot be negative, got energy=%g peak=%g", e.EnergyThreshold, e.PeakThreshold)
	}

	if e.MinSoundMs < 0 || e.HangoverMs < 0 {
		return fmt.Errorf("min_sound_ms and hangover_ms cannot be negative")
	}

	return nil
}

// Validate validates DTW configuration
func (d *DTWConfig) Validate() error {
	if d.Window < 0 || d.StreamWindow < 0 {
		return fmt.Errorf("window and stream_window cannot be negative")
	}

	if d.WindowRatio < 0 || d.WindowRatio > 1 {
		return fmt.Errorf("window_ratio must be between 0 and 1, got %f", d.WindowRatio)
	}

	if d.MinFrames < 1 {
		return fmt.Errorf("min_frames must be at least 1, got %d", d.MinFrames)
	}

	if d.StableUpdates < 1 {
		return fmt.Errorf("stable_updates must be at least 1, got %d", d.StableUpdates)
	}

	if d.StableTolerance < 0 {
		return fmt.Errorf("stable_tolerance cannot be negative, got %f", d.StableTolerance)
	}

	return nil
}

// Validate validates template source configuration
func (t *TemplatesConfig) Validate() error {
	if t.CanonicalRate < 8000 {
		return fmt.Errorf("canonical_rate must be at least 8000 Hz, got %d", t.CanonicalRate)
	}

	if t.AudioDir == "" && t.CacheDir == "" && t.BadgerDir == "" && t.Remote.Endpoint == "" {
		return fmt.Errorf("at least one of audio_dir, cache_dir, badger_dir or remote.endpoint is required")
	}

	for _, id := range t.Preload {
		if !template.ValidKey(id) {
			return fmt.Errorf("invalid preload id %q", id)
		}
	}

	if t.Remote.Endpoint != "" {
		if t.Remote.Timeout < 1 {
			return fmt.Errorf("remote timeout must be at least 1 second, got %d", t.Remote.Timeout)
		}

		if t.Remote.MaxRetries < 0 {
			return fmt.Errorf("remote max_retries cannot be negative, got %d", t.Remote.MaxRetries)
		}

		if t.Remote.MaxConcurrent < 1 {
			return fmt.Errorf("remote max_concurrent must be at least 1, got %d", t.Remote.MaxConcurrent)
		}
	}

	return nil
}

// Validate validates history configuration
func (h *HistoryConfig) Validate() error {
	if h.Enabled && h.Path == "" {
		return fmt.Errorf("path cannot be empty when history is enabled")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path.
	return nil
}

// ToMFCC returns the extractor configuration at sampleRate
func (m *MFCCConfig) ToMFCC(sampleRate int) mfcc.Config {
	return mfcc.Config{
		SampleRate: sampleRate,
		FrameSize:  m.FrameSize,
		HopSize:    m.HopSize,
		NumFilters: m.NumFilters,
		NumCoeffs:  m.NumCoeffs,
		LowFreq:    m.LowFreq,
		HighFreq:   m.HighFreq,
	}
}

// ToVAD returns the endpointer configuration at sampleRate
func (e *EndpointConfig) ToVAD(sampleRate int) vad.Config {
	return vad.Config{
		SampleRate:      sampleRate,
		Window:          time.Duration(e.WindowMs) * time.Millisecond,
		EnergyThreshold: e.EnergyThreshold,
		PeakThreshold:   e.PeakThreshold,
		MinSound:        time.Duration(e.MinSoundMs) * time.Millisecond,
		Hangover:        time.Duration(e.HangoverMs) * time.Millisecond,
	}
}

// GetMaxSessionAudio returns the per-session audio cap as a time.Duration
func (e *EngineConfig) GetMaxSessionAudio() time.Duration {
	return time.Duration(e.MaxSessionAudio * float64(time.Second))
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (e *EngineConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(e.IdleTimeout) * time.Second
}

// GetTimeoutDuration returns the remote fetch timeout as a time.Duration
func (r *RemoteConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// EngineConfig assembles the engine configuration from all sections.
func (c *Config) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.RingCapacity = c.Engine.RingCapacity
	cfg.MaxSessionAudio = c.Engine.GetMaxSessionAudio()
	cfg.IdleTimeout = c.Engine.GetIdleTimeoutDuration()
	cfg.SubsequenceRatio = c.Engine.SubsequenceRatio
	cfg.MFCC = c.MFCC.ToMFCC(0)
	cfg.Endpoint = c.Endpoint.ToVAD(0)
	cfg.Batch = dtw.Options{Window: c.DTW.Window, WindowRatio: c.DTW.WindowRatio}
	cfg.Incremental = dtw.IncrementalOptions{
		Window:          c.DTW.StreamWindow,
		MinFrames:       c.DTW.MinFrames,
		StableUpdates:   c.DTW.StableUpdates,
		StableTolerance: c.DTW.StableTolerance,
	}
	return cfg
}

// RemoteStoreConfig returns the fetcher configuration, ok is false when no
// remote endpoint is configured.
func (t *TemplatesConfig) RemoteStoreConfig() (template.RemoteConfig, bool) {
	if t.Remote.Endpoint == "" {
		return template.RemoteConfig{}, false
	}
	return template.RemoteConfig{
		Endpoint:      t.Remote.Endpoint,
		APIKey:        t.Remote.APIKey,
		Timeout:       t.Remote.GetTimeoutDuration(),
		MaxRetries:    t.Remote.MaxRetries,
		MaxConcurrent: t.Remote.MaxConcurrent,
	}, true
}
