package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/config"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/engine"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/history"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/metrics"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
)

const maxHistoryLimit = 500

// HistoryReader lists recorded attempts. *history.Store satisfies it.
type HistoryReader interface {
	List(ctx context.Context, masterID string, limit int) ([]history.Attempt, error)
}

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	engine    *engine.Engine
	udpServer *UDPServer
	metrics   *metrics.Metrics
	history   HistoryReader
	remote    *template.RemoteStore
	gatherer  prometheus.Gatherer

	startTime time.Time
}

// HTTPOption configures optional HTTPServer collaborators.
type HTTPOption func(*HTTPServer)

// WithHistory serves /history from r.
func WithHistory(r HistoryReader) HTTPOption {
	return func(h *HTTPServer) { h.history = r }
}

// WithRemoteStore includes fetcher statistics in /stats.
func WithRemoteStore(r *template.RemoteStore) HTTPOption {
	return func(h *HTTPServer) { h.remote = r }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) HTTPOption {
	return func(h *HTTPServer) { h.gatherer = g }
}

// NewHTTPServer creates a new HTTP API server. udpServer and m may be nil.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	eng *engine.Engine, udpServer *UDPServer, m *metrics.Metrics, opts ...HTTPOption) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		engine:    eng,
		udpServer: udpServer,
		metrics:   m,
		gatherer:  prometheus.DefaultGatherer,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the route multiplexer.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	return mux
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/history", h.withMetrics("/history", h.handleHistory))

	// Not instrumented
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			handler(w, r)
			return
		}

		startTime := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server in the background
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", slog.String("error", err.Error()))
	}
}

func methodAllowed(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r) {
		return
	}

	components := map[string]any{
		"engine": map[string]any{
			"status":          "running",
			"active_sessions": h.engine.ActiveSessions(),
		},
	}
	if h.udpServer != nil {
		udpStats := h.udpServer.GetStatistics()
		components["udp_server"] = map[string]any{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"active_streams":    udpStats.ActiveStreams,
			"queue_size":        udpStats.QueueSize,
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "callscore",
			"version": "1.0.0",
		},
		"components": components,
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r) {
		return
	}

	sessions := h.engine.Sessions()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	res := h.engine.Session(engine.SessionID(id))
	if !res.OK() {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, res.Value())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r) {
		return
	}

	c := h.config
	h.writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"udp_port":               c.Server.UDPPort,
			"bind_address":           c.Server.BindAddress,
			"buffer_size":            c.Server.BufferSize,
			"max_concurrent_streams": c.Server.MaxConcurrentStreams,
			"workers":                c.Server.Workers,
			"queue_size":             c.Server.QueueSize,
			"reorder_gap":            c.Server.ReorderGap,
		},
		"engine":   c.Engine,
		"mfcc":     c.MFCC,
		"endpoint": c.Endpoint,
		"dtw":      c.DTW,
		"templates": map[string]any{
			"canonical_rate": c.Templates.CanonicalRate,
			"audio_dir":      c.Templates.AudioDir,
			"cache_dir":      c.Templates.CacheDir,
			"badger_dir":     c.Templates.BadgerDir,
			"preload":        c.Templates.Preload,
			"remote": map[string]any{
				"endpoint":       c.Templates.Remote.Endpoint,
				"timeout":        c.Templates.Remote.Timeout,
				"max_retries":    c.Templates.Remote.MaxRetries,
				"max_concurrent": c.Templates.Remote.MaxConcurrent,
				// API key omitted
			},
		},
		"history": c.History,
		"logging": c.Logging,
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r) {
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]any{
			"active_count": h.engine.ActiveSessions(),
		},
	}
	if h.udpServer != nil {
		stats["udp"] = h.udpServer.GetStatistics()
	}
	if lib := h.engine.Library(); lib != nil {
		stats["templates"] = lib.GetStats()
	}
	if h.remote != nil {
		stats["remote"] = h.remote.GetStats()
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleHistory implements /history?master=<id>&limit=n
func (h *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r) {
		return
	}
	if h.history == nil {
		http.Error(w, "History disabled", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	limit := history.DefaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			http.Error(w, fmt.Sprintf("limit must be in [1,%d]", maxHistoryLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	master := q.Get("master")
	attempts, err := h.history.List(r.Context(), master, limit)
	if err != nil {
		h.logger.Error("History query failed", slog.String("error", err.Error()))
		http.Error(w, "History query failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"master":   master,
		"count":    len(attempts),
		"attempts": attempts,
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r) {
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"service": "callscore",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":                            "API documentation",
			"GET /health":                      "Service health check",
			"GET /sessions":                    "List active sessions",
			"GET /sessions/{id}":               "Get session detail",
			"GET /config":                      "Get service configuration",
			"GET /stats":                       "Get service statistics",
			"GET /history?master=<id>&limit=n": "Recent finalized attempts",
			"GET /metrics":                     "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
