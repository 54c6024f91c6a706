package template

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RemoteConfig contains remote template fetcher configuration
type RemoteConfig struct {
	Endpoint      string        // Base URL; keys are appended as path segments
	APIKey        string        // Optional bearer token
	Timeout       time.Duration // Per-request timeout
	MaxRetries    int           // Retries after the first attempt
	MaxConcurrent int           // Concurrent requests allowed
	Backoff       time.Duration // First retry delay, doubled per attempt, capped at 30s
}

// RemoteStats represents fetcher statistics
type RemoteStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	NotFound        uint64        `json:"not_found"`
	FailedRequests  uint64        `json:"failed_requests"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// RemoteStore is a read-only Store that fetches feature caches over HTTP,
// for deployments where preprocessing publishes templates to a file server.
type RemoteStore struct {
	config     RemoteConfig
	httpClient *http.Client
	semaphore  chan struct{}

	totalRequests   uint64
	successRequests uint64
	notFound        uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// statusError carries a non-2xx HTTP response status
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewRemoteStore creates a fetcher for the given endpoint
func NewRemoteStore(config RemoteConfig) (*RemoteStore, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if _, err := url.Parse(config.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", config.Endpoint, err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.Backoff <= 0 {
		config.Backoff = time.Second
	}

	return &RemoteStore{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		semaphore: make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Get fetches key, retrying transient failures with exponential backoff.
// A 404 maps to ErrNotFound and is not retried.
func (s *RemoteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("invalid key %q", key)
	}

	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	s.count(&s.totalRequests)

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			s.count(&s.totalRetries)

			backoff := s.config.Backoff << (attempt - 1)
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, err := s.doRequest(ctx, key)
		if err == nil {
			s.count(&s.successRequests)
			s.updateAvgResponseTime(time.Since(startTime))
			return data, nil
		}
		if errors.Is(err, ErrNotFound) {
			s.count(&s.notFound)
			return nil, ErrNotFound
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	s.count(&s.failedRequests)
	return nil, fmt.Errorf("fetch %s failed after %d attempts: %w", key, s.config.MaxRetries+1, lastErr)
}

func (s *RemoteStore) doRequest(ctx context.Context, key string) ([]byte, error) {
	endpoint := strings.TrimRight(s.config.Endpoint, "/") + "/" + url.PathEscape(key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("User-Agent", "callscore/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, HeaderSize+MaxFrames*MaxCoeffs*bytesPerCoeff))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: truncate(string(body), 256)}
	}
	return body, nil
}

// isRetryable reports whether a failed request is worth repeating
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Transport errors: connection refused, resets, timeouts.
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Put always fails; remote templates are published by preprocessing.
func (s *RemoteStore) Put(context.Context, string, []byte) error {
	return ErrReadOnly
}

func (s *RemoteStore) count(field *uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*field++
}

func (s *RemoteStore) updateAvgResponseTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.avgResponseTime == 0 {
		s.avgResponseTime = d
	} else {
		s.avgResponseTime = (s.avgResponseTime + d) / 2
	}
}

// GetStats returns current fetcher statistics
func (s *RemoteStore) GetStats() RemoteStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return RemoteStats{
		TotalRequests:   s.totalRequests,
		SuccessRequests: s.successRequests,
		NotFound:        s.notFound,
		FailedRequests:  s.failedRequests,
		TotalRetries:    s.totalRetries,
		AvgResponseTime: s.avgResponseTime,
		ActiveRequests:  len(s.semaphore),
	}
}

// Close waits for in-flight requests to finish
func (s *RemoteStore) Close() error {
	for i := 0; i < s.config.MaxConcurrent; i++ {
		s.semaphore <- struct{}{}
	}
	s.httpClient.CloseIdleConnections()
	return nil
}
