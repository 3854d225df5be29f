package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/liamcoop/achievements/filter"
	"github.com/liamcoop/achievements/handler"
	"github.com/liamcoop/achievements/internal/logger"
)

const (
	defaultMaxFailures = 3
	maxPayloadBytes    = 10 << 20
)

// ErrUnauthorized is returned when the API rejects the key (401/403)
var ErrUnauthorized = errors.New("api key rejected")

// APIConfig configures an APISource
type APIConfig struct {
	// Name is the source name criteria refer to
	Name string
	// BaseURL and Path form the polled endpoint
	BaseURL string
	Path    string
	// APIKey is sent as a bearer token when set
	APIKey       string
	PollInterval time.Duration
	Timeout      time.Duration
	// MaxFailures consecutive failed polls make the source Unavailable
	MaxFailures int
	Client      *http.Client
}

// APISource polls a JSON endpoint and serves the last good payload.
// A top-level array yields one item per element, anything else a single item.
type APISource struct {
	cfg    APIConfig
	url    string
	client *http.Client

	mu       sync.RWMutex
	items    []filter.Value
	fetched  time.Time
	failures int
	lastErr  error
	retired  bool
	closed   bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewAPISource validates cfg and creates a source; call Start to begin polling
func NewAPISource(cfg APIConfig) (*APISource, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("api source name is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api source %s: base URL is required", cfg.Name)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("api source %s: poll interval must be positive", cfg.Name)
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	url := strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Path != "" {
		url += "/" + strings.TrimLeft(cfg.Path, "/")
	}

	return &APISource{
		cfg:    cfg,
		url:    url,
		client: client,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

func (s *APISource) Name() string { return s.cfg.Name }

// Start polls immediately and then every poll interval until ctx is done or Close is called
func (s *APISource) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed || s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		for {
			if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("api source poll failed", "source", s.cfg.Name, "url", s.url, "error", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Poll fetches the endpoint once and updates the served payload
func (s *APISource) Poll(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	items, err := s.get(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.failures++
		s.lastErr = err
		if errors.Is(err, ErrUnauthorized) {
			s.retired = true
		}
		return err
	}

	s.items = items
	s.fetched = time.Now()
	s.failures = 0
	s.lastErr = nil
	s.retired = false
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

func (s *APISource) get(ctx context.Context) ([]filter.Value, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > maxPayloadBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxPayloadBytes)
	}

	payload, err := filter.FromJSON(body)
	if err != nil {
		return nil, err
	}
	if payload.Kind() == filter.KindList {
		return payload.Items(), nil
	}
	return []filter.Value{payload}, nil
}

// Status is Unavailable until the first successful poll and after MaxFailures
// consecutive failures, Retired while the key is rejected and Lost once closed.
func (s *APISource) Status(ctx context.Context) handler.SourceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.closed:
		return handler.SourceLost
	case s.retired:
		return handler.SourceRetired
	case s.fetched.IsZero():
		return handler.SourceUnavailable
	case s.failures >= s.cfg.MaxFailures:
		return handler.SourceUnavailable
	}
	return handler.SourceReady
}

// Fetch returns the last good payload, waiting for the first one if needed
func (s *APISource) Fetch(ctx context.Context) ([]filter.Value, error) {
	select {
	case <-s.ready:
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return append([]filter.Value(nil), s.items...), nil
}

// LastError is the error of the latest failed poll since the last success
func (s *APISource) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Close stops polling and marks the source lost
func (s *APISource) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		close(s.done)
		s.wg.Wait()
		s.client.CloseIdleConnections()
	})
	return nil
}
