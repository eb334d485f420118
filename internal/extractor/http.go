package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dshills/soundscope-mcp/internal/retry"
)

// ErrModelUnavailable is returned when the audio model server cannot be reached
var ErrModelUnavailable = errors.New("audio embedding model unavailable")

// HTTPAudioEmbedder calls a model server exposing
//
//	GET  <base>/health
//	POST <base>/embed  {"audio_path": "..."} -> {"embedding": [...]}
type HTTPAudioEmbedder struct {
	baseURL    string
	dimension  int
	httpClient *http.Client
	retry      retry.Config

	mu     sync.Mutex
	opened bool
}

// HTTPAudioEmbedderOptions configures an HTTPAudioEmbedder
type HTTPAudioEmbedderOptions struct {
	BaseURL   string
	Dimension int
	Timeout   time.Duration
	Retry     *retry.Config
}

// NewHTTPAudioEmbedder returns an unopened embedder
func NewHTTPAudioEmbedder(opts HTTPAudioEmbedderOptions) (*HTTPAudioEmbedder, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("audio model base URL is required")
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("audio model dimension must be positive, got %d", opts.Dimension)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cfg := retry.DefaultConfig()
	if opts.Retry != nil {
		cfg = *opts.Retry
	}
	return &HTTPAudioEmbedder{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		dimension:  opts.Dimension,
		httpClient: &http.Client{Timeout: timeout},
		retry:      cfg,
	}, nil
}

// Open checks the server health once. Opening an open embedder is a no-op.
func (h *HTTPAudioEmbedder) Open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opened {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %d", ErrModelUnavailable, resp.StatusCode)
	}

	h.opened = true
	return nil
}

// Embed returns the external embedding of audioPath
func (h *HTTPAudioEmbedder) Embed(ctx context.Context, audioPath string) ([]float32, error) {
	h.mu.Lock()
	opened := h.opened
	h.mu.Unlock()
	if !opened {
		return nil, fmt.Errorf("%w: not opened", ErrModelUnavailable)
	}

	vector, err := retry.Do(ctx, h.retry, func(ctx context.Context) ([]float32, error) {
		return h.call(ctx, audioPath)
	})
	if err != nil {
		return nil, err
	}
	if len(vector) != h.dimension {
		return nil, fmt.Errorf("audio model returned %d dimensions for %s, want %d", len(vector), audioPath, h.dimension)
	}
	return vector, nil
}

func (h *HTTPAudioEmbedder) call(ctx context.Context, audioPath string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"audio_path": audioPath})
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", audioPath, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("embed %s: status %d: %s", audioPath, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.Permanent(apiErr)
		}
		return nil, apiErr
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding for %s: %w", audioPath, err)
	}
	return out.Embedding, nil
}

// Dimension returns the external embedding dimension
func (h *HTTPAudioEmbedder) Dimension() int {
	return h.dimension
}

// Close releases idle connections and marks the embedder closed
func (h *HTTPAudioEmbedder) Close() error {
	h.mu.Lock()
	h.opened = false
	h.mu.Unlock()
	h.httpClient.CloseIdleConnections()
	return nil
}
