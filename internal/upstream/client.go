package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vietvoicelabs/speechguard/pkg/types"
)

// Default retry policy: up to 2 retries after the first attempt, with delays
// of 100ms then 200ms. Fatal errors fail immediately.
const (
	defaultMaxRetries     = 2
	defaultRetryBaseDelay = 100 * time.Millisecond
	defaultRequestTimeout = 10 * time.Second

	streamPath = "/asr/stream"
	healthPath = "/healthz"

	sessionHeader = "X-Session-ID"
	apiKeyHeader  = "X-API-Key"
)

// ClientConfig holds tuning knobs for a [Client].
type ClientConfig struct {
	// BaseURL is the inference service root (e.g. "http://ai-worker:8001").
	BaseURL string

	// APIKey is sent on every request in the X-API-Key header.
	APIKey string

	// RequestTimeout bounds a single attempt. Default: 10s.
	RequestTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	// Default: 2. Set negative to disable retries.
	MaxRetries int

	// RetryBaseDelay is the delay before the first retry; each subsequent
	// retry doubles it. Default: 100ms.
	RetryBaseDelay time.Duration
}

// Client forwards aggregated audio batches to the inference service through
// a shared [Pool]. One call to [Client.Forward] produces one outbound request
// per attempt — no implicit batching.
type Client struct {
	httpc      *http.Client
	baseURL    string
	apiKey     string
	maxRetries int
	baseDelay  time.Duration
}

// NewClient creates a [Client] that issues requests through pool. Zero-value
// config fields are replaced with defaults.
func NewClient(pool *Pool, cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream: BaseURL must not be empty")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	return &Client{
		httpc: &http.Client{
			Transport: pool,
			Timeout:   cfg.RequestTimeout,
		},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
	}, nil
}

// Forward sends one aggregated audio payload for the given session and
// returns the structured inference result. Retryable failures (connection
// reset/refused, timeout, HTTP 429/5xx) are retried with exponential backoff;
// fatal failures (other 4xx, malformed responses) surface immediately. The
// final error is always a classified [*Error].
func (c *Client) Forward(ctx context.Context, sessionID string, payload []byte) (*types.InferenceResult, error) {
	var lastErr *Error

	for attempt := 0; ; attempt++ {
		res, err := c.post(ctx, sessionID, payload)
		if err == nil {
			return res, nil
		}

		lastErr = Classify(err)
		if !lastErr.Retryable() || attempt >= c.maxRetries {
			return nil, lastErr
		}

		delay := c.retryDelay(attempt + 1)
		slog.Debug("upstream forward retrying",
			"session_id", sessionID,
			"attempt", attempt+1,
			"delay", delay,
			"kind", lastErr.Kind.String(),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, &Error{Kind: KindTimeout, Err: err}
		}
	}
}

// retryDelay returns the delay before retry n (1-indexed): base × 2^(n−1).
func (c *Client) retryDelay(n int) time.Duration {
	return c.baseDelay << (n - 1)
}

// post performs a single forwarding attempt.
func (c *Client) post(ctx context.Context, sessionID string, payload []byte) (*types.InferenceResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+streamPath, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindLocal, Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(sessionHeader, sessionID)
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode)
	}

	var res types.InferenceResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, &Error{Kind: KindLocal, Err: fmt.Errorf("decode response: %w", err)}
	}
	if res.Status != "ok" {
		return nil, &Error{Kind: KindLocal, Err: fmt.Errorf("upstream status %q", res.Status)}
	}
	return &res, nil
}

// Ping performs one lightweight round trip to the health endpoint and returns
// the elapsed time. Used by the health-check breaker and by the flow
// controller's latency probe. Ping never retries.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return 0, &Error{Kind: KindLocal, Err: err}
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, Classify(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return elapsed, statusError(resp.StatusCode)
	}
	return elapsed, nil
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
