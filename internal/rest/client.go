// ABOUTME: Rate-limited REST client: bucket acquire, request, header-driven release.
// ABOUTME: Handles 429 retries with server-provided delays and the global lockout.

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/blanketsucks/lefi/internal/ratelimit"
	"github.com/blanketsucks/lefi/internal/wire"
)

// DefaultBaseURL is the upstream REST API root.
const DefaultBaseURL = "https://discord.com/api/v10"

// defaultMaxRetries bounds retries after HTTP-level 429s that slip past
// local accounting (clock skew, other processes on the same token).
const defaultMaxRetries = 3

// Client executes REST calls through the bucket limiter.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	baseURL    string
	token      string
	userAgent  string
	maxRetries int
	logger     *slog.Logger
}

// Options configures a Client beyond its token.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	MaxRetries int
	Logger     *slog.Logger
}

// NewClient creates a REST client for the given bot token.
func NewClient(token string, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewLimiter(opts.Logger)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: opts.HTTPClient,
		limiter:    opts.Limiter,
		baseURL:    opts.BaseURL,
		token:      token,
		userAgent:  "Lefi (https://github.com/blanketsucks/lefi)",
		maxRetries: opts.MaxRetries,
		logger:     logger.With("component", "rest"),
	}
}

// Limiter exposes the bucket limiter shared with other callers.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Do executes a REST call under the bucket limiter and returns the response
// body. body is JSON-marshaled when non-nil. 429s are retried up to the
// configured bound honoring the server's retry_after; other error statuses
// map to APIError.
func (c *Client) Do(ctx context.Context, method, path string, body any) ([]byte, error) {
	bucket := BucketKey(method, path)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		respBody, retryAfter, err := c.attempt(ctx, method, path, bucket, payload)
		if err != nil {
			return nil, err
		}
		if retryAfter < 0 {
			return respBody, nil
		}

		c.logger.Warn("rate limited by server, retrying",
			"bucket", bucket,
			"retry_after", retryAfter,
			"attempt", attempt+1,
		)
		if err := sleep(ctx, retryAfter); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s %s: %w", method, path, ErrRateLimited)
}

// attempt performs one acquire/request/release cycle. A non-negative
// retryAfter means the server answered 429 and the caller should retry after
// that delay.
func (c *Client) attempt(ctx context.Context, method, path, bucket string, payload []byte) (respBody []byte, retryAfter time.Duration, err error) {
	if err := c.limiter.Acquire(ctx, bucket); err != nil {
		return nil, 0, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		c.limiter.Release(bucket, nil)
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.limiter.Release(bucket, nil)
		return nil, 0, err
	}
	defer resp.Body.Close()

	c.limiter.Release(bucket, resp.Header)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusNotModified:
		return data, -1, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		var rl struct {
			RetryAfter float64 `json:"retry_after"`
			Global     bool    `json:"global"`
		}
		if err := json.Unmarshal(data, &rl); err != nil {
			rl.RetryAfter = 1
		}
		d := time.Duration(rl.RetryAfter * float64(time.Second))
		if rl.Global {
			c.limiter.LockGlobal(d)
		}
		return nil, d, nil

	default:
		return nil, 0, newAPIError(resp.StatusCode, data)
	}
}

// GatewayBot performs the bootstrap call that yields the gateway URL, the
// recommended shard count, and the identify limiter's capacity.
func (c *Client) GatewayBot(ctx context.Context) (*wire.GatewayBot, error) {
	data, err := c.Do(ctx, http.MethodGet, "/gateway/bot", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching gateway bootstrap: %w", err)
	}
	var gb wire.GatewayBot
	if err := json.Unmarshal(data, &gb); err != nil {
		return nil, fmt.Errorf("decoding gateway bootstrap: %w", err)
	}
	return &gb, nil
}

// ValidateToken checks the configured token against the identity endpoint.
func (c *Client) ValidateToken(ctx context.Context) error {
	if _, err := c.Do(ctx, http.MethodGet, "/users/@me", nil); err != nil {
		return fmt.Errorf("validating token: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
