package mirror

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"atb-dashboard-go/internal/bots"
	"atb-dashboard-go/internal/config"
	"atb-dashboard-go/internal/marketdata"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrDisabled is returned by every call when no base URL is configured.
var ErrDisabled = errors.New("mirror disabled")

const defaultMaxRetries = 3

// Client talks to a remote dashboard backend that mirrors bot state and
// serves live timeframe data.
type Client struct {
	client     *resty.Client
	logger     *zap.Logger
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	enabled    bool
}

// ensure Client can back the timeframe cache
var _ marketdata.Fetcher = (*Client)(nil)

// NewClient creates a mirror client. A config without base URL yields a
// disabled client whose calls fail fast with ErrDisabled.
func NewClient(cfg config.Mirror, logger *zap.Logger) *Client {
	logger = logger.Named("mirror")
	client := resty.New().SetBaseURL(cfg.BaseURL)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	if cfg.Enabled() {
		logger.Info("Using remote mirror", zap.String("base_url", cfg.BaseURL))
	}
	return &Client{
		client:     client,
		logger:     logger,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: retries,
		backoff:    time.Second,
		enabled:    cfg.Enabled(),
	}
}

// Enabled reports whether the client has a backend.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Ping checks that the backend answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if !c.enabled {
		return ErrDisabled
	}
	if _, err := c.doRequest(ctx, http.MethodGet, "/health", c.client.R()); err != nil {
		return fmt.Errorf("failed to ping mirror: %w", err)
	}
	return nil
}

// PushState sends the bot state snapshot.
func (c *Client) PushState(ctx context.Context, state bots.State) error {
	if !c.enabled {
		return ErrDisabled
	}
	req := c.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(state)
	if _, err := c.doRequest(ctx, http.MethodPost, "/api/bots/state", req); err != nil {
		return fmt.Errorf("failed to push bot state: %w", err)
	}
	return nil
}

// PullState fetches the remote bot state. It reports false when the
// backend has neither trades nor metrics.
func (c *Client) PullState(ctx context.Context) (bots.State, bool, error) {
	if !c.enabled {
		return bots.State{}, false, ErrDisabled
	}
	req := c.client.R().SetResult(&bots.State{})
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/bots/state", req)
	if err != nil {
		return bots.State{}, false, fmt.Errorf("failed to pull bot state: %w", err)
	}
	state := resp.Result().(*bots.State)
	if state.BotTrades == nil && state.BotMetrics == nil {
		return bots.State{}, false, nil
	}
	return *state, true, nil
}

// FetchTimeframe loads a live series for symbol.
func (c *Client) FetchTimeframe(ctx context.Context, symbol, timeframe string) ([]marketdata.Bar, error) {
	if !c.enabled {
		return nil, ErrDisabled
	}
	var bars []marketdata.Bar
	req := c.client.R().
		SetQueryParam("timeframe", timeframe).
		SetResult(&bars)
	path := "/api/market-data/" + url.PathEscape(symbol) + "/timeframe"
	resp, err := c.doRequest(ctx, http.MethodGet, path, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %s: %w", symbol, timeframe, err)
	}
	return *resp.Result().(*[]marketdata.Bar), nil
}

// doRequest executes req with rate limiting, retrying throttled,
// server-side and network failures with exponential backoff.
func (c *Client) doRequest(ctx context.Context, method, path string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	req.SetContext(ctx)
	for i := 0; i < c.maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+path))
		resp, err = req.Execute(method, path)

		if err == nil && !resp.IsError() {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
		} else {
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}
		if err == nil {
			err = fmt.Errorf("status %s", resp.Status())
		}
		if i == c.maxRetries-1 {
			break
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Debug("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, err)
}
