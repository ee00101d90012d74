// ABOUTME: Klaviyo JSON:API client with rate limiting and typed API errors
// ABOUTME: Creates campaigns and reads campaign revenue reports

package klaviyo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL  = "https://a.klaviyo.com"
	DefaultRevision = "2024-10-15"

	maxRetries      = 3
	maxRetryWait    = 30 * time.Second
	maxResponseSize = 4 << 20
)

// APIError is a non-2xx response from Klaviyo.
type APIError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("klaviyo: %d %s: %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("klaviyo: %d: %s", e.Status, e.Detail)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// retryPolicy selects which failed responses a request may be retried on.
type retryPolicy int

const (
	// retryTemporary retries 429 and 5xx. For requests without side effects.
	retryTemporary retryPolicy = iota
	// retryRateLimited retries only 429, which Klaviyo sends before acting on
	// the request. A 5xx on a create may have created the resource anyway.
	retryRateLimited
)

func (p retryPolicy) allows(err *APIError) bool {
	if p == retryRateLimited {
		return err.Status == http.StatusTooManyRequests
	}
	return err.Temporary()
}

// Config configures a Client.
type Config struct {
	BaseURL            string
	APIKey             string
	Revision           string
	RequestsPerSecond  float64
	ConversionMetricID string
	HTTPClient         *http.Client
	Logger             *slog.Logger
}

// Client talks to the Klaviyo REST API.
type Client struct {
	baseURL  string
	apiKey   string
	revision string
	metricID string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger

	// retryWait is the first backoff after a retryable failure; it doubles per attempt.
	retryWait time.Duration
}

// New creates a Klaviyo client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Revision == "" {
		cfg.Revision = DefaultRevision
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 3
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		revision:  cfg.Revision,
		metricID:  cfg.ConversionMetricID,
		http:      cfg.HTTPClient,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		logger:    cfg.Logger.With("component", "klaviyo"),
		retryWait: time.Second,
	}
}

type errorDocument struct {
	Errors []struct {
		Status int    `json:"status"`
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var doc errorDocument
	if err := json.Unmarshal(body, &doc); err == nil && len(doc.Errors) > 0 {
		apiErr.Code = doc.Errors[0].Code
		apiErr.Detail = doc.Errors[0].Detail
		if apiErr.Detail == "" {
			apiErr.Detail = doc.Errors[0].Title
		}
	}
	if apiErr.Detail == "" {
		apiErr.Detail = strings.TrimSpace(string(body))
	}
	if apiErr.Detail == "" {
		apiErr.Detail = http.StatusText(status)
	}
	return apiErr
}

// do sends a JSON:API request and decodes the response into out. Failures the
// policy allows are retried with exponential backoff.
func (c *Client) do(ctx context.Context, policy retryPolicy, method, path string, in, out any) error {
	if c.apiKey == "" {
		return fmt.Errorf("klaviyo: api key not configured")
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.retryWait << (attempt - 1)
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > wait {
				wait = min(apiErr.RetryAfter, maxRetryWait)
			}
			c.logger.Debug("retrying klaviyo request", "path", path, "attempt", attempt, "wait", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := c.once(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !policy.allows(apiErr) {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Klaviyo-API-Key "+c.apiKey)
	req.Header.Set("revision", c.revision)
	req.Header.Set("Accept", "application/vnd.api+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/vnd.api+json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("klaviyo request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseAPIError(resp.StatusCode, data)
		apiErr.RetryAfter = retryAfter(resp.Header)
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// retryAfter reads the Retry-After header, which Klaviyo sends in seconds.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
