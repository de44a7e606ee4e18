// Package client is the typed HTTP client the agent roles use to talk to the
// server: session lifecycle, command ingest, the three queues, job logs, and
// worker heartbeats. Transient failures retry with exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config carries the connection settings. Zero values fall back to
// defaults in New.
type Config struct {
	BaseURL     string
	AuthToken   string
	HTTPTimeout time.Duration
	MaxRetries  int
}

// ConfigFromEnv reads the standard environment variables.
func ConfigFromEnv() Config {
	cfg := Config{
		BaseURL:   os.Getenv("PUSHPALS_SERVER_URL"),
		AuthToken: os.Getenv("PUSHPALS_AUTH_TOKEN"),
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	return cfg
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err is a 409 response.
func IsConflict(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusConflict
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to one server. Safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New builds a Client. logger may be nil.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger.With("component", "client"),
	}
}

// newRetryBackoff is a 250ms → 10s exponential backoff with jitter.
func newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// doJSON performs one request with retries on network errors and retryable
// status codes. out may be nil when the response body is not needed.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	bo := newRetryBackoff()
	attempts := 0
	for {
		attempts++
		err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempts > c.cfg.MaxRetries {
			return err
		}

		interval := bo.NextBackOff()
		c.logger.Warn("request failed, retrying",
			"method", method, "path", path,
			"attempt", attempts, "backoff", interval, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var echoErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &echoErr)
		if echoErr.Message == "" {
			echoErr.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: echoErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// retryable reports whether the error is worth another attempt. Network
// errors and server-side overload retry; client errors and CAS conflicts do
// not.
func retryable(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		// Transport-level failure.
		return true
	}
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
