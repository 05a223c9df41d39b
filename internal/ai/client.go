// Package ai wraps the conversational AI platform's REST surface:
// minting signed WebSocket URLs for agent sessions and verifying
// post-call webhook signatures.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

const defaultBaseURL = "https://api.elevenlabs.io"

// Circuit breaker settings for AI platform REST calls.
const (
	cbMaxFailures uint32 = 5
	cbTimeout            = 30 * time.Second
	cbInterval           = 60 * time.Second
)

// Client talks to the AI platform's REST API.
type Client struct {
	agentID    string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[string]
	logger     *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL overrides the AI platform base URL. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an AI platform REST client.
func NewClient(agentID, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		agentID:    agentID,
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("subsystem", "ai"),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "ai",
		MaxRequests: 1,
		Interval:    cbInterval,
		Timeout:     cbTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cbMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return c
}

// GetSignedStreamURL mints a short-lived authenticated WebSocket URL for
// a new agent session. Each bridged call needs a fresh one.
func (c *Client) GetSignedStreamURL(ctx context.Context) (string, error) {
	signedURL, err := c.breaker.Execute(func() (string, error) {
		u := fmt.Sprintf("%s/v1/convai/conversation/get_signed_url?agent_id=%s",
			c.baseURL, url.QueryEscape(c.agentID))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return "", fmt.Errorf("building signed URL request: %w", err)
		}
		req.Header.Set("xi-api-key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("requesting signed URL: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", fmt.Errorf("reading signed URL response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("AI platform status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var payload struct {
			SignedURL string `json:"signed_url"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", fmt.Errorf("decoding signed URL response: %w", err)
		}
		if payload.SignedURL == "" {
			return "", fmt.Errorf("AI platform returned empty signed URL")
		}
		return payload.SignedURL, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", fmt.Errorf("ai circuit open: %w", err)
		}
		return "", err
	}
	return signedURL, nil
}
