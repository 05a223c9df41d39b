// Package telephony wraps the call provider's REST API: placing calls,
// hanging them up, and validating webhook signatures.
package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

const defaultBaseURL = "https://api.twilio.com"

// Circuit breaker settings for provider REST calls.
const (
	cbMaxFailures uint32 = 5
	cbTimeout            = 30 * time.Second
	cbInterval           = 60 * time.Second
)

// CallResource is the provider's representation of a call, as returned
// by the REST API.
type CallResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// PlaceCallParams are the inputs to an outbound call placement.
type PlaceCallParams struct {
	To             string
	From           string
	TwiML          string
	StatusCallback string
	// TimeoutSecs bounds how long the provider lets the call ring.
	TimeoutSecs int
	// MachineDetection enables the provider's answering machine
	// detection; results arrive on the status callback as AnsweredBy.
	MachineDetection bool
}

// Client talks to the telephony provider's REST API. Placement and
// hangup requests route through a circuit breaker so a provider outage
// fails fast instead of stalling campaign cycles.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*CallResource]
	logger     *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL overrides the provider API base URL. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a provider REST client.
func NewClient(accountSID, authToken string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With("subsystem", "telephony"),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker[*CallResource](gobreaker.Settings{
		Name:        "telephony",
		MaxRequests: 1, // allow 1 probe in half-open state
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

// PlaceCall creates an outbound call. The returned resource carries the
// provider-assigned SID that keys the call record.
func (c *Client) PlaceCall(ctx context.Context, params PlaceCallParams) (*CallResource, error) {
	form := url.Values{}
	form.Set("To", params.To)
	form.Set("From", params.From)
	form.Set("Twiml", params.TwiML)
	if params.StatusCallback != "" {
		form.Set("StatusCallback", params.StatusCallback)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}
	if params.TimeoutSecs > 0 {
		form.Set("Timeout", strconv.Itoa(params.TimeoutSecs))
	}
	if params.MachineDetection {
		form.Set("MachineDetection", "Enable")
	}

	res, err := c.breaker.Execute(func() (*CallResource, error) {
		return c.post(ctx, fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json", c.accountSID), form)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("telephony circuit open: %w", err)
		}
		return nil, err
	}

	c.logger.Info("call placed", "sid", res.SID, "to", params.To)
	return res, nil
}

// HangUp asks the provider to terminate an in-flight call. The final
// status still arrives via the status callback.
func (c *Client) HangUp(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	_, err := c.breaker.Execute(func() (*CallResource, error) {
		return c.post(ctx, fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", c.accountSID, callSID), form)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("telephony circuit open: %w", err)
		}
		return fmt.Errorf("hanging up call %s: %w", callSID, err)
	}

	c.logger.Info("hangup requested", "sid", callSID)
	return nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values) (*CallResource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building provider request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling provider API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider API status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res CallResource
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}
	return &res, nil
}

// ValidateSignature checks a status-callback request against the
// provider's HMAC-SHA1 scheme: the full request URL concatenated with
// the form parameters sorted by key, signed with the auth token and
// base64-encoded into the X-Twilio-Signature header.
func ValidateSignature(authToken, requestURL string, form url.Values, signature string) bool {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(requestURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
