package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/trackdock/syncbridge/internal/event"
)

const (
	defaultTimeout = 10 * time.Second
	maxResponse    = 1 << 20 // 1 MiB

	userAgent = "syncbridge/1.0"
)

// HTTPClient applies changes to a platform over its REST API.
type HTTPClient struct {
	endpoint string
	token    string
	client   *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		if timeout > 0 {
			c.client.Timeout = timeout
		}
	}
}

// WithToken sets the bearer token sent on apply requests.
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) {
		c.token = token
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a platform client for the given API endpoint.
func NewHTTPClient(endpoint string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Client = (*HTTPClient)(nil)

// applyRequest is the wire form of an apply call.
type applyRequest struct {
	EntityKind string         `json:"entity_kind"`
	Action     string         `json:"action"`
	Payload    *event.Payload `json:"payload"`
}

// applyResponse is the wire form of a successful apply.
type applyResponse struct {
	ID string `json:"id"`
}

// Apply implements Client. Entities without a counterpart id are
// created with POST /entities; known entities are updated with
// PATCH /entities/{id}.
func (c *HTTPClient) Apply(ctx context.Context, ev *event.SyncEvent, counterpartID string) (*ApplyResult, error) {
	body, err := json.Marshal(applyRequest{
		EntityKind: string(ev.EntityKind),
		Action:     string(ev.Action),
		Payload:    &ev.Payload,
	})
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Message: "encode apply request", Err: err}
	}

	method := http.MethodPost
	url := c.endpoint + "/entities"
	if counterpartID != "" {
		method = http.MethodPatch
		url += "/" + counterpartID
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Message: "build apply request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport failures and timeouts are worth retrying.
		return nil, &Error{Kind: KindRetryable, Message: "apply request failed", Err: err}
	}
	defer resp.Body.Close()

	rateLimit := parseRateLimit(resp.Header)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, &Error{Kind: KindRetryable, Message: "read apply response", RateLimit: rateLimit, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result := &ApplyResult{RateLimit: rateLimit}
		if counterpartID == "" {
			var parsed applyResponse
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				return nil, &Error{
					Kind:       KindPermanent,
					StatusCode: resp.StatusCode,
					Message:    "decode apply response",
					RateLimit:  rateLimit,
					Err:        err,
				}
			}
			if parsed.ID == "" {
				return nil, &Error{
					Kind:       KindPermanent,
					StatusCode: resp.StatusCode,
					Message:    "create response missing entity id",
					RateLimit:  rateLimit,
				}
			}
			result.ExternalID = parsed.ID
		}
		return result, nil
	}

	return nil, classifyStatus(resp.StatusCode, respBody, rateLimit)
}

// classifyStatus maps an HTTP error status to the retry taxonomy.
func classifyStatus(status int, body []byte, rateLimit *RateLimitInfo) *Error {
	kind := KindPermanent
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRetryable
	case status == http.StatusRequestTimeout:
		kind = KindRetryable
	case status >= 500:
		kind = KindRetryable
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	return &Error{
		Kind:       kind,
		StatusCode: status,
		Message:    fmt.Sprintf("HTTP %d: %s", status, msg),
		RateLimit:  rateLimit,
	}
}

// parseRateLimit extracts X-RateLimit-Remaining and X-RateLimit-Reset
// (unix seconds) headers. Returns nil when neither is present.
func parseRateLimit(h http.Header) *RateLimitInfo {
	remaining := h.Get("X-RateLimit-Remaining")
	reset := h.Get("X-RateLimit-Reset")
	if remaining == "" && reset == "" {
		return nil
	}

	info := &RateLimitInfo{Remaining: -1}
	if remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			info.Remaining = n
		}
	}
	if reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			info.Reset = time.Unix(unix, 0).UTC()
		}
	}
	return info
}
