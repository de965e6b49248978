// Package site calls the shop's member endpoints to link a Discord user to
// a customer account and read back their cumulative spend.
package site

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/h1v3-io/deskbot/internal/observability"
	"github.com/shopspring/decimal"
)

const (
	linkPath    = "/wp-json/rex/v1/discord/link"
	refreshPath = "/wp-json/rex/v1/discord/refresh"

	// SecretHeader carries the shared secret in both directions.
	SecretHeader = "X-API-Secret"
)

// APIError is a non-2xx or not-ok answer from the site.
type APIError struct {
	Status  int
	Message string
	Body    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("site: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("site: HTTP %d", e.Status)
}

// Client talks to the shop site.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	metrics *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// New creates a client for the site at baseURL.
func New(baseURL, secret string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Link binds userID to the site account registered under email and
// returns the account's total spend.
func (c *Client) Link(ctx context.Context, userID, email string) (decimal.Decimal, error) {
	return c.call(ctx, "link", linkPath, map[string]string{
		"discordUserId": userID,
		"email":         email,
	})
}

// Refresh returns the current total spend of the account linked to userID.
func (c *Client) Refresh(ctx context.Context, userID string) (decimal.Decimal, error) {
	return c.call(ctx, "refresh", refreshPath, map[string]string{
		"discordUserId": userID,
	})
}

type response struct {
	OK         bool             `json:"ok"`
	TotalSpent *decimal.Decimal `json:"totalSpent"`
	Error      string           `json:"error"`
	Message    string           `json:"message"`
}

func (c *Client) call(ctx context.Context, endpoint, path string, body any) (decimal.Decimal, error) {
	spent, err := c.do(ctx, path, body)
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.SiteCall(endpoint, result)
	return spent, err
}

func (c *Client) do(ctx context.Context, path string, body any) (decimal.Decimal, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("site: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return decimal.Zero, fmt.Errorf("site: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("site: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("site: read response: %w", err)
	}

	var r response
	jsonErr := json.Unmarshal(raw, &r)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || jsonErr != nil || !r.OK {
		msg := r.Error
		if msg == "" {
			msg = r.Message
		}
		if msg == "" && jsonErr != nil {
			msg = "invalid response body"
		}
		return decimal.Zero, &APIError{Status: resp.StatusCode, Message: msg, Body: string(raw)}
	}
	if r.TotalSpent == nil {
		return decimal.Zero, &APIError{Status: resp.StatusCode, Message: "missing totalSpent", Body: string(raw)}
	}
	return *r.TotalSpent, nil
}

// MemberURL builds a browser link to a member page on the site, tagged
// with the Discord user ID when one is given.
func MemberURL(baseURL, path, userID string) string {
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	u := strings.TrimRight(baseURL, "/") + path
	if userID == "" {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "discordUserId=" + url.QueryEscape(userID)
}
