// Package api provides typed clients for the back-office REST resources.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/soyeahso/backoffice/internal/attachment"
	"github.com/soyeahso/backoffice/internal/logging"
	"github.com/soyeahso/backoffice/internal/version"
)

// TokenSource supplies the bearer token for each request. An empty token
// sends the request unauthenticated.
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// Options configures a Client.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables pacing
	Burst             int
	Limits            attachment.Limits
	HTTPClient        *http.Client
	Tokens            TokenSource
}

// Client talks to the back-office REST API. The resource clients hang off it.
type Client struct {
	base    string
	http    *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	limits  attachment.Limits
	log     *logging.Logger

	Auth          *AuthClient
	Chats         *ChatClient
	Users         *UserClient
	Payments      *PaymentClient
	Orders        *OrderClient
	Consultations *ConsultationClient
	DailyUpdates  *DailyUpdateClient
	Teams         *TeamClient
}

// New creates a Client for the API rooted at opts.BaseURL.
func New(opts Options, log *logging.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}
	limits := opts.Limits
	if limits == (attachment.Limits{}) {
		limits = attachment.DefaultLimits()
	}

	c := &Client{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		http:   httpClient,
		tokens: tokens,
		limits: limits,
		log:    log.Sub("api"),
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	c.Auth = &AuthClient{c: c}
	c.Chats = &ChatClient{c: c}
	c.Users = &UserClient{c: c}
	c.Payments = &PaymentClient{c: c}
	c.Orders = &OrderClient{c: c}
	c.Consultations = &ConsultationClient{c: c}
	c.DailyUpdates = &DailyUpdateClient{c: c}
	c.Teams = &TeamClient{c: c}
	return c
}

// BaseURL returns the API root the client was built with.
func (c *Client) BaseURL() string { return c.base }

// Limits returns the attachment ceilings the client enforces before upload.
func (c *Client) Limits() attachment.Limits { return c.limits }

func (c *Client) url(path string, query url.Values) string {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// doJSON sends body (if non-nil) as JSON and decodes the response into out
// (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var r io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(payload)
	}
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}
	return c.do(ctx, method, path, query, r, contentType, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for request slot: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tok := c.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: request failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(method, path, resp.StatusCode, respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", path, err)
	}
	return nil
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// Error is a non-2xx response from the API.
type Error struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// Is maps HTTP statuses onto the package's sentinel errors.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrConflict:
		return e.Status == http.StatusConflict
	}
	return false
}

func newError(method, path string, status int, body []byte) *Error {
	var shaped struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &shaped) == nil {
		switch {
		case shaped.Message != "":
			msg = shaped.Message
		case shaped.Error != nil:
			switch v := shaped.Error.(type) {
			case string:
				msg = v
			case map[string]any:
				if m, ok := v["message"].(string); ok {
					msg = m
				}
			}
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Method: method, Path: path, Status: status, Message: msg}
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {fmt.Sprint(limit)}}
}
