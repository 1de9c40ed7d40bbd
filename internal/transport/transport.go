// Package transport issues authenticated HTTP requests to the ledger service.
// It carries no business logic: callers get the status code and raw body back
// and decide what they mean. Only connection-level failures produce errors.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is where a locally run ledger listens.
const DefaultBaseURL = "http://127.0.0.1:4000/api/v1"

// DefaultTimeout is the hard upper bound for a single request attempt.
const DefaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	BaseURL   string
	APIKey    string
	APISecret string
	ProjectID string
	Timeout   time.Duration // per-attempt bound; DefaultTimeout when zero

	// HTTPClient overrides the underlying client. Used by tests; when set,
	// its own timeout wins over Timeout.
	HTTPClient *http.Client
}

// Client is a thin authenticated HTTP client. It is safe for concurrent use;
// all SDK paths (blocking, async, audit) share one Client and therefore one
// connection pool.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	projectID  string
	httpClient *http.Client
}

// New validates the options and builds a Client.
func New(opts Options) (*Client, error) {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", base)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		projectID:  opts.ProjectID,
		httpClient: hc,
	}, nil
}

// BaseURL returns the configured base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Response is an HTTP result the caller still has to interpret.
// Non-2xx responses are returned here, not as errors.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// Error is a connection-level failure: the request never produced an HTTP
// response (dial failure, timeout, broken body read).
type Error struct {
	Op      string // "POST /payment"
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Do sends one request and returns the response status and raw body.
// Query and body may be nil. The body is JSON-marshalled when non-nil.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) (*Response, error) {
	op := method + " " + path

	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", path, err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-API-Secret", c.apiSecret)
	if c.projectID != "" {
		req.Header.Set("X-Project-ID", c.projectID)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: op, Timeout: isTimeout(err), Err: fmt.Errorf("read response: %w", err)}
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
