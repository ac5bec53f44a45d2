// Package clienthttp is the client for the storage and audit API. Every call
// carries the session's bearer token and is retried once after a token refresh on 401.
package clienthttp

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

	"github.com/sheerbytes/callfiles/internal/callctx"
	"github.com/sheerbytes/callfiles/internal/xferr"
)

// DefaultTimeout bounds a single API round trip.
const DefaultTimeout = 15 * time.Second

const maxResponseBytes = 1 << 20

// Envelope is the wrapper every API response uses.
type Envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Request describes one API call.
type Request struct {
	Method string
	Path   string // joined to the base URL
	Query  url.Values
	Body   any // JSON encoded when non-nil
	Header http.Header

	// Kind and Op label the *xferr.HTTPError returned on failure.
	Kind error
	Op   string
}

// Client talks to the API at one base URL on behalf of one call.
type Client struct {
	base string
	call *callctx.Context
	http *http.Client
}

// New creates a client. httpClient may be nil.
func New(baseURL string, call *callctx.Context, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http") {
		base = "http://" + base
	}
	return &Client{base: base, call: call, http: httpClient}
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.base }

// Call returns the session context the client authenticates with.
func (c *Client) Call() *callctx.Context { return c.call }

// Do performs req and decodes the envelope's data (or the whole body when there
// is no data field) into out, which may be nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	var payload []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", req.Op, err)
		}
		payload = b
	}

	status, body, err := c.roundTrip(ctx, req, payload, c.call.Token())
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		token, refreshErr := c.call.Refresh(ctx)
		if refreshErr == nil {
			status, body, err = c.roundTrip(ctx, req, payload, token)
			if err != nil {
				return err
			}
		}
	}

	var env Envelope
	jsonErr := json.Unmarshal(body, &env)
	if status < 200 || status >= 300 {
		msg := env.Message
		if jsonErr != nil || msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return &xferr.HTTPError{Kind: req.Kind, Op: req.Op, Status: status, Code: env.Code, Message: msg}
	}
	if jsonErr != nil {
		return &xferr.HTTPError{Kind: req.Kind, Op: req.Op, Status: status, Message: "malformed response: " + jsonErr.Error()}
	}
	if env.Success != nil && !*env.Success {
		return &xferr.HTTPError{Kind: req.Kind, Op: req.Op, Status: status, Code: env.Code, Message: env.Message}
	}
	if out == nil {
		return nil
	}
	src := body
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		src = env.Data
	}
	if err := json.Unmarshal(src, out); err != nil {
		return &xferr.HTTPError{Kind: req.Kind, Op: req.Op, Status: status, Message: "malformed response data: " + err.Error()}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req Request, payload []byte, token string) (int, []byte, error) {
	u := c.base + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create %s request: %w", req.Op, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("%w: %s: %w", req.Kind, req.Op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read %s response: %w", req.Kind, req.Op, err)
	}
	return resp.StatusCode, data, nil
}
