// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package transport is the HTTP capability the MCP client and the OAuth engine are built on.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// TimeoutShort bounds discovery requests and tool listing.
	TimeoutShort = 10 * time.Second
	// TimeoutLong bounds tool execution.
	TimeoutLong = 60 * time.Second

	maxResponseBytes = 8 << 20
	userAgent        = "mattermost-mcp-client/1.0"
)

// Transport issues HTTP requests on behalf of the protocol client and the OAuth engine.
// Non-2xx responses are not errors; only network level failures are.
type Transport interface {
	Post(ctx context.Context, url string, body any, headers map[string]string) (*Response, error)
	Get(ctx context.Context, url string, headers map[string]string) (*Response, error)
}

// Response is a fully read HTTP response.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

func (r *Response) Text() string {
	return string(r.Body)
}

// ContentType returns the media type without parameters.
func (r *Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// HTTPTransport implements Transport over net/http.
type HTTPTransport struct {
	client  *http.Client
	timeout time.Duration
}

type Option func(*HTTPTransport)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) {
		t.client = c
	}
}

// WithHeaders adds headers to every outgoing request.
func WithHeaders(headers map[string]string) Option {
	return func(t *HTTPTransport) {
		if len(headers) == 0 {
			return
		}
		base := t.client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client := *t.client
		client.Transport = &headerTransport{base: base, headers: headers}
		t.client = &client
	}
}

// WithTimeout sets the deadline applied when the caller's context has none.
func WithTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) {
		t.timeout = d
	}
}

func NewHTTPTransport(opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		client:  &http.Client{},
		timeout: TimeoutLong,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Client exposes the underlying client for libraries that need an *http.Client.
func (t *HTTPTransport) Client() *http.Client {
	return t.client
}

func (t *HTTPTransport) Post(ctx context.Context, url string, body any, headers map[string]string) (*Response, error) {
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	case string:
		payload = []byte(b)
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = encoded
	}

	merged := map[string]string{"Content-Type": "application/json"}
	for k, v := range headers {
		merged[k] = v
	}
	return t.do(ctx, http.MethodPost, url, payload, merged)
}

func (t *HTTPTransport) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return t.do(ctx, http.MethodGet, url, nil, headers)
}

func (t *HTTPTransport) do(ctx context.Context, method, url string, payload []byte, headers map[string]string) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &Error{URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{URL: url, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	return &Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     resp.Header,
		Body:       body,
	}, nil
}
