// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

const maxExcerpt = 512

// Error is a transport failure. Status is zero when no HTTP response was received.
type Error struct {
	URL        string
	Status     int
	StatusText string
	Header     http.Header
	Body       string
	Err        error
}

// StatusError builds an Error from a non-2xx response.
func StatusError(url string, resp *Response) *Error {
	return &Error{
		URL:        url,
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Header:     resp.Header,
		Body:       Excerpt(resp.Body),
	}
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("request to %s failed: HTTP %d %s: %s", e.URL, e.Status, e.StatusText, e.Body)
	}
	return fmt.Sprintf("request to %s failed: HTTP %d %s", e.URL, e.Status, e.StatusText)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request hit a deadline.
func (e *Error) Timeout() bool {
	if e.Err == nil {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Unauthorized reports a 401 or 403 response.
func (e *Error) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Excerpt truncates a body for diagnostics.
func Excerpt(body []byte) string {
	if len(body) <= maxExcerpt {
		return string(body)
	}
	return string(body[:maxExcerpt]) + "..."
}

// Retryable reports whether a failed idempotent request may be attempted again.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	if te.Status == 0 {
		return true
	}
	return te.Status == http.StatusTooManyRequests || te.Status >= 500
}
