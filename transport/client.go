// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package transport

import (
	"io"
	"net/http"
)

// HTTPClient returns an *http.Client for libraries that drive HTTP themselves. It shares the
// round tripper of t when t exposes one, so injected headers still apply. Responses with a
// 4xx or 5xx status come back as *Error carrying the status, headers and a body excerpt,
// the same failure Post and Get callers build with StatusError.
func HTTPClient(t Transport) *http.Client {
	base := http.DefaultTransport
	if provider, ok := t.(interface{ Client() *http.Client }); ok {
		if c := provider.Client(); c != nil && c.Transport != nil {
			base = c.Transport
		}
	}
	return &http.Client{Transport: &statusTransport{base: base}}
}

type statusTransport struct {
	base http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, &Error{URL: req.URL.String(), Err: err}
	}
	if resp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return nil, &Error{
		URL:        req.URL.String(),
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     resp.Header,
		Body:       Excerpt(body),
	}
}
