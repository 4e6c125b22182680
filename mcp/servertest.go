// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/mattermost/mattermost-mcp-client/oauth"
	"github.com/mattermost/mattermost-mcp-client/protocol"
	"github.com/mattermost/mattermost-mcp-client/transport"
)

// TestServerWithOAuthDiscovery checks a candidate server without adding it. A plain
// connection is tried first. When it fails the server is asked for OAuth metadata, and
// a server that refuses anonymous access but publishes metadata counts as reachable and
// requiring auth.
func (m *Manager) TestServerWithOAuthDiscovery(ctx context.Context, candidate ServerConfig) *TestResult {
	if err := validateConfig(&candidate); err != nil {
		return &TestResult{Error: err.Error(), FailureKind: FailureUnreachable}
	}

	client := m.newProtocolClient(candidate, "")
	defer func() { _ = client.Close() }()

	start := m.now()
	listCtx, cancel := context.WithTimeout(ctx, m.timeouts.ListTools)
	tools, err := client.ListTools(listCtx)
	cancel()
	elapsed := m.now().Sub(start)

	if err == nil {
		result := &TestResult{
			ConnectionSuccess: true,
			ToolCount:         len(tools),
			Tools:             tools,
		}
		if info := client.ServerInfo(); info != nil {
			result.ServerInfo = &info.ServerInfo
		}
		support := m.engine.TestOAuthSupport(ctx, candidate.URL, "")
		result.SupportsOAuth = support.SupportsOAuth
		result.OAuthDiscovery = support.Discovery
		return result
	}

	diagnostics := diagnose(err, elapsed)
	support := m.engine.TestOAuthSupport(ctx, candidate.URL, challengeHint(err))
	if support.SupportsOAuth {
		m.logger.Debug("MCP server requires OAuth",
			mlog.String("url", candidate.URL),
			mlog.Int("http_status", diagnostics.HTTPStatus),
		)
		return &TestResult{
			ConnectionSuccess: true,
			RequiresAuth:      true,
			SupportsOAuth:     true,
			OAuthDiscovery:    support.Discovery,
			FailureKind:       FailureAuthRequired,
			Diagnostics:       diagnostics,
		}
	}

	kind := failureKind(err)
	m.logger.Debug("MCP server test failed",
		mlog.String("url", candidate.URL),
		mlog.String("failure_kind", string(kind)),
		mlog.Err(err),
	)
	return &TestResult{
		Error:       failureMessage(kind, diagnostics),
		FailureKind: kind,
		Diagnostics: diagnostics,
	}
}

// challengeHint extracts the resource metadata URL from a 401 challenge, if any.
func challengeHint(err error) string {
	var transportErr *transport.Error
	if !errors.As(err, &transportErr) || transportErr.Header == nil {
		return ""
	}
	header := transportErr.Header.Get("WWW-Authenticate")
	if header == "" {
		return ""
	}
	hint, _ := oauth.ResourceMetadataURL(header)
	return hint
}

func diagnose(err error, elapsed time.Duration) *Diagnostics {
	d := &Diagnostics{ElapsedMillis: elapsed.Milliseconds()}

	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		d.HTTPStatus = transportErr.Status
		d.StatusText = transportErr.StatusText
		d.BodyExcerpt = transportErr.Body
		d.Timeout = transportErr.Timeout()
		if len(transportErr.Header) > 0 {
			d.Headers = make(map[string]string, len(transportErr.Header))
			for name, values := range transportErr.Header {
				d.Headers[name] = strings.Join(values, ", ")
			}
		}
	}

	var protocolErr *protocol.ProtocolError
	if errors.As(err, &protocolErr) {
		d.RPCCode = protocolErr.Code
		d.RPCMessage = protocolErr.Message
	}

	if errors.Is(err, context.DeadlineExceeded) {
		d.Timeout = true
	}
	return d
}

// failureKind separates a server that could not be reached, one that refused credentials
// without offering OAuth, and one that answered with something other than MCP.
func failureKind(err error) FailureKind {
	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		switch {
		case transportErr.Status == 0:
			return FailureUnreachable
		case transportErr.Unauthorized():
			return FailureAuthRequired
		default:
			return FailureProtocol
		}
	}

	var protocolErr *protocol.ProtocolError
	if errors.As(err, &protocolErr) {
		return FailureProtocol
	}
	return FailureUnreachable
}

func failureMessage(kind FailureKind, d *Diagnostics) string {
	switch kind {
	case FailureAuthRequired:
		return fmt.Sprintf("The server requires authentication (HTTP %d) but does not advertise OAuth. Contact the server operator.", d.HTTPStatus)
	case FailureProtocol:
		if d.HTTPStatus >= 300 {
			return fmt.Sprintf("The server responded with HTTP %d and does not appear to be an MCP endpoint.", d.HTTPStatus)
		}
		return "The server did not respond with a valid MCP message."
	default:
		if d.Timeout {
			return "The server did not respond in time. Check the URL and your network connection."
		}
		return "The server could not be reached. Check the URL and your network connection."
	}
}
