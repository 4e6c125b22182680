// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-mcp-client/mcptest"
	"github.com/mattermost/mattermost-mcp-client/protocol"
)

func TestServerWithOAuthDiscoveryOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("works without auth", func(t *testing.T) {
		srv := mcptest.NewServer(t, mcptest.WithName("plain"), mcptest.WithEchoTool())
		m, _ := newTestManager(t)

		result := m.TestServerWithOAuthDiscovery(ctx, ServerConfig{Name: "Plain", URL: srv.URL()})
		assert.True(t, result.ConnectionSuccess)
		assert.False(t, result.RequiresAuth)
		assert.False(t, result.SupportsOAuth)
		assert.Equal(t, 1, result.ToolCount)
		require.NotNil(t, result.ServerInfo)
		assert.Equal(t, "plain", result.ServerInfo.Name)
		assert.Empty(t, result.Error)
		assert.Nil(t, result.Diagnostics)
		assert.Empty(t, m.GetServerConfigs(), "testing never registers the server")
	})

	t.Run("requires auth with discovery", func(t *testing.T) {
		srv := mcptest.NewServer(t, mcptest.WithOAuth(), mcptest.WithEchoTool())
		m, _ := newTestManager(t)

		result := m.TestServerWithOAuthDiscovery(ctx, ServerConfig{Name: "Locked", URL: srv.URL()})
		assert.True(t, result.ConnectionSuccess, "a refusal with OAuth metadata is not a failure")
		assert.True(t, result.RequiresAuth)
		assert.True(t, result.SupportsOAuth)
		assert.Empty(t, result.Error)
		assert.Equal(t, FailureAuthRequired, result.FailureKind)
		require.NotNil(t, result.OAuthDiscovery)
		assert.Equal(t, srv.Server.URL+"/token", result.OAuthDiscovery.TokenEndpoint)
		require.NotNil(t, result.Diagnostics)
		assert.Equal(t, http.StatusUnauthorized, result.Diagnostics.HTTPStatus)
		assert.Contains(t, result.Diagnostics.Headers["Www-Authenticate"], "resource_metadata")
	})

	t.Run("unreachable", func(t *testing.T) {
		m, _ := newTestManager(t)

		result := m.TestServerWithOAuthDiscovery(ctx, ServerConfig{Name: "Gone", URL: unreachableURL(t)})
		assert.False(t, result.ConnectionSuccess)
		assert.False(t, result.RequiresAuth)
		assert.Equal(t, FailureUnreachable, result.FailureKind)
		assert.NotEmpty(t, result.Error)
		require.NotNil(t, result.Diagnostics)
		assert.Zero(t, result.Diagnostics.HTTPStatus)
	})

	t.Run("not an MCP endpoint", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("<html>upstream down</html>"))
		}))
		t.Cleanup(srv.Close)
		m, _ := newTestManager(t)

		result := m.TestServerWithOAuthDiscovery(ctx, ServerConfig{Name: "Proxy", URL: srv.URL + "/mcp"})
		assert.False(t, result.ConnectionSuccess)
		assert.Equal(t, FailureProtocol, result.FailureKind)
		assert.Contains(t, result.Error, "HTTP 502")
		require.NotNil(t, result.Diagnostics)
		assert.Equal(t, http.StatusBadGateway, result.Diagnostics.HTTPStatus)
		assert.Equal(t, "Bad Gateway", result.Diagnostics.StatusText)
		assert.Contains(t, result.Diagnostics.BodyExcerpt, "upstream down")
		assert.NotContains(t, result.Error, "upstream down", "diagnostics stay out of the message")
	})

	t.Run("JSON-RPC error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`))
		}))
		t.Cleanup(srv.Close)
		m, _ := newTestManager(t)

		result := m.TestServerWithOAuthDiscovery(ctx, ServerConfig{Name: "Odd", URL: srv.URL + "/mcp"})
		assert.False(t, result.ConnectionSuccess)
		assert.Equal(t, FailureProtocol, result.FailureKind)
		require.NotNil(t, result.Diagnostics)
		assert.Equal(t, protocol.CodeMethodNotFound, result.Diagnostics.RPCCode)
		assert.Equal(t, "Method not found", result.Diagnostics.RPCMessage)
	})

	t.Run("401 without OAuth metadata", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "go away", http.StatusUnauthorized)
		}))
		t.Cleanup(srv.Close)
		m, _ := newTestManager(t)

		result := m.TestServerWithOAuthDiscovery(ctx, ServerConfig{Name: "Closed", URL: srv.URL + "/mcp"})
		assert.False(t, result.ConnectionSuccess)
		assert.False(t, result.SupportsOAuth)
		assert.Equal(t, FailureAuthRequired, result.FailureKind)
		assert.Contains(t, result.Error, "operator")
	})

	t.Run("invalid candidate", func(t *testing.T) {
		m, _ := newTestManager(t)

		result := m.TestServerWithOAuthDiscovery(ctx, ServerConfig{Name: "Bad", URL: "mcp.internal"})
		assert.False(t, result.ConnectionSuccess)
		assert.NotEmpty(t, result.Error)
	})
}
