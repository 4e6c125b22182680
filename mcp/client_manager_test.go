// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package mcp

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-mcp-client/mcptest"
	"github.com/mattermost/mattermost-mcp-client/oauth"
	"github.com/mattermost/mattermost-mcp-client/protocol"
	"github.com/mattermost/mattermost-mcp-client/storage"
	"github.com/mattermost/mattermost-mcp-client/transport"
)

// recordingMetrics keeps what the Manager reported.
type recordingMetrics struct {
	mu          sync.Mutex
	connections map[string][]bool
	connected   int
	toolCalls   map[string][]bool
	refreshes   map[string][]bool
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		connections: map[string][]bool{},
		toolCalls:   map[string][]bool{},
		refreshes:   map[string][]bool{},
	}
}

func (r *recordingMetrics) ObserveConnection(serverID string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[serverID] = append(r.connections[serverID], success)
}

func (r *recordingMetrics) SetConnectedServers(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = count
}

func (r *recordingMetrics) ObserveToolCall(serverID string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls[serverID] = append(r.toolCalls[serverID], success)
}

func (r *recordingMetrics) ObserveTokenRefresh(serverID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes[serverID] = append(r.refreshes[serverID], success)
}

func (r *recordingMetrics) connectedServers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	opts = append([]Option{
		WithRetry(transport.NoRetry),
		WithLogger(mlog.CreateTestLogger(t)),
		WithBuiltins(nil),
	}, opts...)

	m := NewManager(store, opts...)
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, store
}

func addServer(t *testing.T, m *Manager, name, url string, enabled bool) ServerConfig {
	t.Helper()
	cfg, err := m.AddServer(context.Background(), ServerConfig{Name: name, URL: url, Enabled: enabled})
	require.NoError(t, err)
	return cfg
}

// unreachableURL returns the URL of a server that has already been shut down.
func unreachableURL(t *testing.T) string {
	srv := httptest.NewServer(nil)
	url := srv.URL + "/mcp"
	srv.Close()
	return url
}

func TestConnectToServer(t *testing.T) {
	srv := mcptest.NewServer(t, mcptest.WithEchoTool())
	recorder := newRecordingMetrics()
	m, _ := newTestManager(t, WithMetrics(recorder))
	ctx := context.Background()

	cfg := addServer(t, m, "Echo", srv.URL(), false)
	status := m.GetServerStatuses()[cfg.ID]
	assert.Equal(t, StateDisconnected, status.State)
	assert.False(t, status.Connected)

	require.NoError(t, m.ConnectToServer(ctx, cfg.ID))

	status = m.GetServerStatuses()[cfg.ID]
	assert.Equal(t, StateConnected, status.State)
	assert.True(t, status.Connected)
	assert.Equal(t, 1, status.ToolCount)
	assert.Empty(t, status.Error)
	assert.NotZero(t, status.LastChecked)
	assert.Equal(t, 1, recorder.connectedServers())
	assert.Empty(t, srv.RequestsFor(protocol.MethodInitialize)[0].Authorization, "no credentials are sent to servers without stored tokens")

	require.NoError(t, m.DisconnectFromServer(ctx, cfg.ID))
	status = m.GetServerStatuses()[cfg.ID]
	assert.Equal(t, StateDisconnected, status.State)
	assert.Empty(t, status.Error)
	assert.Equal(t, 0, recorder.connectedServers())

	// Disconnecting twice is fine.
	require.NoError(t, m.DisconnectFromServer(ctx, cfg.ID))
}

func TestConnectToServerIgnoresUnknownAndDisabled(t *testing.T) {
	srv := mcptest.NewServer(t, mcptest.WithEchoTool())
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.ConnectToServer(ctx, "mcp_unknown"))

	cfg := addServer(t, m, "Echo", srv.URL(), false)
	require.NoError(t, m.ConnectToServer(ctx, cfg.ID))
	assert.Empty(t, srv.Requests())
	assert.False(t, m.GetServerStatuses()[cfg.ID].Connected)
}

func TestConnectToServerFailure(t *testing.T) {
	recorder := newRecordingMetrics()
	m, _ := newTestManager(t, WithMetrics(recorder))

	cfg, err := m.AddServer(context.Background(), ServerConfig{Name: "Gone", URL: unreachableURL(t), Enabled: true})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, cfg.ID, connErr.ServerID)
	assert.Equal(t, "Gone", connErr.ServerName)

	var transportErr *transport.Error
	assert.ErrorAs(t, err, &transportErr)

	status := m.GetServerStatuses()[cfg.ID]
	assert.Equal(t, StateDisconnected, status.State)
	assert.NotEmpty(t, status.Error)
	assert.Equal(t, []bool{false}, recorder.connections[cfg.ID])
}

func TestConnectToServerRequiringAuth(t *testing.T) {
	ctx := context.Background()

	t.Run("401 without requiresAuth", func(t *testing.T) {
		srv := mcptest.NewServer(t, mcptest.WithOAuth(), mcptest.WithEchoTool())
		m, _ := newTestManager(t)

		_, err := m.AddServer(ctx, ServerConfig{Name: "Locked", URL: srv.URL(), Enabled: true})
		var authErr *AuthenticationError
		assert.ErrorAs(t, err, &authErr)
	})

	t.Run("no stored tokens", func(t *testing.T) {
		srv := mcptest.NewServer(t, mcptest.WithOAuth(), mcptest.WithEchoTool())
		m, _ := newTestManager(t)

		_, err := m.AddServer(ctx, ServerConfig{Name: "Locked", URL: srv.URL(), Enabled: true, RequiresAuth: true})
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.ErrorIs(t, err, oauth.ErrNoTokens)
		assert.Empty(t, srv.Requests(), "nothing is sent without credentials")
	})

	t.Run("stored tokens", func(t *testing.T) {
		srv := mcptest.NewServer(t, mcptest.WithOAuth(), mcptest.WithEchoTool())
		m, store := newTestManager(t)

		cfg := addServer(t, m, "Locked", srv.URL(), false)
		token := srv.IssueToken()
		require.NoError(t, oauth.NewTokenStore(store).Save(ctx, cfg.ID, &oauth.Tokens{AccessToken: token}))

		_, err := m.UpdateServer(ctx, cfg.ID, ServerPatch{Enabled: ptr(true)})
		require.NoError(t, err)
		assert.True(t, m.GetServerStatuses()[cfg.ID].Connected)
		assert.Equal(t, "Bearer "+token, srv.RequestsFor(protocol.MethodToolsList)[0].Authorization)
	})

	t.Run("expired tokens are refreshed first", func(t *testing.T) {
		srv := mcptest.NewServer(t, mcptest.WithOAuth(), mcptest.WithEchoTool())
		recorder := newRecordingMetrics()
		m, store := newTestManager(t, WithMetrics(recorder))
		tokens := oauth.NewTokenStore(store)

		cfg := addServer(t, m, "Locked", srv.URL(), false)
		srv.AcceptRefreshToken("seed-refresh")
		require.NoError(t, tokens.Save(ctx, cfg.ID, &oauth.Tokens{
			AccessToken:    "stale",
			RefreshToken:   "seed-refresh",
			TokenExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
			ClientID:       mcptest.RegisteredClientID,
			TokenEndpoint:  srv.Server.URL + "/token",
		}))

		_, err := m.UpdateServer(ctx, cfg.ID, ServerPatch{Enabled: ptr(true)})
		require.NoError(t, err)
		assert.Equal(t, 1, srv.TokenRequests("refresh_token"))
		assert.Equal(t, []bool{true}, recorder.refreshes[cfg.ID])

		stored, err := tokens.Load(ctx, cfg.ID)
		require.NoError(t, err)
		assert.Equal(t, "access-1", stored.AccessToken)
		assert.Equal(t, "Bearer access-1", srv.RequestsFor(protocol.MethodToolsList)[0].Authorization)
	})

	t.Run("revoked refresh token", func(t *testing.T) {
		srv := mcptest.NewServer(t, mcptest.WithOAuth(), mcptest.WithEchoTool())
		m, store := newTestManager(t)
		tokens := oauth.NewTokenStore(store)

		cfg, err := m.AddServer(ctx, ServerConfig{Name: "Locked", URL: srv.URL(), RequiresAuth: true})
		require.NoError(t, err)
		require.NoError(t, tokens.Save(ctx, cfg.ID, &oauth.Tokens{
			AccessToken:    "stale",
			RefreshToken:   mcptest.RevokedRefreshToken,
			TokenExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
			ClientID:       mcptest.RegisteredClientID,
			TokenEndpoint:  srv.Server.URL + "/token",
		}))

		_, err = m.UpdateServer(ctx, cfg.ID, ServerPatch{Enabled: ptr(true)})
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.ErrorIs(t, err, oauth.ErrRefreshRevoked)

		stored, err := tokens.Load(ctx, cfg.ID)
		require.NoError(t, err)
		assert.Nil(t, stored, "revoked credentials are cleared")
	})
}

func TestConcurrentConnectsLeaveOneClient(t *testing.T) {
	srv := mcptest.NewServer(t, mcptest.WithEchoTool())
	m, _ := newTestManager(t)
	cfg := addServer(t, m, "Echo", srv.URL(), true)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.ConnectToServer(context.Background(), cfg.ID))
		}()
	}
	wg.Wait()

	m.mu.RLock()
	assert.Len(t, m.clients, 1)
	m.mu.RUnlock()
	assert.Equal(t, StateConnected, m.GetServerStatuses()[cfg.ID].State)
}

func TestConnectToEnabledServersSettlesAll(t *testing.T) {
	first := mcptest.NewServer(t, mcptest.WithEchoTool())
	second := mcptest.NewServer(t, mcptest.WithEchoTool())
	m, _ := newTestManager(t)
	ctx := context.Background()

	a := addServer(t, m, "First", first.URL(), true)
	b := addServer(t, m, "Second", second.URL(), true)
	broken, err := m.AddServer(ctx, ServerConfig{Name: "Broken", URL: unreachableURL(t), Enabled: true})
	require.Error(t, err)
	disabled := addServer(t, m, "Disabled", second.URL(), false)
	m.Cleanup(ctx)

	failures := m.ConnectToEnabledServers(ctx)
	require.Len(t, failures, 1)
	assert.Contains(t, failures, broken.ID)

	statuses := m.GetServerStatuses()
	assert.True(t, statuses[a.ID].Connected)
	assert.True(t, statuses[b.ID].Connected)
	assert.False(t, statuses[broken.ID].Connected)
	assert.NotEmpty(t, statuses[broken.ID].Error)
	assert.False(t, statuses[disabled.ID].Connected)
	assert.Empty(t, statuses[disabled.ID].Error)

	// Resume reconnects the same set.
	failures = m.Resume(ctx)
	assert.Len(t, failures, 1)
	assert.True(t, m.GetServerStatuses()[a.ID].Connected)
}

func TestCleanup(t *testing.T) {
	srv := mcptest.NewServer(t, mcptest.WithEchoTool())
	m, _ := newTestManager(t)
	ctx := context.Background()

	first := addServer(t, m, "First", srv.URL(), true)
	second := addServer(t, m, "Second", srv.URL(), true)
	require.NotEmpty(t, m.GetAllTools(ctx))

	m.Cleanup(ctx)

	statuses := m.GetServerStatuses()
	assert.False(t, statuses[first.ID].Connected)
	assert.False(t, statuses[second.ID].Connected)
	assert.Empty(t, m.GetAllTools(ctx))

	_, err := m.CallTool(ctx, "First_echo", nil)
	var notFound *ToolNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(storage.NewMemoryStore())

	assert.NotNil(t, m.logger)
	assert.NotNil(t, m.transport)
	assert.NotNil(t, m.tokens)
	assert.NotNil(t, m.engine)
	assert.Equal(t, DefaultTimeouts, m.timeouts)
	assert.Equal(t, oauth.DefaultRedirectURI, m.OAuth().RedirectURI())

	m = NewManager(storage.NewMemoryStore(), WithTimeouts(Timeouts{ToolCall: time.Second}))
	assert.Equal(t, time.Second, m.timeouts.ToolCall)
	assert.Equal(t, DefaultTimeouts.ListTools, m.timeouts.ListTools)
}

func ptr[T any](v T) *T {
	return &v
}
