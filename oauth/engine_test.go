// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package oauth

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-mcp-client/mcptest"
	"github.com/mattermost/mattermost-mcp-client/storage"
	"github.com/mattermost/mattermost-mcp-client/transport"
)

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *TokenStore) {
	t.Helper()
	store := NewTokenStore(storage.NewMemoryStore())
	opts = append([]EngineOption{WithRetry(transport.NoRetry)}, opts...)
	return NewEngine(transport.NewHTTPTransport(), store, mlog.CreateTestLogger(t), opts...), store
}

func TestDiscover(t *testing.T) {
	srv := mcptest.NewServer(t, mcptest.WithOAuth())
	engine, _ := newTestEngine(t)

	discovery, err := engine.Discover(context.Background(), srv.URL(), "")
	require.NoError(t, err)

	assert.Equal(t, srv.Server.URL, discovery.Issuer)
	assert.Equal(t, srv.Server.URL+"/authorize", discovery.AuthorizationEndpoint)
	assert.Equal(t, srv.Server.URL+"/token", discovery.TokenEndpoint)
	assert.Equal(t, srv.Server.URL+"/register", discovery.RegistrationEndpoint)
	assert.Equal(t, srv.URL(), discovery.Resource)
	assert.Equal(t, srv.Server.URL+"/.well-known/oauth-protected-resource/mcp", discovery.ResourceMetadataURL)
	assert.Equal(t, []string{"S256"}, discovery.CodeChallengeMethodsSupported)
}

func TestTestOAuthSupport(t *testing.T) {
	engine, _ := newTestEngine(t)

	t.Run("oauth server", func(t *testing.T) {
		srv := mcptest.NewServer(t, mcptest.WithOAuth())
		result := engine.TestOAuthSupport(context.Background(), srv.URL(), "")
		assert.True(t, result.SupportsOAuth)
		require.NotNil(t, result.Discovery)
		assert.Empty(t, result.Error)
	})

	t.Run("open server", func(t *testing.T) {
		srv := mcptest.NewServer(t)
		result := engine.TestOAuthSupport(context.Background(), srv.URL(), "")
		assert.False(t, result.SupportsOAuth)
		assert.Nil(t, result.Discovery)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("unreachable server", func(t *testing.T) {
		result := engine.TestOAuthSupport(context.Background(), "http://127.0.0.1:1/mcp", "")
		assert.False(t, result.SupportsOAuth)
	})

	t.Run("invalid url", func(t *testing.T) {
		result := engine.TestOAuthSupport(context.Background(), "not a url", "")
		assert.False(t, result.SupportsOAuth)
	})
}

func TestAuthorizationCodeFlow(t *testing.T) {
	srv := mcptest.NewServer(t, mcptest.WithOAuth())
	engine, store := newTestEngine(t)
	ctx := context.Background()

	req, err := engine.StartOAuthFlow(ctx, "server-1", srv.URL(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Registrations())

	authURL, err := url.Parse(req.URL)
	require.NoError(t, err)
	query := authURL.Query()
	assert.Equal(t, srv.Server.URL+"/authorize", authURL.Scheme+"://"+authURL.Host+authURL.Path)
	assert.Equal(t, mcptest.RegisteredClientID, query.Get("client_id"))
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "S256", query.Get("code_challenge_method"))
	assert.NotEmpty(t, query.Get("code_challenge"))
	assert.Equal(t, DefaultRedirectURI, query.Get("redirect_uri"))
	assert.Equal(t, srv.URL(), query.Get("resource"))
	assert.Equal(t, req.State, query.Get("state"))

	serverID, nonce, err := DecodeState(req.State)
	require.NoError(t, err)
	assert.Equal(t, "server-1", serverID)
	assert.NotEmpty(t, nonce)

	flow, err := store.LoadFlow(ctx, "server-1")
	require.NoError(t, err)
	require.NotNil(t, flow)
	assert.Equal(t, req.State, flow.State)

	tokens, err := engine.ExchangeCodeForToken(ctx, "server-1", mcptest.AuthorizationCode, req.State)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tokens.AccessToken)
	assert.Equal(t, "refresh-1", tokens.RefreshToken)
	assert.Equal(t, mcptest.RegisteredClientID, tokens.ClientID)
	assert.Equal(t, srv.Server.URL+"/token", tokens.TokenEndpoint)
	assert.Greater(t, tokens.TokenExpiresAt, time.Now().UnixMilli())

	stored, err := store.Load(ctx, "server-1")
	require.NoError(t, err)
	assert.Equal(t, tokens, stored)

	flow, err = store.LoadFlow(ctx, "server-1")
	require.NoError(t, err)
	assert.Nil(t, flow, "pending flow is consumed by the exchange")

	// A second authorization reuses the registered client.
	_, err = engine.StartOAuthFlow(ctx, "server-1", srv.URL(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Registrations())
}

func TestExchangeCodeForTokenRejections(t *testing.T) {
	srv := mcptest.NewServer(t, mcptest.WithOAuth())
	ctx := context.Background()

	t.Run("no pending flow", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		_, err := engine.ExchangeCodeForToken(ctx, "server-1", mcptest.AuthorizationCode, EncodeState("server-1", "nonce"))
		assert.ErrorIs(t, err, ErrNoPendingFlow)
	})

	t.Run("state for another server", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		_, err := engine.StartOAuthFlow(ctx, "server-1", srv.URL(), nil)
		require.NoError(t, err)

		_, err = engine.ExchangeCodeForToken(ctx, "server-1", mcptest.AuthorizationCode, EncodeState("server-2", "nonce"))
		assert.ErrorIs(t, err, ErrStateMismatch)
	})

	t.Run("stale nonce", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		_, err := engine.StartOAuthFlow(ctx, "server-1", srv.URL(), nil)
		require.NoError(t, err)

		_, err = engine.ExchangeCodeForToken(ctx, "server-1", mcptest.AuthorizationCode, EncodeState("server-1", "old-nonce"))
		assert.ErrorIs(t, err, ErrStateMismatch)
	})

	t.Run("garbage state", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		_, err := engine.ExchangeCodeForToken(ctx, "server-1", mcptest.AuthorizationCode, "%%%")
		assert.ErrorIs(t, err, ErrStateMismatch)
	})

	t.Run("expired flow", func(t *testing.T) {
		now := time.Now()
		engine, store := newTestEngine(t, WithClock(func() time.Time { return now }))
		req, err := engine.StartOAuthFlow(ctx, "server-1", srv.URL(), nil)
		require.NoError(t, err)

		now = now.Add(DefaultFlowTTL + time.Minute)
		_, err = engine.ExchangeCodeForToken(ctx, "server-1", mcptest.AuthorizationCode, req.State)
		assert.ErrorIs(t, err, ErrFlowExpired)

		flow, err := store.LoadFlow(ctx, "server-1")
		require.NoError(t, err)
		assert.Nil(t, flow)
	})

	t.Run("rejected code", func(t *testing.T) {
		engine, store := newTestEngine(t)
		req, err := engine.StartOAuthFlow(ctx, "server-1", srv.URL(), nil)
		require.NoError(t, err)

		_, err = engine.ExchangeCodeForToken(ctx, "server-1", "wrong-code", req.State)
		require.Error(t, err)

		tokens, err := store.Load(ctx, "server-1")
		require.NoError(t, err)
		assert.Nil(t, tokens)
	})
}

func TestStartOAuthFlowClientResolution(t *testing.T) {
	ctx := context.Background()
	known := &Discovery{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
	}

	t.Run("fallback client id without registration endpoint", func(t *testing.T) {
		engine, _ := newTestEngine(t, WithFallbackClientID("static-client"), WithScopes([]string{"tools"}))
		req, err := engine.StartOAuthFlow(ctx, "server-1", "https://mcp.example.com/mcp", known)
		require.NoError(t, err)

		authURL, err := url.Parse(req.URL)
		require.NoError(t, err)
		assert.Equal(t, "static-client", authURL.Query().Get("client_id"))
		assert.Equal(t, "tools", authURL.Query().Get("scope"))
		assert.Empty(t, authURL.Query().Get("resource"))
		assert.Same(t, known, req.Discovery)
	})

	t.Run("no client id available", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		_, err := engine.StartOAuthFlow(ctx, "server-1", "https://mcp.example.com/mcp", known)
		assert.ErrorIs(t, err, ErrNoClientID)
	})

	t.Run("client id of stored tokens is reused", func(t *testing.T) {
		engine, store := newTestEngine(t)
		require.NoError(t, store.Save(ctx, "server-1", &Tokens{
			AccessToken:   "access",
			ClientID:      "earlier-client",
			TokenEndpoint: known.TokenEndpoint,
		}))

		req, err := engine.StartOAuthFlow(ctx, "server-1", "https://mcp.example.com/mcp", known)
		require.NoError(t, err)
		authURL, err := url.Parse(req.URL)
		require.NoError(t, err)
		assert.Equal(t, "earlier-client", authURL.Query().Get("client_id"))
	})

	t.Run("server without oauth", func(t *testing.T) {
		srv := mcptest.NewServer(t)
		engine, _ := newTestEngine(t, WithFallbackClientID("static-client"))
		_, err := engine.StartOAuthFlow(ctx, "server-1", srv.URL(), nil)
		assert.ErrorIs(t, err, ErrOAuthNotSupported)
	})
}

func expiredTokens(tokenEndpoint, refreshToken string) *Tokens {
	return &Tokens{
		AccessToken:    "stale-access",
		RefreshToken:   refreshToken,
		TokenExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
		ClientID:       mcptest.RegisteredClientID,
		TokenEndpoint:  tokenEndpoint,
	}
}

func TestRefreshTokenIfNeeded(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh tokens are returned unchanged", func(t *testing.T) {
		srv := mcptest.NewServer(t, mcptest.WithOAuth())
		engine, _ := newTestEngine(t)
		tokens := &Tokens{
			AccessToken:    "access",
			RefreshToken:   "refresh",
			TokenExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
			TokenEndpoint:  srv.Server.URL + "/token",
		}

		got, err := engine.RefreshTokenIfNeeded(ctx, "server-1", tokens)
		require.NoError(t, err)
		assert.Same(t, tokens, got)
		assert.Zero(t, srv.TokenRequests("refresh_token"))
	})

	t.Run("tokens without expiry are returned unchanged", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		tokens := &Tokens{AccessToken: "access", RefreshToken: "refresh"}
		got, err := engine.RefreshTokenIfNeeded(ctx, "server-1", tokens)
		require.NoError(t, err)
		assert.Same(t, tokens, got)
	})

	t.Run("expired without refresh token is returned unchanged", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		tokens := expiredTokens("https://auth.example.com/token", "")
		got, err := engine.RefreshTokenIfNeeded(ctx, "server-1", tokens)
		require.NoError(t, err)
		assert.Same(t, tokens, got)
	})

	t.Run("nil tokens", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		_, err := engine.RefreshTokenIfNeeded(ctx, "server-1", nil)
		assert.ErrorIs(t, err, ErrNoTokens)
	})

	t.Run("expired tokens are refreshed and stored", func(t *testing.T) {
		srv := mcptest.NewServer(t, mcptest.WithOAuth())
		srv.AcceptRefreshToken("seed-refresh")
		engine, store := newTestEngine(t)

		got, err := engine.RefreshTokenIfNeeded(ctx, "server-1", expiredTokens(srv.Server.URL+"/token", "seed-refresh"))
		require.NoError(t, err)
		assert.Equal(t, "access-1", got.AccessToken)
		assert.Equal(t, "refresh-1", got.RefreshToken)
		assert.Equal(t, mcptest.RegisteredClientID, got.ClientID)
		assert.Equal(t, srv.Server.URL+"/token", got.TokenEndpoint)
		assert.Equal(t, 1, srv.TokenRequests("refresh_token"))

		stored, err := store.Load(ctx, "server-1")
		require.NoError(t, err)
		assert.Equal(t, got, stored)
	})

	t.Run("revoked refresh token clears stored tokens", func(t *testing.T) {
		srv := mcptest.NewServer(t, mcptest.WithOAuth())
		engine, store := newTestEngine(t)
		tokens := expiredTokens(srv.Server.URL+"/token", mcptest.RevokedRefreshToken)
		require.NoError(t, store.Save(ctx, "server-1", tokens))

		_, err := engine.RefreshTokenIfNeeded(ctx, "server-1", tokens)
		assert.ErrorIs(t, err, ErrRefreshRevoked)

		stored, err := store.Load(ctx, "server-1")
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("missing token endpoint", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		_, err := engine.RefreshTokenIfNeeded(ctx, "server-1", expiredTokens("", "refresh"))
		assert.ErrorIs(t, err, ErrNoTokenEndpoint)
	})

	t.Run("concurrent refreshes share one token request", func(t *testing.T) {
		srv := mcptest.NewServer(t, mcptest.WithOAuth())
		srv.AcceptRefreshToken("seed-refresh")
		engine, _ := newTestEngine(t)
		tokens := expiredTokens(srv.Server.URL+"/token", "seed-refresh")

		const callers = 8
		var wg sync.WaitGroup
		results := make([]*Tokens, callers)
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = engine.RefreshTokenIfNeeded(ctx, "server-1", tokens)
			}(i)
		}
		wg.Wait()

		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, "access-1", results[i].AccessToken)
		}
		assert.Equal(t, 1, srv.TokenRequests("refresh_token"))
	})
}
