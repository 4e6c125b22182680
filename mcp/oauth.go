// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package mcp

import (
	"context"
	"reflect"

	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/mattermost/mattermost-mcp-client/oauth"
)

// StartOAuthFlow begins authorizing a registered server and returns the URL to open in a
// browser. The discovered endpoints are saved on the config, which is marked as requiring
// auth.
func (m *Manager) StartOAuthFlow(ctx context.Context, id string) (*oauth.AuthorizationRequest, error) {
	cfg, ok := m.config(id)
	if !ok {
		return nil, serverNotFound(id)
	}

	request, err := m.engine.StartOAuthFlow(ctx, id, cfg.URL, cfg.OAuthDiscovery)
	if err != nil {
		return nil, err
	}

	if needsDiscoverySave(cfg, request.Discovery) {
		err := m.mutateConfigs(ctx, func(r *registry) error {
			current, ok := r.get(id)
			if !ok {
				return serverNotFound(id)
			}
			current.RequiresAuth = true
			current.OAuthDiscovery = request.Discovery
			r.set(current)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return request, nil
}

// needsDiscoverySave reports whether starting a flow learned something not yet on cfg.
// Discovery is compared by value since a reloaded config never shares the engine's pointer.
func needsDiscoverySave(cfg ServerConfig, discovery *oauth.Discovery) bool {
	return !cfg.RequiresAuth || !reflect.DeepEqual(cfg.OAuthDiscovery, discovery)
}

// CompleteOAuthFlow exchanges the authorization code and connects to the server.
func (m *Manager) CompleteOAuthFlow(ctx context.Context, id, code, state string) error {
	cfg, ok := m.config(id)
	if !ok {
		return serverNotFound(id)
	}

	if _, err := m.engine.ExchangeCodeForToken(ctx, id, code, state); err != nil {
		return &AuthenticationError{ServerID: id, ServerName: cfg.Name, Message: "authorization could not be completed", Err: err}
	}

	m.logger.Info("Authorized MCP server", mlog.String("server_id", id))
	return m.ConnectToServer(ctx, id)
}

// HandleOAuthCallback completes the flow named by the state of a redirect URL and returns
// the id of the server it belonged to.
func (m *Manager) HandleOAuthCallback(ctx context.Context, rawURL string) (string, error) {
	callback, err := oauth.ParseCallback(rawURL)
	if err != nil {
		return "", err
	}

	id, _, err := oauth.DecodeState(callback.State)
	if err != nil {
		return "", err
	}

	if callback.Error != "" {
		if err := m.tokens.DeleteFlow(ctx, id); err != nil {
			m.logger.Warn("Failed to delete pending OAuth flow", mlog.String("server_id", id), mlog.Err(err))
		}
		cfg, _ := m.config(id)
		return id, &AuthenticationError{ServerID: id, ServerName: cfg.Name, Message: "authorization was denied", Err: callback.Err()}
	}

	return id, m.CompleteOAuthFlow(ctx, id, callback.Code, callback.State)
}

// HasValidOAuthTokens reports whether the server has an access token that has not expired,
// or one that can be refreshed.
func (m *Manager) HasValidOAuthTokens(ctx context.Context, id string) (bool, error) {
	tokens, err := m.tokens.Load(ctx, id)
	if err != nil {
		return false, err
	}
	return tokens.Usable(m.now()), nil
}

// ClearOAuthTokens forgets the credentials of a server. A connected server requiring auth
// is disconnected since its client still carries the old token.
func (m *Manager) ClearOAuthTokens(ctx context.Context, id string) error {
	if err := m.tokens.Clear(ctx, id); err != nil {
		return err
	}

	if cfg, ok := m.config(id); ok && cfg.RequiresAuth {
		return m.DisconnectFromServer(ctx, id)
	}
	return nil
}
