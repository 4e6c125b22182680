// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package mcp

import (
	"context"
	"errors"

	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/mattermost/mattermost-mcp-client/oauth"
	"github.com/mattermost/mattermost-mcp-client/protocol"
	"github.com/mattermost/mattermost-mcp-client/transport"
)

// serverConnection is the live protocol client for one server along with the tools it
// advertised on the last successful listing.
type serverConnection struct {
	serverID string
	client   *protocol.Client
	tools    []protocol.Tool
}

func (c *serverConnection) close(logger mlog.LoggerIFace) {
	if err := c.client.Close(); err != nil {
		logger.Debug("Failed to close MCP client", mlog.String("server_id", c.serverID), mlog.Err(err))
	}
}

// newProtocolClient builds a client for cfg. An empty token sends no credentials.
func (m *Manager) newProtocolClient(cfg ServerConfig, token string) *protocol.Client {
	opts := []protocol.Option{
		protocol.WithTransportKind(cfg.TransportType),
		protocol.WithClientInfo(m.clientName, m.clientVersion),
		protocol.WithProtocolVersion(m.protocolVersion),
		protocol.WithRetry(m.retry),
		protocol.WithLogger(m.logger),
	}
	if token != "" {
		opts = append(opts, protocol.WithAccessToken(token))
	}
	return protocol.NewClient(m.transport, cfg.URL, opts...)
}

// dial connects to cfg and lists its tools under the listing timeout.
func (m *Manager) dial(ctx context.Context, cfg ServerConfig) (*serverConnection, error) {
	token, err := m.accessToken(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := m.newProtocolClient(cfg, token)

	listCtx, cancel := context.WithTimeout(ctx, m.timeouts.ListTools)
	defer cancel()

	tools, err := client.ListTools(listCtx)
	if err != nil {
		_ = client.Close()
		return nil, classifyConnectError(cfg, err)
	}

	return &serverConnection{serverID: cfg.ID, client: client, tools: tools}, nil
}

// accessToken returns the bearer token to use for cfg, refreshing it first when it is
// about to expire. Servers that do not require auth get stored tokens opportunistically
// and fall back to anonymous access when anything goes wrong.
func (m *Manager) accessToken(ctx context.Context, cfg ServerConfig) (string, error) {
	tokens, err := m.tokens.Load(ctx, cfg.ID)
	if err != nil {
		if cfg.RequiresAuth {
			return "", &AuthenticationError{ServerID: cfg.ID, ServerName: cfg.Name, Message: "failed to load OAuth tokens", Err: err}
		}
		m.logger.Warn("Failed to load OAuth tokens, connecting without credentials", mlog.String("server_id", cfg.ID), mlog.Err(err))
		return "", nil
	}

	if tokens == nil {
		if cfg.RequiresAuth {
			return "", &AuthenticationError{ServerID: cfg.ID, ServerName: cfg.Name, Message: "server has not been authorized", Err: oauth.ErrNoTokens}
		}
		return "", nil
	}

	refreshing := tokens.RefreshToken != "" && tokens.Expired(m.now())
	refreshed, err := m.engine.RefreshTokenIfNeeded(ctx, cfg.ID, tokens)
	if refreshing {
		m.metrics.ObserveTokenRefresh(cfg.ID, err == nil)
	}
	if err != nil {
		if cfg.RequiresAuth {
			return "", &AuthenticationError{ServerID: cfg.ID, ServerName: cfg.Name, Message: "failed to refresh OAuth tokens", Err: err}
		}
		m.logger.Warn("Failed to refresh OAuth tokens, connecting without credentials", mlog.String("server_id", cfg.ID), mlog.Err(err))
		return "", nil
	}

	return refreshed.AccessToken, nil
}

// classifyConnectError maps a failed connect to AuthenticationError for HTTP 401 and 403
// and to ConnectionError otherwise.
func classifyConnectError(cfg ServerConfig, err error) error {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return err
	}

	var transportErr *transport.Error
	if errors.As(err, &transportErr) && transportErr.Unauthorized() {
		return &AuthenticationError{ServerID: cfg.ID, ServerName: cfg.Name, Message: "server rejected the credentials", Err: err}
	}

	return &ConnectionError{ServerID: cfg.ID, ServerName: cfg.Name, Err: err}
}
