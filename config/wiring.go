// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package config

import (
	"context"
	"time"

	"github.com/mattermost/mattermost-mcp-client/mcp"
	"github.com/mattermost/mattermost-mcp-client/oauth"
	"github.com/mattermost/mattermost-mcp-client/storage"
	"github.com/mattermost/mattermost-mcp-client/transport"
)

// OpenStore opens the configured storage backend, sealed unless it is the in-memory one
// without a passphrase. The returned close function releases the backend and is never nil.
func (c *Config) OpenStore(ctx context.Context) (storage.KVStore, func() error, error) {
	var (
		store   storage.KVStore
		closeFn = func() error { return nil }
	)

	switch c.Storage.Backend {
	case StorageBackendPostgres:
		pg, err := storage.OpenPostgresStore(ctx, c.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		store, closeFn = pg, pg.Close
	case StorageBackendMemory:
		store = storage.NewMemoryStore()
	default:
		file, err := storage.NewFileStore(c.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		store = file
	}

	if c.Storage.Passphrase != "" {
		sealed, err := storage.NewSealedStore(ctx, store, c.Storage.Passphrase)
		if err != nil {
			_ = closeFn()
			return nil, nil, err
		}
		return sealed, closeFn, nil
	}

	keyFile := c.Storage.KeyFilePath()
	if keyFile == "" {
		return store, closeFn, nil
	}
	key, err := storage.LoadOrCreateKey(keyFile)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return storage.NewSealedStoreWithKey(store, key), closeFn, nil
}

// RetryStrategy converts the configured delays.
func (c *Config) RetryStrategy() transport.Strategy {
	if len(c.Retry.DelaysMillis) == 0 {
		return transport.NoRetry
	}
	delays := make([]time.Duration, 0, len(c.Retry.DelaysMillis))
	for _, ms := range c.Retry.DelaysMillis {
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	return transport.Strategy{Delays: delays}
}

// OAuthOptions configures the OAuth engine.
func (c *Config) OAuthOptions() []oauth.EngineOption {
	opts := []oauth.EngineOption{
		oauth.WithRedirectURI(c.OAuth.RedirectURI),
		oauth.WithClientName(c.OAuth.ClientName),
	}
	if c.OAuth.FallbackClientID != "" {
		opts = append(opts, oauth.WithFallbackClientID(c.OAuth.FallbackClientID))
	}
	if len(c.OAuth.Scopes) > 0 {
		opts = append(opts, oauth.WithScopes(c.OAuth.Scopes))
	}
	if c.OAuth.FlowTTLMinutes > 0 {
		opts = append(opts, oauth.WithFlowTTL(time.Duration(c.OAuth.FlowTTLMinutes)*time.Minute))
	}
	return opts
}

// ManagerOptions turns the configuration into connection manager options.
func (c *Config) ManagerOptions() []mcp.Option {
	opts := []mcp.Option{
		mcp.WithClientInfo(c.Client.Name, c.Client.Version),
		mcp.WithProtocolVersion(c.Client.ProtocolVersion),
		mcp.WithTimeouts(mcp.Timeouts{
			Discovery: seconds(c.Timeouts.DiscoverySeconds),
			ListTools: seconds(c.Timeouts.ListToolsSeconds),
			ToolCall:  seconds(c.Timeouts.ToolCallSeconds),
		}),
		mcp.WithRetry(c.RetryStrategy()),
		mcp.WithOAuthOptions(c.OAuthOptions()...),
	}
	if !c.Builtins.Enabled {
		opts = append(opts, mcp.WithBuiltins(nil))
	}
	return opts
}
