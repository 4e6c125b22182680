// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// AddServer registers a new server and connects to it when enabled. The config is
// persisted even when the connection fails; the connection error is returned alongside
// the stored config.
func (m *Manager) AddServer(ctx context.Context, cfg ServerConfig) (ServerConfig, error) {
	if err := validateConfig(&cfg); err != nil {
		return ServerConfig{}, err
	}

	if cfg.ID == "" {
		id, err := newServerID()
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.ID = id
	}
	cfg.Readonly = false
	cfg.CreatedAt = m.now().UnixMilli()

	err := m.mutateConfigs(ctx, func(r *registry) error {
		if _, exists := r.get(cfg.ID); exists {
			return &ConfigurationError{ServerID: cfg.ID, Message: "a server with this id already exists"}
		}
		r.set(cfg)
		return nil
	})
	if err != nil {
		return ServerConfig{}, err
	}

	m.logger.Info("Added MCP server",
		mlog.String("server_id", cfg.ID),
		mlog.String("server_name", cfg.Name),
		mlog.Bool("enabled", cfg.Enabled),
	)

	if cfg.Enabled {
		if err := m.ConnectToServer(ctx, cfg.ID); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// UpdateServer applies patch and reconnects when the enabled flag, the URL or the
// transport changed. Readonly servers only accept changes to enabled. A URL change also
// forgets the OAuth discovery and tokens obtained for the previous URL.
func (m *Manager) UpdateServer(ctx context.Context, id string, patch ServerPatch) (ServerConfig, error) {
	lock := m.serverLock(id)
	lock.Lock()
	defer lock.Unlock()

	var before, after ServerConfig
	err := m.mutateConfigs(ctx, func(r *registry) error {
		current, ok := r.get(id)
		if !ok {
			return serverNotFound(id)
		}
		if current.Readonly && !patch.onlyEnabled() {
			return &ConfigurationError{ServerID: id, Message: "built-in servers can only be enabled or disabled"}
		}

		next := current
		if patch.Name != nil {
			next.Name = *patch.Name
		}
		if patch.URL != nil {
			next.URL = *patch.URL
		}
		if patch.TransportType != nil {
			next.TransportType = *patch.TransportType
		}
		if patch.Description != nil {
			next.Description = *patch.Description
		}
		if patch.Enabled != nil {
			next.Enabled = *patch.Enabled
		}
		if !next.Readonly {
			if err := validateConfig(&next); err != nil {
				return err
			}
		}
		if next.URL != current.URL {
			next.OAuthDiscovery = nil
		}

		r.set(next)
		before, after = current, next
		return nil
	})
	if err != nil {
		return ServerConfig{}, err
	}

	if before.URL != after.URL {
		if err := m.tokens.Clear(ctx, id); err != nil {
			m.logger.Warn("Failed to clear OAuth tokens after URL change", mlog.String("server_id", id), mlog.Err(err))
		}
	}

	reconnect := before.Enabled != after.Enabled ||
		before.URL != after.URL ||
		before.TransportType != after.TransportType
	if !reconnect {
		return after, nil
	}

	m.disconnectLocked(id)
	if after.Enabled {
		if err := m.connectLocked(ctx, id); err != nil {
			return after, err
		}
	}
	return after, nil
}

// RemoveServer deletes a user server along with its status, routes and stored OAuth
// credentials. Readonly servers cannot be removed.
func (m *Manager) RemoveServer(ctx context.Context, id string) error {
	lock := m.serverLock(id)
	lock.Lock()
	defer lock.Unlock()

	err := m.mutateConfigs(ctx, func(r *registry) error {
		current, ok := r.get(id)
		if !ok {
			return serverNotFound(id)
		}
		if current.Readonly {
			return &ConfigurationError{ServerID: id, Message: "built-in servers cannot be removed"}
		}
		r.delete(id)
		return nil
	})
	if errors.Is(err, ErrServerNotFound) {
		m.forgetServerLock(id)
	}
	if err != nil {
		return err
	}
	defer m.forgetServerLock(id)

	m.teardown(id)
	m.mu.Lock()
	delete(m.statuses, id)
	for name, route := range m.routes {
		if route.serverID == id {
			delete(m.routes, name)
		}
	}
	m.mu.Unlock()
	m.reportConnected()

	if err := m.tokens.Clear(ctx, id); err != nil {
		return fmt.Errorf("server removed but its OAuth credentials could not be cleared: %w", err)
	}

	m.logger.Info("Removed MCP server", mlog.String("server_id", id))
	return nil
}
