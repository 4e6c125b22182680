// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package mcp

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/mattermost/mattermost-mcp-client/protocol"
	"github.com/mattermost/mattermost-mcp-client/storage"
)

const (
	ConfigKey    = "mcp_server_configs"
	MigrationKey = "mcp_config_migration_v1"

	idPrefix   = "mcp_"
	idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idLength   = 16
)

// DefaultBuiltins are the readonly servers shipped with the client. They start disabled.
func DefaultBuiltins() []ServerConfig {
	return []ServerConfig{
		{
			ID:            "builtin_deepwiki",
			Name:          "DeepWiki",
			URL:           "https://mcp.deepwiki.com/mcp",
			TransportType: protocol.TransportStreamableHTTP,
			Description:   "Documentation and Q&A for public GitHub repositories",
			Readonly:      true,
		},
	}
}

var (
	legacyNamePrefixes = []string{"Demo ", "Example "}
	legacyURLMarkers   = []string{"example.com", "demo.mcp"}
)

// configDocument is the persisted registry. EnabledServers is authoritative for the
// enabled flag when present.
type configDocument struct {
	Servers        []ServerConfig `json:"servers"`
	EnabledServers []string       `json:"enabledServers"`
}

func (d configDocument) servers() []ServerConfig {
	servers := make([]ServerConfig, 0, len(d.Servers))
	if d.EnabledServers == nil {
		return append(servers, d.Servers...)
	}

	enabled := make(map[string]bool, len(d.EnabledServers))
	for _, id := range d.EnabledServers {
		enabled[id] = true
	}
	for _, s := range d.Servers {
		s.Enabled = enabled[s.ID]
		servers = append(servers, s)
	}
	return servers
}

func newConfigDocument(servers []ServerConfig) configDocument {
	doc := configDocument{Servers: servers, EnabledServers: []string{}}
	if doc.Servers == nil {
		doc.Servers = []ServerConfig{}
	}
	for _, s := range servers {
		if s.Enabled {
			doc.EnabledServers = append(doc.EnabledServers, s.ID)
		}
	}
	return doc
}

// registry keeps server configs in insertion order.
type registry struct {
	servers *orderedmap.OrderedMap[string, ServerConfig]
}

func newRegistry(servers []ServerConfig) *registry {
	r := &registry{servers: orderedmap.New[string, ServerConfig]()}
	for _, s := range servers {
		r.set(s)
	}
	return r
}

func (r *registry) get(id string) (ServerConfig, bool) {
	return r.servers.Get(id)
}

func (r *registry) set(cfg ServerConfig) {
	r.servers.Set(cfg.ID, cfg)
}

func (r *registry) delete(id string) bool {
	_, ok := r.servers.Delete(id)
	return ok
}

func (r *registry) len() int {
	return r.servers.Len()
}

func (r *registry) list() []ServerConfig {
	out := make([]ServerConfig, 0, r.servers.Len())
	for pair := r.servers.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (r *registry) clone() *registry {
	return newRegistry(r.list())
}

func newServerID() (string, error) {
	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate server id: %w", err)
	}
	return idPrefix + id, nil
}

// isLegacyDemo matches the placeholder servers older releases seeded into the registry.
func isLegacyDemo(cfg ServerConfig) bool {
	for _, prefix := range legacyNamePrefixes {
		if strings.HasPrefix(cfg.Name, prefix) {
			return true
		}
	}
	for _, marker := range legacyURLMarkers {
		if strings.Contains(cfg.URL, marker) {
			return true
		}
	}
	return false
}

// mergeBuiltins places the built-ins first, keeping the user's enabled flag and what was
// learned about authentication, and drops duplicates and stale readonly entries. It
// reports whether the result differs from servers.
func mergeBuiltins(servers, builtins []ServerConfig, createdAt int64) ([]ServerConfig, bool) {
	existing := make(map[string]ServerConfig, len(servers))
	for _, s := range servers {
		if _, ok := existing[s.ID]; !ok {
			existing[s.ID] = s
		}
	}

	changed := false
	isBuiltin := make(map[string]bool, len(builtins))
	merged := make([]ServerConfig, 0, len(servers)+len(builtins))
	for _, b := range builtins {
		if isBuiltin[b.ID] {
			continue
		}
		isBuiltin[b.ID] = true
		b.Readonly = true

		prev, ok := existing[b.ID]
		if ok {
			b.Enabled = prev.Enabled
			b.CreatedAt = prev.CreatedAt
			b.RequiresAuth = b.RequiresAuth || prev.RequiresAuth
			b.OAuthDiscovery = prev.OAuthDiscovery
			if !reflect.DeepEqual(prev, b) {
				changed = true
			}
		} else {
			b.CreatedAt = createdAt
			changed = true
		}
		merged = append(merged, b)
	}

	seen := make(map[string]bool, len(servers))
	for _, s := range servers {
		switch {
		case isBuiltin[s.ID]:
			if seen[s.ID] {
				changed = true
			}
			seen[s.ID] = true
		case s.ID == "", s.Readonly, seen[s.ID]:
			changed = true
		default:
			seen[s.ID] = true
			merged = append(merged, s)
		}
	}

	return merged, changed
}

// LoadConfigurations reads the persisted registry, runs the one-time legacy migration,
// merges the built-ins and persists the result when anything changed. It is idempotent.
func (m *Manager) LoadConfigurations(ctx context.Context) ([]ServerConfig, error) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	var doc configDocument
	found, err := storage.GetJSON(ctx, m.store, ConfigKey, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to load server configurations: %w", err)
	}
	servers := doc.servers()

	migrated, err := m.store.Get(ctx, MigrationKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration state: %w", err)
	}
	migrate := migrated == nil
	removed := 0
	if migrate {
		servers, removed = m.dropLegacyDemos(servers)
	}

	merged, changed := mergeBuiltins(servers, m.builtins, m.now().UnixMilli())
	if !found || changed || removed > 0 {
		if err := storage.SetJSON(ctx, m.store, ConfigKey, newConfigDocument(merged)); err != nil {
			return nil, fmt.Errorf("failed to save server configurations: %w", err)
		}
	}
	if migrate {
		if err := m.store.Set(ctx, MigrationKey, []byte(strconv.FormatInt(m.now().UnixMilli(), 10))); err != nil {
			return nil, fmt.Errorf("failed to record migration: %w", err)
		}
		if removed > 0 {
			m.logger.Info("Migrated MCP server configurations", mlog.Int("removed", removed))
		}
	}

	m.mu.Lock()
	m.configs = newRegistry(merged)
	m.mu.Unlock()

	return merged, nil
}

func (m *Manager) dropLegacyDemos(servers []ServerConfig) ([]ServerConfig, int) {
	kept := make([]ServerConfig, 0, len(servers))
	removed := 0
	for _, s := range servers {
		if !s.Readonly && isLegacyDemo(s) {
			m.logger.Info("Removing legacy demo MCP server",
				mlog.String("server_id", s.ID),
				mlog.String("server_name", s.Name),
				mlog.String("url", s.URL),
			)
			removed++
			continue
		}
		kept = append(kept, s)
	}
	return kept, removed
}

// mutateConfigs applies mutate to the registry and persists the result. The registry is
// restored when mutate fails or the write does.
func (m *Manager) mutateConfigs(ctx context.Context, mutate func(r *registry) error) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	previous := m.configs.clone()
	if err := mutate(m.configs); err != nil {
		m.configs = previous
		m.mu.Unlock()
		return err
	}
	servers := m.configs.list()
	m.mu.Unlock()

	if err := storage.SetJSON(ctx, m.store, ConfigKey, newConfigDocument(servers)); err != nil {
		m.mu.Lock()
		m.configs = previous
		m.mu.Unlock()
		return fmt.Errorf("failed to save server configurations: %w", err)
	}
	return nil
}

// validateConfig checks the user editable fields and defaults the transport. The URL is
// kept exactly as given.
func validateConfig(cfg *ServerConfig) error {
	cfg.Name = strings.TrimSpace(cfg.Name)

	if cfg.Name == "" {
		return &ConfigurationError{ServerID: cfg.ID, Message: "name is required"}
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigurationError{ServerID: cfg.ID, Message: fmt.Sprintf("invalid server url %q", cfg.URL)}
	}
	if cfg.TransportType == "" {
		cfg.TransportType = protocol.TransportStreamableHTTP
	}
	if !cfg.TransportType.Valid() {
		return &ConfigurationError{ServerID: cfg.ID, Message: fmt.Sprintf("unsupported transport %q", cfg.TransportType)}
	}
	return nil
}
