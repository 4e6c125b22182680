// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package mcp

import (
	"context"
	"strings"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"golang.org/x/sync/errgroup"

	"github.com/mattermost/mattermost-mcp-client/protocol"
)

const shortIDLength = 6

// toolRoute maps a published tool name back to its server.
type toolRoute struct {
	serverID     string
	originalName string
}

type liveServer struct {
	config ServerConfig
	conn   *serverConnection
}

// liveServers returns the enabled servers with a client, in registry order.
func (m *Manager) liveServers() []liveServer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []liveServer
	for _, cfg := range m.configs.list() {
		conn, ok := m.clients[cfg.ID]
		if !ok || !cfg.Enabled {
			continue
		}
		out = append(out, liveServer{config: cfg, conn: conn})
	}
	return out
}

// shortID is the start of the random part of a server id.
func shortID(id string) string {
	id = strings.TrimPrefix(id, idPrefix)
	if len(id) > shortIDLength {
		return id[:shortIDLength]
	}
	return id
}

// toolPrefixes returns the prefix used for each server's tools. Servers whose sanitized
// names collide are qualified with the start of their id.
func toolPrefixes(servers []ServerConfig) map[string]string {
	counts := make(map[string]int, len(servers))
	for _, s := range servers {
		counts[sanitizeName(s.Name)]++
	}

	prefixes := make(map[string]string, len(servers))
	for _, s := range servers {
		name := sanitizeName(s.Name)
		if counts[name] > 1 {
			prefixes[s.ID] = name + "_" + shortID(s.ID)
		} else {
			prefixes[s.ID] = name
		}
	}
	return prefixes
}

// GetAllTools lists tools from every live server concurrently and publishes them under
// prefixed names. Servers that fail to list are logged and skipped. The routing table
// used by CallTool is rebuilt from the result.
func (m *Manager) GetAllTools(ctx context.Context) []ToolDefinition {
	servers := m.liveServers()

	listed := make([][]protocol.Tool, len(servers))
	ok := make([]bool, len(servers))
	var g errgroup.Group
	for i, s := range servers {
		g.Go(func() error {
			listCtx, cancel := context.WithTimeout(ctx, m.timeouts.ListTools)
			defer cancel()

			tools, err := s.conn.client.ListTools(listCtx)
			if err != nil {
				m.logger.Warn("Failed to list tools from MCP server",
					mlog.String("server_id", s.config.ID),
					mlog.String("server_name", s.config.Name),
					mlog.Err(err),
				)
				return nil
			}
			listed[i] = tools
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var published []ServerConfig
	for i, s := range servers {
		if ok[i] {
			published = append(published, s.config)
		}
	}
	prefixes := toolPrefixes(published)

	var definitions []ToolDefinition
	routes := make(map[string]toolRoute)
	for i, s := range servers {
		if !ok[i] {
			continue
		}
		for _, tool := range listed[i] {
			name := prefixes[s.config.ID] + "_" + tool.Name
			if _, taken := routes[name]; taken {
				name = sanitizeName(s.config.Name) + "_" + shortID(s.config.ID) + "_" + tool.Name
			}
			if _, taken := routes[name]; taken {
				m.logger.Warn("Skipping MCP tool with a conflicting name",
					mlog.String("server_id", s.config.ID),
					mlog.String("tool", tool.Name),
				)
				continue
			}

			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = defaultInputSchema
			}
			routes[name] = toolRoute{serverID: s.config.ID, originalName: tool.Name}
			definitions = append(definitions, ToolDefinition{
				Name:         name,
				Description:  tool.Description,
				InputSchema:  schema,
				ServerID:     s.config.ID,
				ServerName:   s.config.Name,
				OriginalName: tool.Name,
			})
		}
	}

	m.mu.Lock()
	m.routes = routes
	for i, s := range servers {
		if !ok[i] || m.clients[s.config.ID] != s.conn {
			continue
		}
		s.conn.tools = listed[i]
		if status, found := m.statuses[s.config.ID]; found {
			status.ToolCount = len(listed[i])
			m.statuses[s.config.ID] = status
		}
	}
	m.mu.Unlock()

	return definitions
}

// resolveTool finds the live server owning a published tool name. Names missing from the
// routing table fall back to the server prefixes, but only a single server whose last
// listing contains the tool is accepted.
func (m *Manager) resolveTool(name string) (toolRoute, liveServer, bool) {
	m.mu.RLock()
	route, routed := m.routes[name]
	m.mu.RUnlock()

	servers := m.liveServers()
	if routed {
		for _, s := range servers {
			if s.config.ID == route.serverID {
				return route, s, true
			}
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		match      liveServer
		matchRoute toolRoute
		matches    int
	)
	for _, s := range servers {
		for _, prefix := range []string{
			sanitizeName(s.config.Name) + "_",
			sanitizeName(s.config.Name) + "_" + shortID(s.config.ID) + "_",
		} {
			if len(name) <= len(prefix) || !strings.HasPrefix(name, prefix) {
				continue
			}
			original := name[len(prefix):]
			if !hasTool(s.conn.tools, original) {
				continue
			}
			match = s
			matchRoute = toolRoute{serverID: s.config.ID, originalName: original}
			matches++
			break
		}
	}
	if matches != 1 {
		if matches > 1 {
			m.logger.Warn("Ambiguous MCP tool name", mlog.String("tool", name), mlog.Int("servers", matches))
		}
		return toolRoute{}, liveServer{}, false
	}
	return matchRoute, match, true
}

func hasTool(tools []protocol.Tool, name string) bool {
	for _, tool := range tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}

// CallTool routes a published tool name to its server and calls it once under the tool
// call timeout. Results flagged isError are returned, not raised.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (*protocol.ToolsCallResult, error) {
	route, server, ok := m.resolveTool(name)
	if !ok {
		return nil, &ToolNotFoundError{Tool: name}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeouts.ToolCall)
	defer cancel()

	start := m.now()
	result, err := server.conn.client.CallTool(callCtx, route.originalName, args)
	m.metrics.ObserveToolCall(route.serverID, err == nil && !result.IsError, m.now().Sub(start))
	if err != nil {
		m.logger.Warn("MCP tool call failed",
			mlog.String("server_id", route.serverID),
			mlog.String("tool", route.originalName),
			mlog.Err(err),
		)
		return nil, &ToolExecutionError{Tool: name, ServerID: route.serverID, ServerName: server.config.Name, Err: err}
	}
	return result, nil
}

// GetToolsInfo returns, per registered server, the tools from its last successful listing.
func (m *Manager) GetToolsInfo() []ServerToolsInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configs := m.configs.list()
	out := make([]ServerToolsInfo, 0, len(configs))
	for _, cfg := range configs {
		info := ServerToolsInfo{ServerID: cfg.ID, ServerName: cfg.Name, Tools: []protocol.Tool{}}
		if conn, ok := m.clients[cfg.ID]; ok {
			info.Connected = true
			if conn.tools != nil {
				info.Tools = conn.tools
			}
		}
		out = append(out, info)
	}
	return out
}
