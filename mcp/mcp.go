// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package mcp connects to remote Model Context Protocol servers and exposes their tools
// to a conversation layer.
//
// The Manager owns the server registry, persisted under a single KV document, and one
// protocol client per connected server. Tools from every live server are published under
// collision-safe names and routed back to the owning server when the model calls them.
//
// Servers protected by OAuth are authorized through the oauth package; the Manager never
// caches tokens itself and reads them from the token store before each connection.
package mcp

import (
	"encoding/json"
	"regexp"

	"github.com/mattermost/mattermost-mcp-client/oauth"
	"github.com/mattermost/mattermost-mcp-client/protocol"
)

// ServerConfig is a registered MCP server.
type ServerConfig struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name" jsonschema:"minLength=1"`
	URL           string                 `json:"url" jsonschema:"format=uri"`
	TransportType protocol.TransportKind `json:"transportType" jsonschema:"enum=http-streamable,enum=sse"`
	Description   string                 `json:"description,omitempty"`
	Enabled       bool                   `json:"enabled"`
	CreatedAt     int64                  `json:"createdAt"`
	Readonly      bool                   `json:"readonly,omitempty"`

	// RequiresAuth and OAuthDiscovery are learned by testing the server or starting an OAuth flow.
	RequiresAuth   bool             `json:"requiresAuth,omitempty"`
	OAuthDiscovery *oauth.Discovery `json:"oauthDiscovery,omitempty"`
}

// ServerPatch changes the fields that are set. RequiresAuth is not patchable; it is learned
// from the server.
type ServerPatch struct {
	Name          *string                 `json:"name,omitempty"`
	URL           *string                 `json:"url,omitempty"`
	TransportType *protocol.TransportKind `json:"transportType,omitempty"`
	Description   *string                 `json:"description,omitempty"`
	Enabled       *bool                   `json:"enabled,omitempty"`
}

// onlyEnabled reports whether the patch touches nothing but the enabled flag.
func (p ServerPatch) onlyEnabled() bool {
	return p.Name == nil && p.URL == nil && p.TransportType == nil && p.Description == nil
}

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// ServerStatus is the in-memory connection state of a server. It is never persisted.
type ServerStatus struct {
	ID          string          `json:"id"`
	State       ConnectionState `json:"state"`
	Connected   bool            `json:"connected"`
	Error       string          `json:"error,omitempty"`
	LastChecked int64           `json:"lastChecked"`
	ToolCount   int             `json:"toolCount,omitempty"`
}

// ToolDefinition is a tool published to the conversation layer.
type ToolDefinition struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	ServerID     string          `json:"serverId"`
	ServerName   string          `json:"serverName"`
	OriginalName string          `json:"originalName"`
}

var defaultInputSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ServerToolsInfo describes the tools last listed for one server.
type ServerToolsInfo struct {
	ServerID   string          `json:"serverId"`
	ServerName string          `json:"serverName"`
	Connected  bool            `json:"connected"`
	Tools      []protocol.Tool `json:"tools"`
}

type FailureKind string

const (
	FailureUnreachable  FailureKind = "unreachable"
	FailureAuthRequired FailureKind = "auth_required"
	FailureProtocol     FailureKind = "protocol"
)

// Diagnostics are captured from a failed test, separate from the user-facing message.
type Diagnostics struct {
	HTTPStatus    int               `json:"httpStatus,omitempty"`
	StatusText    string            `json:"statusText,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	BodyExcerpt   string            `json:"bodyExcerpt,omitempty"`
	RPCCode       int               `json:"rpcCode,omitempty"`
	RPCMessage    string            `json:"rpcMessage,omitempty"`
	ElapsedMillis int64             `json:"elapsedMillis"`
	Timeout       bool              `json:"timeout,omitempty"`
}

// TestResult is the outcome of testing a candidate server before adding it.
//
// ConnectionSuccess is true when the server answered tools/list without credentials, or
// when it refused but publishes OAuth metadata; RequiresAuth separates the two.
type TestResult struct {
	ConnectionSuccess bool                     `json:"connectionSuccess"`
	RequiresAuth      bool                     `json:"requiresAuth"`
	SupportsOAuth     bool                     `json:"supportsOAuth"`
	OAuthDiscovery    *oauth.Discovery         `json:"oauthDiscovery,omitempty"`
	ToolCount         int                      `json:"toolCount,omitempty"`
	Tools             []protocol.Tool          `json:"tools,omitempty"`
	ServerInfo        *protocol.Implementation `json:"serverInfo,omitempty"`
	Error             string                   `json:"error,omitempty"`
	FailureKind       FailureKind              `json:"failureKind,omitempty"`
	Diagnostics       *Diagnostics             `json:"diagnostics,omitempty"`
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// sanitizeName turns a server name into a tool name prefix.
func sanitizeName(name string) string {
	return whitespaceRun.ReplaceAllString(name, "_")
}
