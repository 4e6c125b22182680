// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package protocol implements the client side of the Model Context Protocol on top of the
// mcp-go streamable HTTP transport, keeping JSON-RPC error codes and HTTP diagnostics intact.
package protocol

import (
	"encoding/json"
	"strings"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
)

const (
	DefaultProtocolVersion = "2025-06-18"

	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"

	HeaderSessionID       = mcptransport.HeaderKeySessionID
	HeaderProtocolVersion = mcptransport.HeaderKeyProtocolVersion

	// JSON-RPC error codes
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// TransportKind selects the MCP HTTP transport flavour.
type TransportKind string

const (
	TransportStreamableHTTP TransportKind = "http-streamable"
	TransportSSE            TransportKind = "sse"
)

func (k TransportKind) Valid() bool {
	return k == TransportStreamableHTTP || k == TransportSSE
}

type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      Implementation  `json:"serverInfo"`
	Instructions    string          `json:"instructions,omitempty"`
}

// Tool is a tool as advertised by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type ToolsListResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Content is one block of a tool result.
type Content struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Data     string          `json:"data,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// ToolsCallResult is the decoded tools/call result. Raw keeps the payload as received.
type ToolsCallResult struct {
	Content           []Content       `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
	Raw               json.RawMessage `json:"-"`
}

// Text joins the text blocks of the result.
func (r *ToolsCallResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	if len(parts) == 0 && len(r.StructuredContent) > 0 {
		return string(r.StructuredContent)
	}
	return strings.Join(parts, "\n")
}
