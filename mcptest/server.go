// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package mcptest runs MCP servers over streamable HTTP for tests, optionally behind OAuth.
package mcptest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// ToolHandler computes the text result of a tool. A returned error becomes an isError result.
type ToolHandler func(args map[string]any) (string, error)

type toolDef struct {
	name        string
	description string
	params      []string
	handler     ToolHandler
}

type config struct {
	name  string
	tools []toolDef
	oauth bool
}

type Option func(*config)

// WithName sets the server name reported during initialize.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithTool registers a tool taking the named string parameters.
func WithTool(name, description string, handler ToolHandler, params ...string) Option {
	return func(c *config) {
		c.tools = append(c.tools, toolDef{name: name, description: description, params: params, handler: handler})
	}
}

// WithEchoTool registers "echo", returning its "text" argument.
func WithEchoTool() Option {
	return WithTool("echo", "Echoes the given text", func(args map[string]any) (string, error) {
		text, _ := args["text"].(string)
		return text, nil
	}, "text")
}

// WithOAuth protects the MCP endpoint with bearer tokens issued by a built-in authorization server.
func WithOAuth() Option {
	return func(c *config) {
		c.oauth = true
	}
}

// RecordedRequest captures what a client sent to the MCP endpoint.
type RecordedRequest struct {
	Method          string
	SessionID       string
	Authorization   string
	ProtocolVersion string
}

// Server is a running MCP server.
type Server struct {
	*httptest.Server
	MCP *mcpserver.MCPServer

	oauth bool
	auth  *authServer

	mu       sync.Mutex
	requests []RecordedRequest
}

func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	cfg := &config{name: "test-server"}
	for _, opt := range opts {
		opt(cfg)
	}

	mcpSrv := mcpserver.NewMCPServer(cfg.name, "1.0.0", mcpserver.WithToolCapabilities(true))
	for _, tool := range cfg.tools {
		mcpSrv.AddTool(buildTool(tool), toolHandler(tool.handler))
	}

	s := &Server{
		MCP:   mcpSrv,
		oauth: cfg.oauth,
	}

	streamable := mcpserver.NewStreamableHTTPServer(mcpSrv)
	mux := http.NewServeMux()
	mux.Handle("/mcp", s.record(s.authorize(streamable)))

	s.Server = httptest.NewServer(mux)
	if cfg.oauth {
		s.auth = newAuthServer(s.Server.URL)
		s.auth.register(mux)
	}
	t.Cleanup(s.Server.Close)

	return s
}

// URL returns the MCP endpoint.
func (s *Server) URL() string {
	return s.Server.URL + "/mcp"
}

// Requests returns the requests received so far.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestsFor filters recorded requests by JSON-RPC method.
func (s *Server) RequestsFor(method string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range s.Requests() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// IssueToken mints a valid access token without going through the authorization flow.
func (s *Server) IssueToken() string {
	if s.auth == nil {
		return ""
	}
	return s.auth.issueAccessToken()
}

// RevokeTokens invalidates every access and refresh token.
func (s *Server) RevokeTokens() {
	if s.auth != nil {
		s.auth.revokeAll()
	}
}

// TokenRequests counts token endpoint calls for a grant type.
func (s *Server) TokenRequests(grantType string) int {
	if s.auth == nil {
		return 0
	}
	return s.auth.tokenRequests(grantType)
}

// Registrations counts dynamic client registrations.
func (s *Server) Registrations() int {
	if s.auth == nil {
		return 0
	}
	return s.auth.registrationCount()
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))

			var envelope struct {
				Method string `json:"method"`
			}
			_ = json.Unmarshal(body, &envelope)

			s.mu.Lock()
			s.requests = append(s.requests, RecordedRequest{
				Method:          envelope.Method,
				SessionID:       r.Header.Get("Mcp-Session-Id"),
				Authorization:   r.Header.Get("Authorization"),
				ProtocolVersion: r.Header.Get("MCP-Protocol-Version"),
			})
			s.mu.Unlock()
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.oauth && !s.auth.validBearer(r.Header.Get("Authorization")) {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata="%s"`, s.auth.resourceMetadataURL()))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func buildTool(tool toolDef) mcpgo.Tool {
	var options []mcpgo.ToolOption
	if tool.description != "" {
		options = append(options, mcpgo.WithDescription(tool.description))
	}
	for _, param := range tool.params {
		options = append(options, mcpgo.WithString(param, mcpgo.Description(param)))
	}
	return mcpgo.NewTool(tool.name, options...)
}

func toolHandler(handler ToolHandler) mcpserver.ToolHandlerFunc {
	return func(_ context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		text, err := handler(request.GetArguments())
		if err != nil {
			return mcpgo.NewToolResultError(err.Error()), nil
		}
		return mcpgo.NewToolResultText(text), nil
	}
}
