// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/mattermost/mattermost-mcp-client/transport"
)

const maxToolPages = 50

// Client speaks MCP to a single server over the mcp-go streamable HTTP transport.
// It is safe for concurrent use.
type Client struct {
	transport  transport.Transport
	url        string
	kind       TransportKind
	token      string
	headers    map[string]string
	clientInfo Implementation
	version    string
	retry      transport.Strategy
	logger     mlog.LoggerIFace

	initMu sync.Mutex

	mu      sync.RWMutex
	session *session
}

// session is one initialized MCP session. Re-initializing replaces it wholesale.
type session struct {
	tr     *mcptransport.StreamableHTTP
	info   *InitializeResult
	nextID atomic.Int64
}

// initializeParams mirrors mcp.InitializeParams but advertises the tools capability,
// which mcp.ClientCapabilities has no field for.
type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
}

// toolsCallParams always sends arguments; mcp.CallToolParams omits an empty map.
type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type Option func(*Client)

func WithTransportKind(kind TransportKind) Option {
	return func(c *Client) {
		if kind.Valid() {
			c.kind = kind
		}
	}
}

// WithAccessToken sends the token as a bearer credential on every request.
func WithAccessToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		c.headers = headers
	}
}

func WithClientInfo(name, version string) Option {
	return func(c *Client) {
		c.clientInfo = Implementation{Name: name, Version: version}
	}
}

func WithProtocolVersion(version string) Option {
	return func(c *Client) {
		if version != "" {
			c.version = version
		}
	}
}

// WithRetry sets the strategy used for idempotent requests.
func WithRetry(strategy transport.Strategy) Option {
	return func(c *Client) {
		c.retry = strategy
	}
}

func WithLogger(logger mlog.LoggerIFace) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(t transport.Transport, url string, opts ...Option) *Client {
	c := &Client{
		transport:  t,
		url:        url,
		kind:       TransportStreamableHTTP,
		clientInfo: Implementation{Name: "mattermost-mcp-client", Version: "1.0.0"},
		version:    DefaultProtocolVersion,
		retry:      transport.Idempotent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) URL() string {
	return c.url
}

func (c *Client) Kind() TransportKind {
	return c.kind
}

// SessionID returns the session id issued by the server, if any.
func (c *Client) SessionID() string {
	s := c.current()
	if s == nil {
		return ""
	}
	return s.tr.GetSessionId()
}

// ServerInfo returns the initialize result once the handshake completed.
func (c *Client) ServerInfo() *InitializeResult {
	s := c.current()
	if s == nil {
		return nil
	}
	return s.info
}

// InitializeSession performs the MCP handshake, replacing any previous session.
func (c *Client) InitializeSession(ctx context.Context) (*InitializeResult, error) {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	s, err := c.initialize(ctx)
	if err != nil {
		return nil, err
	}
	return s.info, nil
}

// ListTools returns every tool the server advertises, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""

	for page := 0; page < maxToolPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}

		var result ToolsListResult
		err := transport.RetryWithCallback(ctx, c.retry, func(ctx context.Context, _ int) error {
			resp, err := c.call(ctx, MethodToolsList, params)
			if err != nil {
				return err
			}
			if resp.Error != nil {
				return rpcProtocolError(MethodToolsList, resp.Error)
			}
			if !hasResult(resp.Result) {
				return &ProtocolError{Method: MethodToolsList, Message: "response has no result"}
			}
			result = ToolsListResult{}
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return &ProtocolError{Method: MethodToolsList, Code: CodeParseError, Message: err.Error()}
			}
			return nil
		}, c.logRetry(MethodToolsList))
		if err != nil {
			return nil, err
		}

		tools = append(tools, result.Tools...)
		cursor = result.NextCursor
		if cursor == "" {
			return tools, nil
		}
	}

	return nil, &ProtocolError{
		Method:  MethodToolsList,
		Message: fmt.Sprintf("server is still paginating after %d pages", maxToolPages),
	}
}

// CallTool invokes a tool once. Tool calls are never retried.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolsCallResult, error) {
	if args == nil {
		args = map[string]any{}
	}

	resp, err := c.call(ctx, MethodToolsCall, toolsCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &ToolExecutionError{Tool: name, Code: resp.Error.Code, Message: resp.Error.Message, Data: errorData(resp.Error)}
	}
	if !hasResult(resp.Result) {
		return nil, &ToolExecutionError{Tool: name, Message: "server returned no result"}
	}

	var result ToolsCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ToolExecutionError{Tool: name, Code: CodeParseError, Message: fmt.Sprintf("invalid result: %v", err)}
	}
	result.Raw = resp.Result
	return &result, nil
}

// Close ends the session, telling the server when it issued a session id. The client
// initializes a new session on its next request.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.tr.Close()
}

func (c *Client) current() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) ensureSession(ctx context.Context) (*session, error) {
	if s := c.current(); s != nil {
		return s, nil
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()

	if s := c.current(); s != nil {
		return s, nil
	}
	return c.initialize(ctx)
}

// initialize must be called with initMu held. A previous session is abandoned without
// a DELETE since the server has usually already dropped it.
func (c *Client) initialize(ctx context.Context) (*session, error) {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	tr, err := mcptransport.NewStreamableHTTP(c.url,
		mcptransport.WithHTTPBasicClient(transport.HTTPClient(c.transport)),
		mcptransport.WithHTTPHeaders(c.requestHeaders()),
		mcptransport.WithHTTPLogger(newTransportLogger(c.logger, c.url)),
	)
	if err != nil {
		return nil, &transport.Error{URL: c.url, Err: err}
	}

	s := &session{tr: tr}
	params := initializeParams{
		ProtocolVersion: c.version,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ClientInfo:      mcp.Implementation{Name: c.clientInfo.Name, Version: c.clientInfo.Version},
	}

	resp, err := c.send(ctx, s, MethodInitialize, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, rpcProtocolError(MethodInitialize, resp.Error)
	}
	if !hasResult(resp.Result) {
		return nil, &ProtocolError{Method: MethodInitialize, Message: "response has no result"}
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Method: MethodInitialize, Code: CodeParseError, Message: err.Error()}
	}
	if result.ProtocolVersion == "" {
		result.ProtocolVersion = c.version
	}
	if !slices.Contains(mcp.ValidProtocolVersions, result.ProtocolVersion) {
		return nil, &ProtocolError{
			Method:  MethodInitialize,
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("unsupported protocol version %q", result.ProtocolVersion),
		}
	}
	tr.SetProtocolVersion(result.ProtocolVersion)
	s.info = &result

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	c.notifyInitialized(ctx, s)

	return s, nil
}

func (c *Client) notifyInitialized(ctx context.Context, s *session) {
	notification := mcp.JSONRPCNotification{
		JSONRPC:      mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{Method: MethodInitialized},
	}
	err := s.tr.SendNotification(ctx, notification)
	if err == nil || c.logger == nil {
		return
	}
	c.logger.Debug("MCP server rejected initialized notification", mlog.String("url", c.url), mlog.Err(err))
}

// call sends a request on the current session, re-initializing once if the server
// reports the session as gone.
func (c *Client) call(ctx context.Context, method string, params any) (*mcptransport.JSONRPCResponse, error) {
	s, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	hadSession := s.tr.GetSessionId() != ""

	resp, err := c.send(ctx, s, method, params)
	var te *transport.Error
	if err != nil && hadSession && errors.As(err, &te) && te.Status == http.StatusNotFound {
		if c.logger != nil {
			c.logger.Debug("MCP session expired, re-initializing", mlog.String("url", c.url), mlog.String("method", method))
		}
		c.initMu.Lock()
		s, err = c.initialize(ctx)
		c.initMu.Unlock()
		if err != nil {
			return nil, err
		}
		resp, err = c.send(ctx, s, method, params)
	}
	return resp, err
}

func (c *Client) send(ctx context.Context, s *session, method string, params any) (*mcptransport.JSONRPCResponse, error) {
	req := mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(s.nextID.Add(1)),
		Method:  method,
		Params:  params,
	}
	resp, err := s.tr.SendRequest(ctx, req)
	if err != nil {
		return nil, c.classify(method, err)
	}
	return resp, nil
}

// classify keeps HTTP failures as *transport.Error so callers can read the status and
// body, and reports everything the library could not decode as a ProtocolError.
func (c *Client) classify(method string, err error) error {
	var te *transport.Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &transport.Error{URL: c.url, Err: err}
	}
	return &ProtocolError{Method: method, Code: CodeParseError, Message: err.Error()}
}

func (c *Client) requestHeaders() map[string]string {
	headers := make(map[string]string, len(c.headers)+1)
	for k, v := range c.headers {
		headers[k] = v
	}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	return headers
}

func (c *Client) logRetry(method string) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		if c.logger == nil {
			return
		}
		c.logger.Debug("Retrying MCP request",
			mlog.String("url", c.url),
			mlog.String("method", method),
			mlog.Int("attempt", attempt),
			mlog.String("delay", delay.String()),
			mlog.Err(err),
		)
	}
}

func hasResult(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
