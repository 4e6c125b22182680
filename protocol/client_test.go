// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattermost/mattermost-mcp-client/mcptest"
	"github.com/mattermost/mattermost-mcp-client/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcCall struct {
	Method        string
	ID            json.RawMessage
	Params        json.RawMessage
	SessionID     string
	Authorization string
	Version       string
}

// fakeMCP is a scriptable JSON-RPC server. Methods without a handler get default answers.
type fakeMCP struct {
	mu       sync.Mutex
	calls    []rpcCall
	sessions int
	deleted  []string
	handlers map[string]func(w http.ResponseWriter, call rpcCall)
}

func newFakeMCP(t *testing.T) (*fakeMCP, *httptest.Server) {
	f := &fakeMCP{handlers: map[string]func(http.ResponseWriter, rpcCall){}}
	server := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeMCP) on(method string, handler func(w http.ResponseWriter, call rpcCall)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = handler
}

func (f *fakeMCP) callsFor(method string) []rpcCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rpcCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeMCP) deletedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeMCP) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.Header.Get(HeaderSessionID))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}

	var envelope struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	call := rpcCall{
		Method:        envelope.Method,
		ID:            envelope.ID,
		Params:        envelope.Params,
		SessionID:     r.Header.Get(HeaderSessionID),
		Authorization: r.Header.Get("Authorization"),
		Version:       r.Header.Get(HeaderProtocolVersion),
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	handler := f.handlers[call.Method]
	f.mu.Unlock()

	if handler != nil {
		handler(w, call)
		return
	}

	switch call.Method {
	case MethodInitialize:
		f.mu.Lock()
		f.sessions++
		session := fmt.Sprintf("session-%d", f.sessions)
		f.mu.Unlock()
		w.Header().Set(HeaderSessionID, session)
		writeResult(w, call.ID, map[string]any{
			"protocolVersion": DefaultProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "fake", "version": "0.0.1"},
		})
	case MethodInitialized:
		w.WriteHeader(http.StatusAccepted)
	case MethodToolsList:
		writeResult(w, call.ID, map[string]any{
			"tools": []map[string]any{{"name": "lookup", "description": "Looks things up", "inputSchema": map[string]any{"type": "object"}}},
		})
	case MethodToolsCall:
		writeResult(w, call.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
		})
	default:
		writeRPCError(w, call.ID, CodeMethodNotFound, "method not found")
	}
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": message}})
}

func newTestClient(url string, opts ...Option) *Client {
	opts = append([]Option{WithRetry(transport.NoRetry)}, opts...)
	return NewClient(transport.NewHTTPTransport(), url, opts...)
}

func TestClientAgainstMCPServer(t *testing.T) {
	server := mcptest.NewServer(t, mcptest.WithName("docs"), mcptest.WithEchoTool())
	client := newTestClient(server.URL())
	ctx := context.Background()

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, "Echoes the given text", tools[0].Description)
	assert.Contains(t, string(tools[0].InputSchema), `"text"`)

	require.NotEmpty(t, client.SessionID())
	require.NotNil(t, client.ServerInfo())
	assert.Equal(t, "docs", client.ServerInfo().ServerInfo.Name)

	result, err := client.CallTool(ctx, "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "hello", result.Text())
	assert.NotEmpty(t, result.Raw)

	initialized := server.RequestsFor(MethodInitialized)
	require.Len(t, initialized, 1)
	assert.Equal(t, client.SessionID(), initialized[0].SessionID)

	for _, method := range []string{MethodToolsList, MethodToolsCall} {
		reqs := server.RequestsFor(method)
		require.Len(t, reqs, 1, method)
		assert.Equal(t, client.SessionID(), reqs[0].SessionID, method)
		assert.NotEmpty(t, reqs[0].ProtocolVersion, method)
	}

	assert.Len(t, server.RequestsFor(MethodInitialize), 1)
}

func TestClientToolErrorResult(t *testing.T) {
	server := mcptest.NewServer(t, mcptest.WithTool("fail", "Always fails", func(map[string]any) (string, error) {
		return "", errors.New("backend down")
	}))
	client := newTestClient(server.URL())

	result, err := client.CallTool(context.Background(), "fail", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text(), "backend down")
}

func TestClientSessionIsolation(t *testing.T) {
	fake, server := newFakeMCP(t)
	ctx := context.Background()

	first := newTestClient(server.URL)
	second := newTestClient(server.URL)

	_, err := first.ListTools(ctx)
	require.NoError(t, err)
	_, err = second.ListTools(ctx)
	require.NoError(t, err)

	assert.Equal(t, "session-1", first.SessionID())
	assert.Equal(t, "session-2", second.SessionID())

	inits := fake.callsFor(MethodInitialize)
	require.Len(t, inits, 2)
	for _, call := range inits {
		assert.Empty(t, call.SessionID, "a fresh client must not send a session id")
	}

	lists := fake.callsFor(MethodToolsList)
	require.Len(t, lists, 2)
	assert.Equal(t, "session-1", lists[0].SessionID)
	assert.Equal(t, "session-2", lists[1].SessionID)
}

func TestClientSessionHeaderCaseInsensitive(t *testing.T) {
	fake, server := newFakeMCP(t)
	fake.on(MethodInitialize, func(w http.ResponseWriter, call rpcCall) {
		w.Header()["mcp-session-id"] = []string{"lowercase-session"}
		writeResult(w, call.ID, map[string]any{"protocolVersion": DefaultProtocolVersion, "serverInfo": map[string]any{"name": "x"}})
	})

	client := newTestClient(server.URL)
	_, err := client.InitializeSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lowercase-session", client.SessionID())
}

func TestClientWithoutSessionID(t *testing.T) {
	fake, server := newFakeMCP(t)
	fake.on(MethodInitialize, func(w http.ResponseWriter, call rpcCall) {
		writeResult(w, call.ID, map[string]any{"protocolVersion": "2025-03-26", "serverInfo": map[string]any{"name": "x"}})
	})

	client := newTestClient(server.URL)
	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 1)
	assert.Empty(t, client.SessionID())

	lists := fake.callsFor(MethodToolsList)
	require.Len(t, lists, 1)
	assert.Empty(t, lists[0].SessionID)
	assert.Equal(t, "2025-03-26", lists[0].Version)
}

func TestClientInitializeRequest(t *testing.T) {
	fake, server := newFakeMCP(t)
	client := newTestClient(server.URL, WithClientInfo("mobile", "2.1.0"), WithAccessToken("secret"))

	_, err := client.InitializeSession(context.Background())
	require.NoError(t, err)

	inits := fake.callsFor(MethodInitialize)
	require.Len(t, inits, 1)
	assert.Equal(t, "Bearer secret", inits[0].Authorization)

	var params struct {
		ProtocolVersion string          `json:"protocolVersion"`
		Capabilities    json.RawMessage `json:"capabilities"`
		ClientInfo      Implementation  `json:"clientInfo"`
	}
	require.NoError(t, json.Unmarshal(inits[0].Params, &params))
	assert.Equal(t, DefaultProtocolVersion, params.ProtocolVersion)
	assert.Equal(t, Implementation{Name: "mobile", Version: "2.1.0"}, params.ClientInfo)
	assert.JSONEq(t, `{"tools":{}}`, string(params.Capabilities))

	initialized := fake.callsFor(MethodInitialized)
	require.Len(t, initialized, 1)
	assert.Equal(t, "Bearer secret", initialized[0].Authorization)
	assert.Equal(t, "session-1", initialized[0].SessionID)
	assert.Equal(t, DefaultProtocolVersion, initialized[0].Version)
}

func TestClientRejectsUnsupportedProtocolVersion(t *testing.T) {
	fake, server := newFakeMCP(t)
	fake.on(MethodInitialize, func(w http.ResponseWriter, call rpcCall) {
		writeResult(w, call.ID, map[string]any{"protocolVersion": "1999-01-01", "serverInfo": map[string]any{"name": "x"}})
	})

	_, err := newTestClient(server.URL).InitializeSession(context.Background())
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, MethodInitialize, perr.Method)
	assert.Contains(t, perr.Message, "1999-01-01")
}

func TestClientEventStreamResponse(t *testing.T) {
	fake, server := newFakeMCP(t)
	fake.on(MethodToolsList, func(w http.ResponseWriter, call rpcCall) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{}}\n\n")
		fmt.Fprintf(w, ": keep-alive\n\n")
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%s,\"result\":{\"tools\":[{\"name\":\"streamed\"}]}}\n\n", call.ID)
	})

	client := newTestClient(server.URL)
	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "streamed", tools[0].Name)
}

func TestClientProtocolErrors(t *testing.T) {
	t.Run("initialize error", func(t *testing.T) {
		fake, server := newFakeMCP(t)
		fake.on(MethodInitialize, func(w http.ResponseWriter, call rpcCall) {
			writeRPCError(w, call.ID, CodeInvalidRequest, "unsupported version")
		})

		_, err := newTestClient(server.URL).ListTools(context.Background())
		var perr *ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, MethodInitialize, perr.Method)
		assert.Equal(t, CodeInvalidRequest, perr.Code)
		assert.Equal(t, "unsupported version", perr.Message)
	})

	t.Run("error data is kept", func(t *testing.T) {
		fake, server := newFakeMCP(t)
		fake.on(MethodToolsList, func(w http.ResponseWriter, call rpcCall) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": call.ID, "error": map[string]any{
				"code": -32001, "message": "quota exceeded", "data": map[string]any{"retryAfter": 30},
			}})
		})

		_, err := newTestClient(server.URL).ListTools(context.Background())
		var perr *ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, -32001, perr.Code)
		assert.Equal(t, "quota exceeded", perr.Message)
		assert.JSONEq(t, `{"retryAfter":30}`, string(perr.Data))
	})

	t.Run("malformed body", func(t *testing.T) {
		fake, server := newFakeMCP(t)
		fake.on(MethodToolsList, func(w http.ResponseWriter, call rpcCall) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("not json"))
		})

		_, err := newTestClient(server.URL).ListTools(context.Background())
		var perr *ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, CodeParseError, perr.Code)
	})

	t.Run("tool call error", func(t *testing.T) {
		fake, server := newFakeMCP(t)
		fake.on(MethodToolsCall, func(w http.ResponseWriter, call rpcCall) {
			writeRPCError(w, call.ID, CodeInvalidParams, "missing query")
		})

		_, err := newTestClient(server.URL).CallTool(context.Background(), "lookup", map[string]any{})
		var terr *ToolExecutionError
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, "lookup", terr.Tool)
		assert.Equal(t, CodeInvalidParams, terr.Code)
	})

	t.Run("tool call without result", func(t *testing.T) {
		fake, server := newFakeMCP(t)
		fake.on(MethodToolsCall, func(w http.ResponseWriter, call rpcCall) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": call.ID})
		})

		_, err := newTestClient(server.URL).CallTool(context.Background(), "lookup", nil)
		var terr *ToolExecutionError
		require.True(t, errors.As(err, &terr))
	})
}

func TestClientHTTPStatusErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="https://auth.example.com/prm"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ListTools(context.Background())
	var te *transport.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusUnauthorized, te.Status)
	assert.True(t, te.Unauthorized())
	assert.Contains(t, te.Header.Get("WWW-Authenticate"), "resource_metadata")
}

func TestClientReinitializesExpiredSession(t *testing.T) {
	fake, server := newFakeMCP(t)
	fake.on(MethodToolsList, func(w http.ResponseWriter, call rpcCall) {
		if call.SessionID == "session-1" {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeResult(w, call.ID, map[string]any{"tools": []map[string]any{{"name": "after"}}})
	})

	client := newTestClient(server.URL)
	_, err := client.InitializeSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session-1", client.SessionID())

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "after", tools[0].Name)
	assert.Equal(t, "session-2", client.SessionID())
	assert.Len(t, fake.callsFor(MethodInitialize), 2)
}

func TestClientRetryPolicy(t *testing.T) {
	strategy := transport.Strategy{Delays: []time.Duration{time.Millisecond, time.Millisecond}}

	t.Run("tools/list is retried", func(t *testing.T) {
		fake, server := newFakeMCP(t)
		var failures atomic.Int32
		failures.Store(1)
		fake.on(MethodToolsList, func(w http.ResponseWriter, call rpcCall) {
			if failures.Add(-1) >= 0 {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			writeResult(w, call.ID, map[string]any{"tools": []map[string]any{{"name": "a"}}})
		})

		client := NewClient(transport.NewHTTPTransport(), server.URL, WithRetry(strategy))
		tools, err := client.ListTools(context.Background())
		require.NoError(t, err)
		assert.Len(t, tools, 1)
		assert.Len(t, fake.callsFor(MethodToolsList), 2)
	})

	t.Run("tools/call is not retried", func(t *testing.T) {
		fake, server := newFakeMCP(t)
		fake.on(MethodToolsCall, func(w http.ResponseWriter, call rpcCall) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		})

		client := NewClient(transport.NewHTTPTransport(), server.URL, WithRetry(strategy))
		_, err := client.CallTool(context.Background(), "lookup", nil)
		var te *transport.Error
		require.True(t, errors.As(err, &te))
		assert.Equal(t, http.StatusServiceUnavailable, te.Status)
		assert.Len(t, fake.callsFor(MethodToolsCall), 1)
	})
}

func TestClientPagination(t *testing.T) {
	fake, server := newFakeMCP(t)
	fake.on(MethodToolsList, func(w http.ResponseWriter, call rpcCall) {
		var params struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(call.Params, &params)
		if params.Cursor == "" {
			writeResult(w, call.ID, map[string]any{"tools": []map[string]any{{"name": "one"}}, "nextCursor": "page-2"})
			return
		}
		writeResult(w, call.ID, map[string]any{"tools": []map[string]any{{"name": "two"}}})
	})

	tools, err := newTestClient(server.URL).ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "one", tools[0].Name)
	assert.Equal(t, "two", tools[1].Name)
}

func TestClientPaginationLimit(t *testing.T) {
	fake, server := newFakeMCP(t)
	var pages atomic.Int32
	fake.on(MethodToolsList, func(w http.ResponseWriter, call rpcCall) {
		n := pages.Add(1)
		writeResult(w, call.ID, map[string]any{
			"tools":      []map[string]any{{"name": fmt.Sprintf("tool-%d", n)}},
			"nextCursor": fmt.Sprintf("page-%d", n+1),
		})
	})

	tools, err := newTestClient(server.URL).ListTools(context.Background())
	assert.Nil(t, tools)
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, MethodToolsList, perr.Method)
	assert.Contains(t, perr.Message, "50 pages")
	assert.EqualValues(t, maxToolPages, pages.Load())
}

func TestClientClose(t *testing.T) {
	fake, server := newFakeMCP(t)
	client := newTestClient(server.URL)
	ctx := context.Background()

	_, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.NoError(t, client.Close())
	assert.Empty(t, client.SessionID())
	assert.Nil(t, client.ServerInfo())
	assert.Equal(t, []string{"session-1"}, fake.deletedSessions())

	_, err = client.ListTools(ctx)
	require.NoError(t, err)
	assert.Len(t, fake.callsFor(MethodInitialize), 2)
	assert.Equal(t, "session-2", client.SessionID())
}
