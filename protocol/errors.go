// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// ProtocolError is a JSON-RPC level failure or a malformed response.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s failed: JSON-RPC error %d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Method, e.Message)
}

// ToolExecutionError is returned when the server answers tools/call with an error or no result.
type ToolExecutionError struct {
	Tool    string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *ToolExecutionError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tool %s failed: JSON-RPC error %d: %s", e.Tool, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

func rpcProtocolError(method string, e *mcp.JSONRPCErrorDetails) *ProtocolError {
	return &ProtocolError{Method: method, Code: e.Code, Message: e.Message, Data: errorData(e)}
}

// errorData re-encodes the error data the library decoded into an any.
func errorData(e *mcp.JSONRPCErrorDetails) json.RawMessage {
	if e.Data == nil {
		return nil
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil
	}
	return data
}
