// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package mcp

import (
	"errors"
	"fmt"
)

// ErrServerNotFound is wrapped by the ConfigurationError returned for unknown server ids.
var ErrServerNotFound = errors.New("server not found")

// ConfigurationError reports an unknown server, a readonly violation or an invalid config.
type ConfigurationError struct {
	ServerID string
	Message  string
	Err      error
}

func serverNotFound(id string) *ConfigurationError {
	return &ConfigurationError{ServerID: id, Message: ErrServerNotFound.Error(), Err: ErrServerNotFound}
}

func (e *ConfigurationError) Error() string {
	if e.ServerID == "" {
		return e.Message
	}
	return fmt.Sprintf("server %s: %s", e.ServerID, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// AuthenticationError means required OAuth credentials are missing, rejected or could not
// be refreshed. The user has to authorize the server again.
type AuthenticationError struct {
	ServerID   string
	ServerName string
	Message    string
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication required for %s: %s: %v", e.ServerName, e.Message, e.Err)
	}
	return fmt.Sprintf("authentication required for %s: %s", e.ServerName, e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// ConnectionError wraps a transport or protocol failure while connecting or listing tools.
type ConnectionError struct {
	ServerID   string
	ServerName string
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.ServerName, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ToolNotFoundError means no live server owns the tool, typically because the server
// disconnected between listing and calling.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %s not found on any connected server", e.Tool)
}

// RoutingError is the name used by the conversation layer for a routing miss.
type RoutingError = ToolNotFoundError

// ToolExecutionError reports a failed or timed out tool call.
type ToolExecutionError struct {
	Tool       string
	ServerID   string
	ServerName string
	Err        error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s on %s failed: %v", e.Tool, e.ServerName, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}
