// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package llm exposes the tools of connected MCP servers to language model SDKs.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// Tool represents a function that can be called by the language model during a conversation.
//
// Each tool has a name, description, and schema that defines its parameters. These are passed to the LLM for it to understand what capabilities it has.
// It is the Resolver function that implements the actual functionality.
//
// Schema holds the JSON schema of the tool's arguments as sent to the model.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	ServerID    string
	ServerName  string
	Resolver    ToolResolver
}

type ToolResolver func(ctx context.Context, argsGetter ToolArgumentGetter) (string, error)

// ToolCallStatus represents the current status of a tool call
type ToolCallStatus int

const (
	// ToolCallStatusPending indicates the tool is waiting for user approval/rejection
	ToolCallStatusPending ToolCallStatus = iota
	// ToolCallStatusAccepted indicates the user has accepted the tool call but it's not resolved yet
	ToolCallStatusAccepted
	// ToolCallStatusRejected indicates the user has rejected the tool call
	ToolCallStatusRejected
	// ToolCallStatusError indicates the tool call was accepted but errored during resolution
	ToolCallStatusError
	// ToolCallStatusSuccess indicates the tool call was accepted and resolved successfully
	ToolCallStatusSuccess
)

// ToolCall represents a tool call. An empty result indicates that the tool has not yet been resolved.
type ToolCall struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Arguments   json.RawMessage `json:"arguments"`
	Result      string          `json:"result"`
	Status      ToolCallStatus  `json:"status"`
}

type ToolArgumentGetter func(args any) error

// RawArguments returns a getter decoding raw JSON arguments. Empty input decodes as {}.
func RawArguments(raw json.RawMessage) ToolArgumentGetter {
	return func(args any) error {
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		return json.Unmarshal(raw, args)
	}
}

// ToolAuthError is a server whose tools are unavailable until the user authorizes it.
type ToolAuthError struct {
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`
	AuthURL    string `json:"auth_url,omitempty"`
	Error      error  `json:"-"`
}

type ToolStore struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	log        mlog.LoggerIFace
	doTrace    bool
	authErrors []ToolAuthError
}

// NewJSONSchemaFromStruct reflects the JSON schema of T. It's a helper for tools whose
// arguments are defined as structs.
func NewJSONSchemaFromStruct[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.Reflect(new(T))
	schema.Version = ""

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("failed to create JSON schema from struct: %v", err))
	}
	return data
}

func NewNoTools() *ToolStore {
	return &ToolStore{
		tools:      make(map[string]Tool),
		log:        nil,
		doTrace:    false,
		authErrors: []ToolAuthError{},
	}
}

func NewToolStore(log mlog.LoggerIFace, doTrace bool) *ToolStore {
	return &ToolStore{
		tools:      make(map[string]Tool),
		log:        log,
		doTrace:    doTrace,
		authErrors: []ToolAuthError{},
	}
}

func (s *ToolStore) AddTools(tools []Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tool := range tools {
		s.tools[tool.Name] = tool
	}
}

func (s *ToolStore) ResolveTool(ctx context.Context, name string, argsGetter ToolArgumentGetter) (string, error) {
	s.mu.RLock()
	tool, ok := s.tools[name]
	s.mu.RUnlock()
	if !ok {
		s.TraceUnknown(name, argsGetter)
		return "", fmt.Errorf("unknown tool %s", name)
	}
	results, err := tool.Resolver(ctx, argsGetter)
	s.TraceResolved(name, argsGetter, results, err)
	return results, err
}

// GetTools returns the tools sorted by name.
func (s *ToolStore) GetTools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		result = append(result, tool)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func traceArgs(argsGetter ToolArgumentGetter) string {
	var raw json.RawMessage
	if err := argsGetter(&raw); err != nil {
		return fmt.Sprintf("failed to get tool args: %v", err)
	}
	return string(raw)
}

func (s *ToolStore) TraceUnknown(name string, argsGetter ToolArgumentGetter) {
	if s.log != nil && s.doTrace {
		s.log.Info("unknown tool called", mlog.String("name", name), mlog.String("args", traceArgs(argsGetter)))
	}
}

func (s *ToolStore) TraceResolved(name string, argsGetter ToolArgumentGetter, result string, err error) {
	if s.log != nil && s.doTrace {
		s.log.Info("tool resolved",
			mlog.String("name", name),
			mlog.String("args", traceArgs(argsGetter)),
			mlog.String("result", result),
			mlog.Err(err),
		)
	}
}

// AddAuthError adds an authentication error to the tool store
func (s *ToolStore) AddAuthError(authError ToolAuthError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authErrors = append(s.authErrors, authError)
}

// GetAuthErrors returns all authentication errors collected during tool creation
func (s *ToolStore) GetAuthErrors() []ToolAuthError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ToolAuthError(nil), s.authErrors...)
}
