// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package llm

import (
	"context"
	"encoding/json"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"
)

// LangchainTools converts the tools into langchaingo function tools.
func LangchainTools(toolList []Tool) []llms.Tool {
	result := make([]llms.Tool, 0, len(toolList))
	for _, tool := range toolList {
		var parameters any = map[string]any{"type": "object", "properties": map[string]any{}}
		if len(tool.Schema) > 0 {
			parameters = tool.Schema
		}
		result = append(result, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  parameters,
			},
		})
	}
	return result
}

// ResolveLangchainToolCalls resolves the tool calls of an AI message into tool messages,
// one per call.
func (s *ToolStore) ResolveLangchainToolCalls(ctx context.Context, calls []llms.ToolCall) ([]llms.MessageContent, []ToolCall) {
	messages := make([]llms.MessageContent, 0, len(calls))
	records := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.FunctionCall == nil {
			continue
		}
		args := json.RawMessage(call.FunctionCall.Arguments)
		result, err := s.ResolveTool(ctx, call.FunctionCall.Name, RawArguments(args))
		content, isError := toolResultContent(result, err)

		messages = append(messages, llms.MessageContent{
			Role: llms.ChatMessageTypeTool,
			Parts: []llms.ContentPart{
				llms.ToolCallResponse{
					ToolCallID: call.ID,
					Name:       call.FunctionCall.Name,
					Content:    content,
				},
			},
		})
		records = append(records, newToolCallRecord(call.ID, call.FunctionCall.Name, args, content, isError))
	}
	return messages, records
}

// LangchainTool exposes one tool to langchaingo agents, which pass the arguments as a
// JSON string.
type LangchainTool struct {
	store *ToolStore
	tool  Tool
}

var _ tools.Tool = (*LangchainTool)(nil)

// AgentTools wraps every tool in the store for a langchaingo agent executor.
func (s *ToolStore) AgentTools() []tools.Tool {
	storeTools := s.GetTools()
	result := make([]tools.Tool, 0, len(storeTools))
	for _, tool := range storeTools {
		result = append(result, &LangchainTool{store: s, tool: tool})
	}
	return result
}

func (t *LangchainTool) Name() string {
	return t.tool.Name
}

func (t *LangchainTool) Description() string {
	if len(t.tool.Schema) == 0 {
		return t.tool.Description
	}
	return t.tool.Description + "\nInput is a JSON object matching this schema: " + string(t.tool.Schema)
}

func (t *LangchainTool) Call(ctx context.Context, input string) (string, error) {
	result, err := t.store.ResolveTool(ctx, t.tool.Name, RawArguments(json.RawMessage(input)))
	content, _ := toolResultContent(result, err)
	return content, nil
}
