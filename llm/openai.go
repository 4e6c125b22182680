// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package llm

import (
	"context"
	"encoding/json"

	"github.com/sashabaranov/go-openai"
)

// OpenAITools converts the tools into function definitions for a chat completion request.
func OpenAITools(tools []Tool) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}
	return result
}

// ResolveOpenAIToolCalls resolves the tool calls of an assistant message and returns one
// tool message per call, in call order. Failures are reported to the model, not returned.
func (s *ToolStore) ResolveOpenAIToolCalls(ctx context.Context, calls []openai.ToolCall) ([]openai.ChatCompletionMessage, []ToolCall) {
	messages := make([]openai.ChatCompletionMessage, 0, len(calls))
	records := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		args := json.RawMessage(call.Function.Arguments)
		result, err := s.ResolveTool(ctx, call.Function.Name, RawArguments(args))
		content, isError := toolResultContent(result, err)

		messages = append(messages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    content,
			ToolCallID: call.ID,
		})
		records = append(records, newToolCallRecord(call.ID, call.Function.Name, args, content, isError))
	}
	return messages, records
}

func newToolCallRecord(id, name string, args json.RawMessage, content string, isError bool) ToolCall {
	status := ToolCallStatusSuccess
	if isError {
		status = ToolCallStatusError
	}
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage("{}")
	}
	return ToolCall{
		ID:        id,
		Name:      name,
		Arguments: args,
		Result:    content,
		Status:    status,
	}
}
