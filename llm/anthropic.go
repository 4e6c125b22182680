// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package llm

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
)

type inputSchema struct {
	Properties json.RawMessage `json:"properties"`
	Required   []string        `json:"required"`
}

// AnthropicTools converts the tools into tool params for a Messages request. Anthropic
// takes the properties and required list separately from the rest of the schema.
func AnthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema inputSchema
		if len(tool.Schema) > 0 {
			_ = json.Unmarshal(tool.Schema, &schema)
		}
		properties := schema.Properties
		if len(properties) == 0 || string(properties) == "null" {
			properties = json.RawMessage("{}")
		}

		param := anthropic.ToolParam{
			Name: tool.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
			},
		}
		if tool.Description != "" {
			param.Description = anthropic.String(tool.Description)
		}
		if len(schema.Required) > 0 {
			param.InputSchema.ExtraFields = map[string]any{"required": schema.Required}
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &param})
	}
	return result
}

// ResolveAnthropicToolUses resolves the tool_use blocks of an assistant message into a
// single user message of tool results. The returned bool is false when there was nothing
// to resolve.
func (s *ToolStore) ResolveAnthropicToolUses(ctx context.Context, blocks []anthropic.ContentBlockUnion) (anthropic.MessageParam, []ToolCall, bool) {
	var results []anthropic.ContentBlockParamUnion
	var records []ToolCall
	for _, block := range blocks {
		if block.Type != "tool_use" {
			continue
		}
		result, err := s.ResolveTool(ctx, block.Name, RawArguments(block.Input))
		content, isError := toolResultContent(result, err)
		results = append(results, anthropic.NewToolResultBlock(block.ID, content, isError))
		records = append(records, newToolCallRecord(block.ID, block.Name, block.Input, content, isError))
	}
	if len(results) == 0 {
		return anthropic.MessageParam{}, nil, false
	}
	return anthropic.NewUserMessage(results...), records, true
}
