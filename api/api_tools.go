// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mattermost/mattermost-mcp-client/llm"
	"github.com/mattermost/mattermost-mcp-client/protocol"
)

// Tool formats accepted by the format query parameter of GET /tools.
const (
	ToolFormatMCP       = "mcp"
	ToolFormatOpenAI    = "openai"
	ToolFormatAnthropic = "anthropic"
	ToolFormatLangchain = "langchain"
)

// CallToolRequest represents a tool call from the API
type CallToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CallToolResponse is the tool result. IsError results are not HTTP errors.
type CallToolResponse struct {
	Text   string                    `json:"text"`
	Result *protocol.ToolsCallResult `json:"result"`
}

func (a *API) handleGetTools(c *gin.Context) {
	format := c.DefaultQuery("format", ToolFormatMCP)
	if format == ToolFormatMCP {
		c.JSON(http.StatusOK, a.mcpClientManager.GetAllTools(c.Request.Context()))
		return
	}

	tools := a.toolProvider.ToolStore(c.Request.Context(), nil).GetTools()
	switch format {
	case ToolFormatOpenAI:
		c.JSON(http.StatusOK, llm.OpenAITools(tools))
	case ToolFormatAnthropic:
		c.JSON(http.StatusOK, llm.AnthropicTools(tools))
	case ToolFormatLangchain:
		c.JSON(http.StatusOK, llm.LangchainTools(tools))
	default:
		c.AbortWithError(http.StatusBadRequest, fmt.Errorf("unknown tool format %q", format))
	}
}

func (a *API) handleGetToolsInfo(c *gin.Context) {
	c.JSON(http.StatusOK, a.mcpClientManager.GetToolsInfo())
}

// handleGetToolPrompt renders the tool-use system prompt for the current tools.
func (a *API) handleGetToolPrompt(c *gin.Context) {
	if a.prompts == nil {
		c.AbortWithError(http.StatusNotFound, fmt.Errorf("prompts are not configured"))
		return
	}

	store := a.toolProvider.ToolStore(c.Request.Context(), nil)
	prompt, err := store.ToolUsePrompt(a.prompts, c.Query("lang"))
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompt": prompt})
}

func (a *API) handleCallTool(c *gin.Context) {
	var req CallToolRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.AbortWithError(http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	if req.Name == "" {
		c.AbortWithError(http.StatusBadRequest, fmt.Errorf("name cannot be empty"))
		return
	}

	result, err := a.mcpClientManager.CallTool(c.Request.Context(), req.Name, req.Arguments)
	if err != nil {
		a.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, CallToolResponse{Text: result.Text(), Result: result})
}
