// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/mattermost/mattermost-mcp-client/mcp"
	"github.com/mattermost/mattermost-mcp-client/oauth"
	"github.com/mattermost/mattermost-mcp-client/protocol"
)

// ErrToolReportedError marks a result the tool itself flagged with isError. The resolver
// still returns the tool's text so the model can read it.
var ErrToolReportedError = errors.New("tool reported an error")

// ToolSource is the part of the connection manager the conversation layer needs.
type ToolSource interface {
	GetAllTools(ctx context.Context) []mcp.ToolDefinition
	CallTool(ctx context.Context, name string, args map[string]any) (*protocol.ToolsCallResult, error)
	StartOAuthFlow(ctx context.Context, id string) (*oauth.AuthorizationRequest, error)
}

// ToolProvider builds tool stores over the tools of the connected MCP servers.
type ToolProvider struct {
	source  ToolSource
	log     mlog.LoggerIFace
	doTrace bool
}

func NewToolProvider(source ToolSource, log mlog.LoggerIFace, doTrace bool) *ToolProvider {
	if log == nil {
		log, _ = mlog.NewLogger()
	}
	return &ToolProvider{
		source:  source,
		log:     log,
		doTrace: doTrace,
	}
}

// ToolStore lists the tools of every connected server into a new store. connectErrs is
// the result of the last bulk connect; servers that failed authentication are recorded
// as auth errors carrying a fresh authorization URL.
func (p *ToolProvider) ToolStore(ctx context.Context, connectErrs map[string]error) *ToolStore {
	store := NewToolStore(p.log, p.doTrace)

	for _, def := range p.source.GetAllTools(ctx) {
		store.AddTools([]Tool{p.toolFromDefinition(def)})
	}

	for serverID, err := range connectErrs {
		var authErr *mcp.AuthenticationError
		if !errors.As(err, &authErr) {
			continue
		}
		authError := ToolAuthError{
			ServerID:   serverID,
			ServerName: authErr.ServerName,
			Error:      err,
		}
		request, startErr := p.source.StartOAuthFlow(ctx, serverID)
		if startErr != nil {
			p.log.Warn("Failed to start OAuth flow for server",
				mlog.String("server_id", serverID),
				mlog.Err(startErr),
			)
		} else {
			authError.AuthURL = request.URL
		}
		store.AddAuthError(authError)
	}

	return store
}

func (p *ToolProvider) toolFromDefinition(def mcp.ToolDefinition) Tool {
	name := def.Name
	return Tool{
		Name:        name,
		Description: def.Description,
		Schema:      def.InputSchema,
		ServerID:    def.ServerID,
		ServerName:  def.ServerName,
		Resolver: func(ctx context.Context, argsGetter ToolArgumentGetter) (string, error) {
			var args map[string]any
			if err := argsGetter(&args); err != nil {
				return "", fmt.Errorf("failed to parse arguments for tool %s: %w", name, err)
			}
			result, err := p.source.CallTool(ctx, name, args)
			if err != nil {
				return "", err
			}
			if result.IsError {
				return result.Text(), fmt.Errorf("%w: %s", ErrToolReportedError, name)
			}
			return result.Text(), nil
		},
	}
}

// toolResultContent is what the model sees for a resolved call.
func toolResultContent(result string, err error) (string, bool) {
	if err == nil {
		return result, false
	}
	if result != "" {
		return result, true
	}
	return err.Error(), true
}
