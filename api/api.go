// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package api serves the connection manager over HTTP for the settings UI and local tools.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/mattermost/mattermost-mcp-client/llm"
	"github.com/mattermost/mattermost-mcp-client/mcp"
	"github.com/mattermost/mattermost-mcp-client/oauth"
	"github.com/mattermost/mattermost-mcp-client/protocol"
)

// MCPClientManager is the part of mcp.Manager the API serves.
type MCPClientManager interface {
	GetServerConfigs() []mcp.ServerConfig
	GetServerStatuses() map[string]mcp.ServerStatus
	AddServer(ctx context.Context, cfg mcp.ServerConfig) (mcp.ServerConfig, error)
	UpdateServer(ctx context.Context, id string, patch mcp.ServerPatch) (mcp.ServerConfig, error)
	RemoveServer(ctx context.Context, id string) error
	ConnectToServer(ctx context.Context, id string) error
	DisconnectFromServer(ctx context.Context, id string) error
	ConnectToEnabledServers(ctx context.Context) map[string]error
	Resume(ctx context.Context) map[string]error
	TestServerWithOAuthDiscovery(ctx context.Context, candidate mcp.ServerConfig) *mcp.TestResult
	GetAllTools(ctx context.Context) []mcp.ToolDefinition
	GetToolsInfo() []mcp.ServerToolsInfo
	CallTool(ctx context.Context, name string, args map[string]any) (*protocol.ToolsCallResult, error)
	StartOAuthFlow(ctx context.Context, id string) (*oauth.AuthorizationRequest, error)
	HandleOAuthCallback(ctx context.Context, rawURL string) (string, error)
	HasValidOAuthTokens(ctx context.Context, id string) (bool, error)
	ClearOAuthTokens(ctx context.Context, id string) error
}

// API represents the HTTP API functionality
type API struct {
	mcpClientManager MCPClientManager
	toolProvider     *llm.ToolProvider
	prompts          *llm.Prompts
	metricsHandler   http.Handler
	log              mlog.LoggerIFace
	router           *gin.Engine
}

// New creates a new API instance. metricsHandler may be nil, in which case /metrics is not
// served.
func New(mcpClientManager MCPClientManager, prompts *llm.Prompts, metricsHandler http.Handler, log mlog.LoggerIFace) *API {
	if log == nil {
		log, _ = mlog.NewLogger()
	}
	a := &API{
		mcpClientManager: mcpClientManager,
		toolProvider:     llm.NewToolProvider(mcpClientManager, log, false),
		prompts:          prompts,
		metricsHandler:   metricsHandler,
		log:              log,
	}
	a.router = a.newRouter()
	return a
}

func (a *API) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(a.logRequest)
	router.Use(a.renderErrors)

	router.GET("/oauth/callback", a.handleOAuthCallback)
	if a.metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(a.metricsHandler))
	}

	v1 := router.Group("/api/v1")
	v1.GET("/statuses", a.handleGetStatuses)
	v1.POST("/lifecycle/resume", a.handleResume)

	servers := v1.Group("/servers")
	servers.GET("", a.handleListServers)
	servers.POST("", a.handleAddServer)
	servers.GET("/schema", a.handleGetServerSchema)
	servers.POST("/test", a.handleTestServer)
	servers.POST("/connect", a.handleConnectAll)

	server := servers.Group("/:serverid")
	server.PATCH("", a.handleUpdateServer)
	server.DELETE("", a.handleRemoveServer)
	server.POST("/connect", a.handleConnectServer)
	server.POST("/disconnect", a.handleDisconnectServer)
	server.POST("/oauth", a.handleStartOAuth)
	server.GET("/oauth", a.handleGetOAuthStatus)
	server.DELETE("/oauth", a.handleClearOAuth)

	tools := v1.Group("/tools")
	tools.GET("", a.handleGetTools)
	tools.GET("/info", a.handleGetToolsInfo)
	tools.GET("/prompt", a.handleGetToolPrompt)
	tools.POST("/call", a.handleCallTool)

	return router
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// logRequest logs every request once it has been served.
func (a *API) logRequest(c *gin.Context) {
	start := time.Now()
	c.Next()

	fields := []mlog.Field{
		mlog.String("method", c.Request.Method),
		mlog.String("path", c.FullPath()),
		mlog.Int("status", c.Writer.Status()),
		mlog.Int("elapsed_ms", int(time.Since(start).Milliseconds())),
	}
	if len(c.Errors) > 0 {
		fields = append(fields, mlog.Err(c.Errors.Last().Err))
		a.log.Warn("API request failed", fields...)
		return
	}
	a.log.Debug("API request", fields...)
}

// renderErrors writes the last error attached with AbortWithError as a JSON body.
// AbortWithError only sends the status line.
func (a *API) renderErrors(c *gin.Context) {
	c.Next()

	if len(c.Errors) == 0 || c.Writer.Size() > 0 {
		return
	}
	c.JSON(c.Writer.Status(), gin.H{"error": c.Errors.Last().Error()})
}

// abortWithError picks the status code for an error returned by the manager.
func (a *API) abortWithError(c *gin.Context, err error) {
	c.AbortWithError(errorStatus(err), err)
}

func errorStatus(err error) int {
	var (
		cfgErr     *mcp.ConfigurationError
		authErr    *mcp.AuthenticationError
		notFound   *mcp.ToolNotFoundError
		connErr    *mcp.ConnectionError
		toolErr    *mcp.ToolExecutionError
		authzError *oauth.AuthorizationError
	)
	switch {
	case errors.Is(err, mcp.ErrServerNotFound):
		return http.StatusNotFound
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.As(err, &authErr), errors.As(err, &authzError):
		return http.StatusUnauthorized
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &connErr), errors.As(err, &toolErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) enforceEmptyBody(c *gin.Context) error {
	if c.Request.Body == nil {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1))
	if err != nil {
		return fmt.Errorf("unable to read request body: %w", err)
	}
	if len(body) > 0 {
		return errors.New("request body must be empty")
	}
	return nil
}

func failureMessages(failures map[string]error) map[string]string {
	messages := make(map[string]string, len(failures))
	for id, err := range failures {
		messages[id] = err.Error()
	}
	return messages
}
