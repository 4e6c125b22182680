// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mattermost/mattermost-mcp-client/llm"
	"github.com/mattermost/mattermost-mcp-client/mcp"
)

// ServerResponse is a configured server along with its connection status.
type ServerResponse struct {
	mcp.ServerConfig
	Status mcp.ServerStatus `json:"status"`
}

// ServersResponse represents the response structure for the servers endpoint
type ServersResponse struct {
	Servers []ServerResponse `json:"servers"`
}

// AddServerResponse carries the connection error of a server that was saved but could
// not be connected.
type AddServerResponse struct {
	Server ServerResponse `json:"server"`
	Error  string         `json:"error,omitempty"`
}

// ConnectAllResponse lists the servers that failed to connect, keyed by id.
type ConnectAllResponse struct {
	Failures map[string]string           `json:"failures"`
	Statuses map[string]mcp.ServerStatus `json:"statuses"`
}

var serverConfigSchema = llm.NewJSONSchemaFromStruct[mcp.ServerConfig]()

func (a *API) serverResponse(cfg mcp.ServerConfig) ServerResponse {
	status, ok := a.mcpClientManager.GetServerStatuses()[cfg.ID]
	if !ok {
		status = mcp.ServerStatus{ID: cfg.ID, State: mcp.StateDisconnected}
	}
	return ServerResponse{ServerConfig: cfg, Status: status}
}

func (a *API) handleListServers(c *gin.Context) {
	configs := a.mcpClientManager.GetServerConfigs()
	statuses := a.mcpClientManager.GetServerStatuses()

	response := ServersResponse{Servers: make([]ServerResponse, 0, len(configs))}
	for _, cfg := range configs {
		response.Servers = append(response.Servers, ServerResponse{ServerConfig: cfg, Status: statuses[cfg.ID]})
	}
	c.JSON(http.StatusOK, response)
}

func (a *API) handleAddServer(c *gin.Context) {
	var cfg mcp.ServerConfig
	if err := json.NewDecoder(c.Request.Body).Decode(&cfg); err != nil {
		c.AbortWithError(http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	added, err := a.mcpClientManager.AddServer(c.Request.Context(), cfg)
	if err != nil && added.ID == "" {
		a.abortWithError(c, err)
		return
	}

	response := AddServerResponse{Server: a.serverResponse(added)}
	if err != nil {
		response.Error = err.Error()
	}
	c.JSON(http.StatusCreated, response)
}

func (a *API) handleUpdateServer(c *gin.Context) {
	var patch mcp.ServerPatch
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&patch); err != nil {
		a.abortWithError(c, &mcp.ConfigurationError{
			ServerID: c.Param("serverid"),
			Message:  fmt.Sprintf("invalid server patch: %v", err),
			Err:      err,
		})
		return
	}

	updated, err := a.mcpClientManager.UpdateServer(c.Request.Context(), c.Param("serverid"), patch)
	if err != nil {
		a.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.serverResponse(updated))
}

func (a *API) handleRemoveServer(c *gin.Context) {
	if err := a.mcpClientManager.RemoveServer(c.Request.Context(), c.Param("serverid")); err != nil {
		a.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleConnectServer(c *gin.Context) {
	if err := a.enforceEmptyBody(c); err != nil {
		c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	serverID := c.Param("serverid")
	if err := a.mcpClientManager.ConnectToServer(c.Request.Context(), serverID); err != nil {
		a.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.mcpClientManager.GetServerStatuses()[serverID])
}

func (a *API) handleDisconnectServer(c *gin.Context) {
	if err := a.enforceEmptyBody(c); err != nil {
		c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	serverID := c.Param("serverid")
	if err := a.mcpClientManager.DisconnectFromServer(c.Request.Context(), serverID); err != nil {
		a.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.mcpClientManager.GetServerStatuses()[serverID])
}

func (a *API) handleConnectAll(c *gin.Context) {
	if err := a.enforceEmptyBody(c); err != nil {
		c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	failures := a.mcpClientManager.ConnectToEnabledServers(c.Request.Context())
	c.JSON(http.StatusOK, ConnectAllResponse{
		Failures: failureMessages(failures),
		Statuses: a.mcpClientManager.GetServerStatuses(),
	})
}

// handleResume reconnects enabled servers when the client comes back to the foreground.
func (a *API) handleResume(c *gin.Context) {
	if err := a.enforceEmptyBody(c); err != nil {
		c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	failures := a.mcpClientManager.Resume(c.Request.Context())
	c.JSON(http.StatusOK, ConnectAllResponse{
		Failures: failureMessages(failures),
		Statuses: a.mcpClientManager.GetServerStatuses(),
	})
}

func (a *API) handleGetStatuses(c *gin.Context) {
	c.JSON(http.StatusOK, a.mcpClientManager.GetServerStatuses())
}

// handleTestServer dry-runs a candidate server. The outcome is always reported with 200,
// failures included.
func (a *API) handleTestServer(c *gin.Context) {
	var candidate mcp.ServerConfig
	if err := json.NewDecoder(c.Request.Body).Decode(&candidate); err != nil {
		c.AbortWithError(http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	c.JSON(http.StatusOK, a.mcpClientManager.TestServerWithOAuthDiscovery(c.Request.Context(), candidate))
}

func (a *API) handleGetServerSchema(c *gin.Context) {
	c.Data(http.StatusOK, "application/schema+json", serverConfigSchema)
}
