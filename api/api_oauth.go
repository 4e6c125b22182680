// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"fmt"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// OAuthStatusResponse reports whether a server has usable credentials.
type OAuthStatusResponse struct {
	ServerID  string `json:"serverId"`
	HasTokens bool   `json:"hasTokens"`
}

var callbackPage = template.Must(template.New("callback").Parse(`
<!DOCTYPE html>
<html>
<head>
	<title>{{ .Title }}</title>
</head>
<body>
	<p>{{ .Message }}</p>
	<script>
		// Close window immediately
		window.close();
	</script>
</body>
</html>`))

func (a *API) writeCallbackPage(c *gin.Context, status int, title, message string) {
	c.Header("Content-Type", "text/html")
	c.Status(status)
	if err := callbackPage.Execute(c.Writer, map[string]string{"Title": title, "Message": message}); err != nil {
		a.log.Error("Failed to render OAuth callback page", mlog.Err(err))
	}
}

func (a *API) handleStartOAuth(c *gin.Context) {
	if err := a.enforceEmptyBody(c); err != nil {
		c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	request, err := a.mcpClientManager.StartOAuthFlow(c.Request.Context(), c.Param("serverid"))
	if err != nil {
		a.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

func (a *API) handleGetOAuthStatus(c *gin.Context) {
	serverID := c.Param("serverid")
	hasTokens, err := a.mcpClientManager.HasValidOAuthTokens(c.Request.Context(), serverID)
	if err != nil {
		a.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, OAuthStatusResponse{ServerID: serverID, HasTokens: hasTokens})
}

func (a *API) handleClearOAuth(c *gin.Context) {
	if err := a.mcpClientManager.ClearOAuthTokens(c.Request.Context(), c.Param("serverid")); err != nil {
		a.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleOAuthCallback is the redirect target of the authorization server.
func (a *API) handleOAuthCallback(c *gin.Context) {
	if errorParam := c.Query("error"); errorParam != "" {
		a.log.Warn("OAuth authorization failed",
			mlog.String("error", errorParam),
			mlog.String("description", c.Query("error_description")),
		)
	} else if c.Query("state") == "" || c.Query("code") == "" {
		a.log.Error("Missing required OAuth parameters")
		a.writeCallbackPage(c, http.StatusBadRequest, "Authorization Failed", "The authorization response is incomplete.")
		return
	}

	serverID, err := a.mcpClientManager.HandleOAuthCallback(c.Request.Context(), c.Request.URL.String())
	if err != nil {
		a.log.Error("Failed to process OAuth callback", mlog.String("server_id", serverID), mlog.Err(err))
		a.writeCallbackPage(c, errorStatus(err), "Authorization Failed", fmt.Sprintf("Authorization failed: %v", err))
		return
	}

	a.writeCallbackPage(c, http.StatusOK, "Authorization Successful", "You can close this window.")
}
