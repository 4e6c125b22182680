// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package config

import (
	"github.com/mattermost/mattermost-mcp-client/mcp"
	"github.com/mattermost/mattermost-mcp-client/oauth"
	"github.com/mattermost/mattermost-mcp-client/protocol"
)

// NewDefaultConfig creates a configuration with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: StorageBackendFile,
			Path:    "./data/mcp-client.json",
		},
		OAuth: OAuthConfig{
			RedirectURI:    oauth.DefaultRedirectURI,
			ClientName:     mcp.DefaultClientName,
			Scopes:         []string{},
			FlowTTLMinutes: 15,
		},
		Client: ClientConfig{
			Name:            mcp.DefaultClientName,
			Version:         mcp.DefaultClientVersion,
			ProtocolVersion: protocol.DefaultProtocolVersion,
		},
		Timeouts: TimeoutsConfig{
			DiscoverySeconds: 10,
			ListToolsSeconds: 10,
			ToolCallSeconds:  60,
		},
		Retry: RetryConfig{
			DelaysMillis: []int{250, 750},
		},
		Builtins: BuiltinsConfig{
			Enabled: true,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8765",
		},
	}
}
