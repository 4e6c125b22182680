// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package oauth

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/mattermost/mattermost-mcp-client/transport"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	protectedResourceWellKnown   = "/.well-known/oauth-protected-resource"
	authorizationServerWellKnown = "/.well-known/oauth-authorization-server"
	openIDConfigurationWellKnown = "/.well-known/openid-configuration"
)

// ProtectedResourceMetadata is the OAuth 2.0 Protected Resource Metadata (RFC 9728)
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// AuthorizationServerMetadata is the OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// Discovery holds the endpoints needed to authorize against a server. It is persisted
// alongside the server configuration.
type Discovery struct {
	Issuer                        string   `json:"issuer,omitempty"`
	AuthorizationEndpoint         string   `json:"authorizationEndpoint"`
	TokenEndpoint                 string   `json:"tokenEndpoint"`
	RegistrationEndpoint          string   `json:"registrationEndpoint,omitempty"`
	ScopesSupported               []string `json:"scopesSupported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"codeChallengeMethodsSupported,omitempty"`
	GrantTypesSupported           []string `json:"grantTypesSupported,omitempty"`
	Resource                      string   `json:"resource,omitempty"`
	ResourceMetadataURL           string   `json:"resourceMetadataUrl,omitempty"`
}

// Complete reports whether the authorization and token endpoints are known.
func (d *Discovery) Complete() bool {
	return d != nil && d.AuthorizationEndpoint != "" && d.TokenEndpoint != ""
}

func originOf(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("server URL %q is not absolute", rawURL)
	}
	return parsed, nil
}

// protectedResourceMetadataURLs lists the RFC 9728 locations for a resource, path-specific first.
func protectedResourceMetadataURLs(serverURL string) ([]string, error) {
	parsed, err := originOf(serverURL)
	if err != nil {
		return nil, err
	}
	origin := parsed.Scheme + "://" + parsed.Host

	var urls []string
	if path := strings.TrimSuffix(parsed.Path, "/"); path != "" {
		urls = append(urls, origin+protectedResourceWellKnown+path)
	}
	return append(urls, origin+protectedResourceWellKnown), nil
}

// authorizationServerMetadataURLs lists the RFC 8414 and OpenID locations for an issuer.
func authorizationServerMetadataURLs(issuer string) ([]string, error) {
	parsed, err := originOf(issuer)
	if err != nil {
		return nil, err
	}
	origin := parsed.Scheme + "://" + parsed.Host
	path := strings.TrimSuffix(parsed.Path, "/")

	if path == "" {
		return []string{
			origin + authorizationServerWellKnown,
			origin + openIDConfigurationWellKnown,
		}, nil
	}
	return []string{
		origin + authorizationServerWellKnown + path,
		origin + openIDConfigurationWellKnown + path,
		origin + path + openIDConfigurationWellKnown,
		origin + path + authorizationServerWellKnown,
	}, nil
}

func (e *Engine) fetchJSON(ctx context.Context, metadataURL string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, e.discoveryTimeout)
	defer cancel()

	return transport.Retry(ctx, e.retry, func(ctx context.Context, _ int) error {
		resp, err := e.transport.Get(ctx, metadataURL, map[string]string{
			"Accept":               "application/json",
			"MCP-Protocol-Version": e.protocolVersion,
		})
		if err != nil {
			return err
		}
		if !resp.OK() {
			return transport.StatusError(metadataURL, resp)
		}
		return resp.JSON(out)
	})
}

func (e *Engine) fetchProtectedResourceMetadata(ctx context.Context, metadataURL string) (*ProtectedResourceMetadata, error) {
	var metadata ProtectedResourceMetadata
	if err := e.fetchJSON(ctx, metadataURL, &metadata); err != nil {
		return nil, fmt.Errorf("failed to fetch protected resource metadata: %w", err)
	}
	if len(metadata.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("no authorization servers found in protected resource metadata")
	}
	return &metadata, nil
}

func (e *Engine) fetchAuthorizationServerMetadata(ctx context.Context, metadataURL string) (*AuthorizationServerMetadata, error) {
	var metadata AuthorizationServerMetadata
	if err := e.fetchJSON(ctx, metadataURL, &metadata); err != nil {
		return nil, fmt.Errorf("failed to fetch authorization server metadata: %w", err)
	}
	if metadata.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("missing required 'authorization_endpoint' field in authorization server metadata")
	}
	if metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("missing required 'token_endpoint' field in authorization server metadata")
	}
	// Issuer mismatches are tolerated.
	return &metadata, nil
}

// Discover resolves the authorization endpoints for an MCP server. hint is an optional
// resource_metadata URL taken from a 401 challenge.
func (e *Engine) Discover(ctx context.Context, serverURL, hint string) (*Discovery, error) {
	prmURLs, err := protectedResourceMetadataURLs(serverURL)
	if err != nil {
		return nil, err
	}
	if hint != "" {
		prmURLs = append([]string{hint}, prmURLs...)
	}

	var (
		prm    *ProtectedResourceMetadata
		prmURL string
	)
	for _, candidate := range prmURLs {
		metadata, fetchErr := e.fetchProtectedResourceMetadata(ctx, candidate)
		if fetchErr == nil {
			prm, prmURL = metadata, candidate
			break
		}
		e.logger.Debug("Protected resource metadata not found", mlog.String("url", candidate), mlog.Err(fetchErr))
	}

	var issuers []string
	if prm != nil {
		issuers = prm.AuthorizationServers
	} else {
		// Without resource metadata, assume the MCP server is its own authorization server.
		parsed, _ := originOf(serverURL)
		issuers = []string{parsed.Scheme + "://" + parsed.Host}
	}

	var lastErr error
	for _, issuer := range issuers {
		asURLs, urlErr := authorizationServerMetadataURLs(issuer)
		if urlErr != nil {
			lastErr = urlErr
			continue
		}
		for _, candidate := range asURLs {
			metadata, fetchErr := e.fetchAuthorizationServerMetadata(ctx, candidate)
			if fetchErr != nil {
				lastErr = fetchErr
				continue
			}
			return newDiscovery(issuer, metadata, prm, prmURL), nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no authorization server advertised")
	}
	return nil, fmt.Errorf("%w: %v", ErrOAuthNotSupported, lastErr)
}

func newDiscovery(issuer string, as *AuthorizationServerMetadata, prm *ProtectedResourceMetadata, prmURL string) *Discovery {
	d := &Discovery{
		Issuer:                        as.Issuer,
		AuthorizationEndpoint:         as.AuthorizationEndpoint,
		TokenEndpoint:                 as.TokenEndpoint,
		RegistrationEndpoint:          as.RegistrationEndpoint,
		ScopesSupported:               as.ScopesSupported,
		CodeChallengeMethodsSupported: as.CodeChallengeMethodsSupported,
		GrantTypesSupported:           as.GrantTypesSupported,
	}
	if d.Issuer == "" {
		d.Issuer = issuer
	}
	if prm != nil {
		d.Resource = prm.Resource
		d.ResourceMetadataURL = prmURL
		if len(prm.ScopesSupported) > 0 {
			d.ScopesSupported = prm.ScopesSupported
		}
	}
	return d
}

// SupportResult is the outcome of probing a server for OAuth support.
type SupportResult struct {
	SupportsOAuth bool       `json:"supportsOAuth"`
	Discovery     *Discovery `json:"discovery,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// TestOAuthSupport never fails: absence of metadata or network errors report no support.
func (e *Engine) TestOAuthSupport(ctx context.Context, serverURL, hint string) SupportResult {
	discovery, err := e.Discover(ctx, serverURL, hint)
	if err != nil {
		return SupportResult{SupportsOAuth: false, Error: err.Error()}
	}
	return SupportResult{SupportsOAuth: true, Discovery: discovery}
}
