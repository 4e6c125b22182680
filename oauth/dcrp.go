// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mattermost/mattermost-mcp-client/transport"
)

// RegistrationRequest is a client registration request per RFC 7591
type RegistrationRequest struct {
	RedirectURIs []string `json:"redirect_uris"`

	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	SoftwareID              string   `json:"software_id,omitempty"`
	SoftwareVersion         string   `json:"software_version,omitempty"`
}

// RegistrationResponse is the server's answer per RFC 7591
type RegistrationResponse struct {
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientIDIssuedAt      *int64 `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt *int64 `json:"client_secret_expires_at,omitempty"`

	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegistrationError is an error response per RFC 7591
type RegistrationError struct {
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	HTTPStatusCode   int    `json:"-"`
}

func (e *RegistrationError) Error() string {
	if e.ErrorDescription != "" {
		return fmt.Sprintf("registration error (%s): %s", e.ErrorCode, e.ErrorDescription)
	}
	return fmt.Sprintf("registration error: %s", e.ErrorCode)
}

// DefaultRegistrationRequest registers a public native client using PKCE.
func DefaultRegistrationRequest(redirectURI, clientName string, scopes []string) *RegistrationRequest {
	return &RegistrationRequest{
		RedirectURIs:            []string{redirectURI},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              clientName,
		Scope:                   strings.Join(scopes, " "),
	}
}

// RegisterClient performs dynamic client registration per RFC 7591
func RegisterClient(ctx context.Context, t transport.Transport, registrationEndpoint string, request *RegistrationRequest) (*RegistrationResponse, error) {
	if _, err := url.Parse(registrationEndpoint); err != nil {
		return nil, fmt.Errorf("invalid registration endpoint URL: %w", err)
	}
	if len(request.RedirectURIs) == 0 {
		return nil, fmt.Errorf("redirect_uris is required")
	}
	for _, uri := range request.RedirectURIs {
		if _, err := url.Parse(uri); err != nil {
			return nil, fmt.Errorf("invalid redirect_uri %s: %w", uri, err)
		}
	}

	resp, err := t.Post(ctx, registrationEndpoint, request, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, fmt.Errorf("failed to make registration request: %w", err)
	}

	// RFC 7591 mandates 201, some servers answer 200.
	if resp.Status == http.StatusCreated || resp.Status == http.StatusOK {
		var registration RegistrationResponse
		if err := json.Unmarshal(resp.Body, &registration); err != nil {
			return nil, fmt.Errorf("failed to unmarshal registration response: %w", err)
		}
		if registration.ClientID == "" {
			return nil, fmt.Errorf("server response missing required client_id")
		}
		return &registration, nil
	}

	regErr := &RegistrationError{HTTPStatusCode: resp.Status}
	if resp.ContentType() != "application/json" || json.Unmarshal(resp.Body, regErr) != nil || regErr.ErrorCode == "" {
		regErr.ErrorCode = "unknown_error"
		regErr.ErrorDescription = fmt.Sprintf("HTTP %d: %s", resp.Status, transport.Excerpt(resp.Body))
	}
	return nil, regErr
}
