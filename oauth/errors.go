// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package oauth

import (
	"errors"
	"fmt"
)

var (
	ErrOAuthNotSupported = errors.New("server does not support OAuth")
	ErrStateMismatch     = errors.New("OAuth state mismatch")
	ErrNoPendingFlow     = errors.New("no pending OAuth authorization for server")
	ErrFlowExpired       = errors.New("OAuth authorization expired, start again")
	ErrNoTokenEndpoint   = errors.New("no token endpoint known for server")
	ErrRefreshRevoked    = errors.New("refresh token was rejected by the authorization server")
	ErrNoTokens          = errors.New("no OAuth tokens stored for server")
	ErrNoClientID        = errors.New("no client id available: registration unsupported and no fallback configured")
)

// AuthorizationError is an error returned to the redirect URI by the authorization server.
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization failed (%s): %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization failed: %s", e.Code)
}
