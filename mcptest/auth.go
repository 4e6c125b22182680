// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package mcptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

const (
	// AuthorizationCode is the only code the token endpoint accepts.
	AuthorizationCode = "test-authorization-code"
	// RegisteredClientID is returned by dynamic client registration.
	RegisteredClientID = "registered-client"
	// RevokedRefreshToken always fails with invalid_grant.
	RevokedRefreshToken = "revoked-refresh-token"
)

type authServer struct {
	baseURL string

	mu            sync.Mutex
	counter       int
	accessTokens  map[string]bool
	refreshTokens map[string]bool
	grants        map[string]int
	registrations int
}

func newAuthServer(baseURL string) *authServer {
	return &authServer{
		baseURL:       baseURL,
		accessTokens:  map[string]bool{},
		refreshTokens: map[string]bool{},
		grants:        map[string]int{},
	}
}

func (a *authServer) register(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-protected-resource", a.handleProtectedResource)
	mux.HandleFunc("/.well-known/oauth-protected-resource/mcp", a.handleProtectedResource)
	mux.HandleFunc("/.well-known/oauth-authorization-server", a.handleMetadata)
	mux.HandleFunc("/register", a.handleRegister)
	mux.HandleFunc("/token", a.handleToken)
}

func (a *authServer) resourceMetadataURL() string {
	return a.baseURL + "/.well-known/oauth-protected-resource/mcp"
}

func (a *authServer) validBearer(header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accessTokens[token]
}

func (a *authServer) issueAccessToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counter++
	token := fmt.Sprintf("access-%d", a.counter)
	a.accessTokens[token] = true
	return token
}

func (a *authServer) revokeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accessTokens = map[string]bool{}
	a.refreshTokens = map[string]bool{}
}

func (a *authServer) tokenRequests(grantType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grants[grantType]
}

func (a *authServer) registrationCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registrations
}

func (a *authServer) handleProtectedResource(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":              a.baseURL + "/mcp",
		"authorization_servers": []string{a.baseURL},
	})
}

func (a *authServer) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                           a.baseURL,
		"authorization_endpoint":           a.baseURL + "/authorize",
		"token_endpoint":                   a.baseURL + "/token",
		"registration_endpoint":            a.baseURL + "/register",
		"response_types_supported":         []string{"code"},
		"grant_types_supported":            []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported": []string{"S256"},
	})
}

func (a *authServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.RedirectURIs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_redirect_uri"})
		return
	}

	a.mu.Lock()
	a.registrations++
	a.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  RegisteredClientID,
		"redirect_uris":              req.RedirectURIs,
		"token_endpoint_auth_method": "none",
	})
}

func (a *authServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	grantType := r.PostForm.Get("grant_type")

	a.mu.Lock()
	a.grants[grantType]++
	a.mu.Unlock()

	switch grantType {
	case "authorization_code":
		if r.PostForm.Get("code") != AuthorizationCode || r.PostForm.Get("code_verifier") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
	case "refresh_token":
		refresh := r.PostForm.Get("refresh_token")
		a.mu.Lock()
		valid := a.refreshTokens[refresh]
		delete(a.refreshTokens, refresh)
		a.mu.Unlock()
		if !valid || refresh == RevokedRefreshToken {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "refresh token revoked"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	access := a.issueAccessToken()
	a.mu.Lock()
	refresh := "refresh-" + strings.TrimPrefix(access, "access-")
	a.refreshTokens[refresh] = true
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": refresh,
	})
}

// AcceptRefreshToken makes a refresh token valid, for tests seeding stored credentials.
func (s *Server) AcceptRefreshToken(token string) {
	if s.auth == nil {
		return
	}
	s.auth.mu.Lock()
	defer s.auth.mu.Unlock()
	s.auth.refreshTokens[token] = true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
