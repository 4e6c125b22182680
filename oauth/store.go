// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/mattermost-mcp-client/storage"
	"golang.org/x/oauth2"
)

const expirySkew = 10 * time.Second

// Tokens are the credentials stored for one server. Without an access token they are absent.
type Tokens struct {
	AccessToken    string `json:"accessToken"`
	RefreshToken   string `json:"refreshToken,omitempty"`
	TokenExpiresAt int64  `json:"tokenExpiresAt,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	ClientSecret   string `json:"clientSecret,omitempty"`
	TokenEndpoint  string `json:"tokenEndpoint,omitempty"`
	Scope          string `json:"scope,omitempty"`
}

// Expired reports whether the access token needs a refresh. Tokens without expiry never expire.
func (t *Tokens) Expired(now time.Time) bool {
	return t.TokenExpiresAt != 0 && now.Add(expirySkew).UnixMilli() >= t.TokenExpiresAt
}

// Usable reports whether the tokens can authorize a request, possibly after a refresh.
func (t *Tokens) Usable(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return !t.Expired(now) || t.RefreshToken != ""
}

func tokensFromOAuth2(tok *oauth2.Token, previous *Tokens) *Tokens {
	out := &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		out.TokenExpiresAt = tok.Expiry.UnixMilli()
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scope = scope
	}
	if previous != nil {
		out.ClientID = previous.ClientID
		out.ClientSecret = previous.ClientSecret
		out.TokenEndpoint = previous.TokenEndpoint
		if out.RefreshToken == "" {
			out.RefreshToken = previous.RefreshToken
		}
		if out.Scope == "" {
			out.Scope = previous.Scope
		}
	}
	return out
}

// Flow is an authorization in progress, kept until the redirect comes back.
type Flow struct {
	ServerID     string    `json:"serverId"`
	ServerURL    string    `json:"serverUrl"`
	State        string    `json:"state"`
	CodeVerifier string    `json:"codeVerifier"`
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	RedirectURI  string    `json:"redirectUri"`
	Discovery    Discovery `json:"discovery"`
	CreatedAt    int64     `json:"createdAt"`
}

// ClientCredentials is a dynamic registration, shared by servers using the same authorization server.
type ClientCredentials struct {
	ClientID             string `json:"clientId"`
	ClientSecret         string `json:"clientSecret,omitempty"`
	RegistrationEndpoint string `json:"registrationEndpoint"`
	RedirectURI          string `json:"redirectUri"`
	CreatedAt            int64  `json:"createdAt"`
}

func buildTokenKey(serverID string) string {
	return fmt.Sprintf("%s_%s", "mcp_oauth_tokens_v1", serverID)
}

func buildFlowKey(serverID string) string {
	return fmt.Sprintf("%s_%s", "mcp_oauth_flow_v1", serverID)
}

func buildClientCredentialsKey(registrationEndpoint string) string {
	hash := sha256.Sum256([]byte(registrationEndpoint))
	return fmt.Sprintf("%s_%s", "mcp_oauth_client_v1", hex.EncodeToString(hash[:])[:16])
}

// TokenStore persists OAuth state per server. Writes are serialized.
type TokenStore struct {
	kv storage.KVStore
	mu sync.Mutex
}

func NewTokenStore(kv storage.KVStore) *TokenStore {
	return &TokenStore{kv: kv}
}

// Load returns nil when no usable tokens are stored.
func (s *TokenStore) Load(ctx context.Context, serverID string) (*Tokens, error) {
	var tokens Tokens
	found, err := storage.GetJSON(ctx, s.kv, buildTokenKey(serverID), &tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	if !found || tokens.AccessToken == "" {
		return nil, nil
	}
	return &tokens, nil
}

func (s *TokenStore) Save(ctx context.Context, serverID string, tokens *Tokens) error {
	if tokens == nil || tokens.AccessToken == "" {
		return fmt.Errorf("refusing to store tokens without an access token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := storage.SetJSON(ctx, s.kv, buildTokenKey(serverID), tokens); err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}
	return nil
}

// Clear removes the tokens and any pending authorization for the server.
func (s *TokenStore) Clear(ctx context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(ctx, buildTokenKey(serverID)); err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}
	if err := s.kv.Delete(ctx, buildFlowKey(serverID)); err != nil {
		return fmt.Errorf("failed to delete pending authorization: %w", err)
	}
	return nil
}

func (s *TokenStore) LoadFlow(ctx context.Context, serverID string) (*Flow, error) {
	var flow Flow
	found, err := storage.GetJSON(ctx, s.kv, buildFlowKey(serverID), &flow)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending authorization: %w", err)
	}
	if !found || flow.State == "" || flow.CodeVerifier == "" {
		return nil, nil
	}
	return &flow, nil
}

func (s *TokenStore) SaveFlow(ctx context.Context, flow *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := storage.SetJSON(ctx, s.kv, buildFlowKey(flow.ServerID), flow); err != nil {
		return fmt.Errorf("failed to store pending authorization: %w", err)
	}
	return nil
}

func (s *TokenStore) DeleteFlow(ctx context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(ctx, buildFlowKey(serverID)); err != nil {
		return fmt.Errorf("failed to delete pending authorization: %w", err)
	}
	return nil
}

func (s *TokenStore) LoadClientCredentials(ctx context.Context, registrationEndpoint string) (*ClientCredentials, error) {
	var creds ClientCredentials
	found, err := storage.GetJSON(ctx, s.kv, buildClientCredentialsKey(registrationEndpoint), &creds)
	if err != nil {
		return nil, fmt.Errorf("failed to load client credentials: %w", err)
	}
	if !found || creds.ClientID == "" {
		return nil, nil
	}
	return &creds, nil
}

func (s *TokenStore) SaveClientCredentials(ctx context.Context, creds *ClientCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := storage.SetJSON(ctx, s.kv, buildClientCredentialsKey(creds.RegistrationEndpoint), creds); err != nil {
		return fmt.Errorf("failed to store client credentials: %w", err)
	}
	return nil
}
