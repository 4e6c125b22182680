// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package oauth discovers authorization servers for MCP resources and runs the
// authorization code flow with PKCE, dynamic client registration and refresh.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/mattermost/mattermost-mcp-client/protocol"
	"github.com/mattermost/mattermost-mcp-client/transport"
)

const (
	DefaultRedirectURI = "mcpclient://oauth/callback"
	DefaultClientName  = "Mattermost MCP Client"
	DefaultFlowTTL     = 15 * time.Minute
)

// AuthorizationRequest is where the user must be sent to authorize a server.
type AuthorizationRequest struct {
	URL       string     `json:"authorizationUrl"`
	State     string     `json:"state"`
	Discovery *Discovery `json:"discovery"`
}

type Engine struct {
	transport  transport.Transport
	store      *TokenStore
	logger     mlog.LoggerIFace
	httpClient *http.Client

	redirectURI      string
	clientName       string
	fallbackClientID string
	scopes           []string

	retry            transport.Strategy
	discoveryTimeout time.Duration
	protocolVersion  string
	flowTTL          time.Duration
	now              func() time.Time

	refreshGroup singleflight.Group
}

type EngineOption func(*Engine)

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(c *http.Client) EngineOption {
	return func(e *Engine) {
		e.httpClient = c
	}
}

func WithRedirectURI(uri string) EngineOption {
	return func(e *Engine) {
		if uri != "" {
			e.redirectURI = uri
		}
	}
}

func WithClientName(name string) EngineOption {
	return func(e *Engine) {
		if name != "" {
			e.clientName = name
		}
	}
}

// WithFallbackClientID is used when the authorization server has no registration endpoint.
func WithFallbackClientID(id string) EngineOption {
	return func(e *Engine) {
		e.fallbackClientID = id
	}
}

func WithScopes(scopes []string) EngineOption {
	return func(e *Engine) {
		e.scopes = scopes
	}
}

// WithRetry sets the strategy for metadata requests.
func WithRetry(s transport.Strategy) EngineOption {
	return func(e *Engine) {
		e.retry = s
	}
}

func WithDiscoveryTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.discoveryTimeout = d
		}
	}
}

func WithFlowTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.flowTTL = d
		}
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(t transport.Transport, store *TokenStore, logger mlog.LoggerIFace, opts ...EngineOption) *Engine {
	e := &Engine{
		transport:        t,
		store:            store,
		logger:           logger,
		redirectURI:      DefaultRedirectURI,
		clientName:       DefaultClientName,
		retry:            transport.Idempotent,
		discoveryTimeout: transport.TimeoutShort,
		protocolVersion:  protocol.DefaultProtocolVersion,
		flowTTL:          DefaultFlowTTL,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		// A logger without targets discards everything.
		discard, _ := mlog.NewLogger()
		e.logger = discard
	}
	if e.httpClient == nil {
		if ht, ok := t.(*transport.HTTPTransport); ok {
			e.httpClient = ht.Client()
		} else {
			e.httpClient = http.DefaultClient
		}
	}
	return e
}

// Store returns the token store the engine persists to.
func (e *Engine) Store() *TokenStore {
	return e.store
}

// RedirectURI returns the redirect URI registered with authorization servers.
func (e *Engine) RedirectURI() string {
	return e.redirectURI
}

func (e *Engine) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
}

func (e *Engine) oauthConfig(authURL, tokenURL, clientID, clientSecret string) *oauth2.Config {
	// Public clients send client_id in the form, confidential ones use basic auth.
	style := oauth2.AuthStyleInParams
	if clientSecret != "" {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  e.redirectURI,
		Scopes:       e.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: style,
		},
	}
}

// resolveClient finds a client id for the server: one already used with the same token
// endpoint, a cached registration, a fresh registration, or the configured fallback.
func (e *Engine) resolveClient(ctx context.Context, serverID string, discovery *Discovery) (*ClientCredentials, error) {
	if tokens, err := e.store.Load(ctx, serverID); err == nil && tokens != nil &&
		tokens.ClientID != "" && tokens.TokenEndpoint == discovery.TokenEndpoint {
		return &ClientCredentials{ClientID: tokens.ClientID, ClientSecret: tokens.ClientSecret}, nil
	}

	if discovery.RegistrationEndpoint != "" {
		cached, err := e.store.LoadClientCredentials(ctx, discovery.RegistrationEndpoint)
		if err != nil {
			return nil, err
		}
		if cached != nil && cached.RedirectURI == e.redirectURI {
			return cached, nil
		}

		registration, err := RegisterClient(ctx, e.transport, discovery.RegistrationEndpoint,
			DefaultRegistrationRequest(e.redirectURI, e.clientName, e.scopes))
		if err == nil {
			creds := &ClientCredentials{
				ClientID:             registration.ClientID,
				ClientSecret:         registration.ClientSecret,
				RegistrationEndpoint: discovery.RegistrationEndpoint,
				RedirectURI:          e.redirectURI,
				CreatedAt:            e.now().UnixMilli(),
			}
			if saveErr := e.store.SaveClientCredentials(ctx, creds); saveErr != nil {
				e.logger.Warn("Failed to cache client registration", mlog.String("server_id", serverID), mlog.Err(saveErr))
			}
			e.logger.Debug("Registered OAuth client", mlog.String("server_id", serverID), mlog.String("client_id", registration.ClientID))
			return creds, nil
		}
		if e.fallbackClientID == "" {
			return nil, fmt.Errorf("dynamic client registration failed: %w", err)
		}
		e.logger.Warn("Dynamic client registration failed, using fallback client id", mlog.String("server_id", serverID), mlog.Err(err))
	}

	if e.fallbackClientID == "" {
		return nil, ErrNoClientID
	}
	return &ClientCredentials{ClientID: e.fallbackClientID}, nil
}

// StartOAuthFlow prepares an authorization request and stores the pending flow. known may
// carry a previous discovery result, which avoids probing the server again.
func (e *Engine) StartOAuthFlow(ctx context.Context, serverID, serverURL string, known *Discovery) (*AuthorizationRequest, error) {
	discovery := known
	if !discovery.Complete() {
		discovered, err := e.Discover(ctx, serverURL, "")
		if err != nil {
			return nil, err
		}
		discovery = discovered
	}

	creds, err := e.resolveClient(ctx, serverID, discovery)
	if err != nil {
		return nil, err
	}

	verifier := oauth2.GenerateVerifier()
	state := EncodeState(serverID, uuid.NewString())

	cfg := e.oauthConfig(discovery.AuthorizationEndpoint, discovery.TokenEndpoint, creds.ClientID, creds.ClientSecret)
	options := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if discovery.Resource != "" {
		options = append(options, oauth2.SetAuthURLParam("resource", discovery.Resource))
	}
	authURL := cfg.AuthCodeURL(state, options...)

	if err := e.store.SaveFlow(ctx, &Flow{
		ServerID:     serverID,
		ServerURL:    serverURL,
		State:        state,
		CodeVerifier: verifier,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURI:  e.redirectURI,
		Discovery:    *discovery,
		CreatedAt:    e.now().UnixMilli(),
	}); err != nil {
		return nil, err
	}

	return &AuthorizationRequest{URL: authURL, State: state, Discovery: discovery}, nil
}

// ExchangeCodeForToken completes the pending flow for serverID and stores the tokens.
func (e *Engine) ExchangeCodeForToken(ctx context.Context, serverID, code, state string) (*Tokens, error) {
	stateServerID, _, err := DecodeState(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateMismatch, err)
	}
	if stateServerID != serverID {
		return nil, fmt.Errorf("%w: state belongs to server %s", ErrStateMismatch, stateServerID)
	}

	flow, err := e.store.LoadFlow(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, ErrNoPendingFlow
	}
	if flow.State != state {
		return nil, ErrStateMismatch
	}
	if e.now().Sub(time.UnixMilli(flow.CreatedAt)) > e.flowTTL {
		if delErr := e.store.DeleteFlow(ctx, serverID); delErr != nil {
			e.logger.Warn("Failed to delete expired OAuth flow", mlog.String("server_id", serverID), mlog.Err(delErr))
		}
		return nil, ErrFlowExpired
	}

	cfg := e.oauthConfig(flow.Discovery.AuthorizationEndpoint, flow.Discovery.TokenEndpoint, flow.ClientID, flow.ClientSecret)
	cfg.RedirectURL = flow.RedirectURI
	options := []oauth2.AuthCodeOption{oauth2.VerifierOption(flow.CodeVerifier)}
	if flow.Discovery.Resource != "" {
		options = append(options, oauth2.SetAuthURLParam("resource", flow.Discovery.Resource))
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, e.discoveryTimeout)
	defer cancel()
	token, err := cfg.Exchange(e.clientContext(exchangeCtx), code, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}

	tokens := tokensFromOAuth2(token, &Tokens{
		ClientID:      flow.ClientID,
		ClientSecret:  flow.ClientSecret,
		TokenEndpoint: flow.Discovery.TokenEndpoint,
	})
	if err := e.store.Save(ctx, serverID, tokens); err != nil {
		return nil, err
	}
	if err := e.store.DeleteFlow(ctx, serverID); err != nil {
		e.logger.Warn("Failed to delete OAuth flow after exchange", mlog.String("server_id", serverID), mlog.Err(err))
	}

	return tokens, nil
}

// RefreshTokenIfNeeded returns tokens unchanged unless they are expired and refreshable.
// Concurrent refreshes for the same server share one token request.
func (e *Engine) RefreshTokenIfNeeded(ctx context.Context, serverID string, tokens *Tokens) (*Tokens, error) {
	if tokens == nil {
		return nil, ErrNoTokens
	}
	if !tokens.Expired(e.now()) || tokens.RefreshToken == "" {
		return tokens, nil
	}

	result, err, _ := e.refreshGroup.Do(serverID, func() (any, error) {
		return e.refresh(ctx, serverID, tokens)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Tokens), nil
}

func (e *Engine) refresh(ctx context.Context, serverID string, tokens *Tokens) (*Tokens, error) {
	// A refresh that finished just before this one already rotated the tokens.
	if stored, err := e.store.Load(ctx, serverID); err == nil && stored != nil &&
		stored.AccessToken != tokens.AccessToken && !stored.Expired(e.now()) {
		return stored, nil
	}

	if tokens.TokenEndpoint == "" {
		return nil, ErrNoTokenEndpoint
	}

	refreshCtx, cancel := context.WithTimeout(ctx, e.discoveryTimeout)
	defer cancel()

	cfg := e.oauthConfig("", tokens.TokenEndpoint, tokens.ClientID, tokens.ClientSecret)
	token, err := cfg.TokenSource(e.clientContext(refreshCtx), &oauth2.Token{RefreshToken: tokens.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			if clearErr := e.store.Clear(ctx, serverID); clearErr != nil {
				e.logger.Warn("Failed to clear revoked tokens", mlog.String("server_id", serverID), mlog.Err(clearErr))
			}
			e.logger.Info("Refresh token rejected, cleared stored tokens", mlog.String("server_id", serverID))
			return nil, fmt.Errorf("%w: %s", ErrRefreshRevoked, retrieveErr.ErrorDescription)
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	refreshed := tokensFromOAuth2(token, tokens)
	if err := e.store.Save(ctx, serverID, refreshed); err != nil {
		return nil, err
	}
	e.logger.Debug("Refreshed OAuth tokens", mlog.String("server_id", serverID))
	return refreshed, nil
}
