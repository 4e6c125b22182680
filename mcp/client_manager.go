// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"golang.org/x/sync/errgroup"

	"github.com/mattermost/mattermost-mcp-client/metrics"
	"github.com/mattermost/mattermost-mcp-client/oauth"
	"github.com/mattermost/mattermost-mcp-client/protocol"
	"github.com/mattermost/mattermost-mcp-client/storage"
	"github.com/mattermost/mattermost-mcp-client/transport"
)

const (
	DefaultClientName    = "mattermost-mcp-client"
	DefaultClientVersion = "1.0.0"
)

// Timeouts bound the blocking network operations of the Manager.
type Timeouts struct {
	Discovery time.Duration
	ListTools time.Duration
	ToolCall  time.Duration
}

var DefaultTimeouts = Timeouts{
	Discovery: transport.TimeoutShort,
	ListTools: 10 * time.Second,
	ToolCall:  60 * time.Second,
}

// Manager owns the server registry and one protocol client per connected server.
// It is safe for concurrent use.
type Manager struct {
	store     storage.KVStore
	tokens    *oauth.TokenStore
	engine    *oauth.Engine
	transport transport.Transport
	metrics   metrics.Metrics
	logger    mlog.LoggerIFace
	now       func() time.Time
	builtins  []ServerConfig

	timeouts        Timeouts
	retry           transport.Strategy
	clientName      string
	clientVersion   string
	protocolVersion string
	engineOptions   []oauth.EngineOption

	mu       sync.RWMutex
	configs  *registry
	statuses map[string]ServerStatus
	clients  map[string]*serverConnection
	routes   map[string]toolRoute

	locksMu     sync.Mutex
	serverLocks map[string]*sync.Mutex

	// persistMu serializes registry mutations with the write that persists them.
	persistMu sync.Mutex
}

type Option func(*Manager)

func WithTransport(t transport.Transport) Option {
	return func(m *Manager) {
		m.transport = t
	}
}

// WithTokenStore overrides the token store, which otherwise shares the config KV store.
func WithTokenStore(s *oauth.TokenStore) Option {
	return func(m *Manager) {
		m.tokens = s
	}
}

// WithOAuthEngine overrides the flow engine. The engine should use the same token store.
func WithOAuthEngine(e *oauth.Engine) Option {
	return func(m *Manager) {
		m.engine = e
	}
}

// WithOAuthOptions configures the engine the Manager builds when none is injected.
func WithOAuthOptions(opts ...oauth.EngineOption) Option {
	return func(m *Manager) {
		m.engineOptions = append(m.engineOptions, opts...)
	}
}

func WithMetrics(mt metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func WithLogger(logger mlog.LoggerIFace) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithBuiltins replaces the default built-in servers.
func WithBuiltins(builtins []ServerConfig) Option {
	return func(m *Manager) {
		m.builtins = builtins
	}
}

// WithTimeouts overrides the non-zero timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(m *Manager) {
		if t.Discovery > 0 {
			m.timeouts.Discovery = t.Discovery
		}
		if t.ListTools > 0 {
			m.timeouts.ListTools = t.ListTools
		}
		if t.ToolCall > 0 {
			m.timeouts.ToolCall = t.ToolCall
		}
	}
}

// WithRetry sets the strategy for idempotent requests: tool listing and discovery.
func WithRetry(s transport.Strategy) Option {
	return func(m *Manager) {
		m.retry = s
	}
}

func WithClientInfo(name, version string) Option {
	return func(m *Manager) {
		if name != "" {
			m.clientName = name
		}
		if version != "" {
			m.clientVersion = version
		}
	}
}

func WithProtocolVersion(version string) Option {
	return func(m *Manager) {
		if version != "" {
			m.protocolVersion = version
		}
	}
}

// NewManager creates a Manager persisting to store. Call Init before use.
func NewManager(store storage.KVStore, opts ...Option) *Manager {
	m := &Manager{
		store:           store,
		metrics:         metrics.NoopMetrics{},
		now:             time.Now,
		builtins:        DefaultBuiltins(),
		timeouts:        DefaultTimeouts,
		retry:           transport.Idempotent,
		clientName:      DefaultClientName,
		clientVersion:   DefaultClientVersion,
		protocolVersion: protocol.DefaultProtocolVersion,
		configs:         newRegistry(nil),
		statuses:        make(map[string]ServerStatus),
		clients:         make(map[string]*serverConnection),
		routes:          make(map[string]toolRoute),
		serverLocks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger, _ = mlog.NewLogger()
	}
	if m.transport == nil {
		m.transport = transport.NewHTTPTransport()
	}
	if m.tokens == nil {
		m.tokens = oauth.NewTokenStore(store)
	}
	if m.engine == nil {
		engineOpts := append([]oauth.EngineOption{
			oauth.WithRetry(m.retry),
			oauth.WithDiscoveryTimeout(m.timeouts.Discovery),
			oauth.WithClock(m.now),
		}, m.engineOptions...)
		m.engine = oauth.NewEngine(m.transport, m.tokens, m.logger, engineOpts...)
	}

	return m
}

// Init loads the persisted registry, running the one-time migration and the built-in merge.
func (m *Manager) Init(ctx context.Context) error {
	servers, err := m.LoadConfigurations(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("Loaded MCP server configurations", mlog.Int("count", len(servers)))
	return nil
}

// Shutdown disconnects every server.
func (m *Manager) Shutdown(ctx context.Context) {
	m.Cleanup(ctx)
}

// OAuth exposes the flow engine.
func (m *Manager) OAuth() *oauth.Engine {
	return m.engine
}

// serverLock returns the mutex serializing lifecycle operations on one server.
func (m *Manager) serverLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.serverLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.serverLocks[id] = lock
	}
	return lock
}

// forgetServerLock drops the mutex of a removed server. Callers still holding or waiting
// on it finish against a registry that no longer has the id.
func (m *Manager) forgetServerLock(id string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.serverLocks, id)
}

func (m *Manager) config(id string) (ServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configs.get(id)
}

func (m *Manager) setStatus(id string, state ConnectionState, errMsg string, toolCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses[id] = ServerStatus{
		ID:          id,
		State:       state,
		Connected:   state == StateConnected,
		Error:       errMsg,
		LastChecked: m.now().UnixMilli(),
		ToolCount:   toolCount,
	}
}

func (m *Manager) reportConnected() {
	m.mu.RLock()
	count := len(m.clients)
	m.mu.RUnlock()
	m.metrics.SetConnectedServers(count)
}

// ConnectToServer connects to an enabled server, replacing any existing client. Unknown
// and disabled servers are ignored.
func (m *Manager) ConnectToServer(ctx context.Context, id string) error {
	lock := m.serverLock(id)
	lock.Lock()
	defer lock.Unlock()

	return m.connectLocked(ctx, id)
}

func (m *Manager) connectLocked(ctx context.Context, id string) error {
	cfg, ok := m.config(id)
	if !ok || !cfg.Enabled {
		return nil
	}

	m.teardown(id)
	m.setStatus(id, StateConnecting, "", 0)

	start := m.now()
	conn, err := m.dial(ctx, cfg)
	m.metrics.ObserveConnection(id, err == nil, m.now().Sub(start))
	if err != nil {
		m.setStatus(id, StateDisconnected, err.Error(), 0)
		m.reportConnected()
		m.logger.Warn("Failed to connect to MCP server",
			mlog.String("server_id", id),
			mlog.String("server_name", cfg.Name),
			mlog.Err(err),
		)
		return err
	}

	m.mu.Lock()
	m.clients[id] = conn
	m.mu.Unlock()
	m.setStatus(id, StateConnected, "", len(conn.tools))
	m.reportConnected()

	m.logger.Debug("Connected to MCP server",
		mlog.String("server_id", id),
		mlog.String("server_name", cfg.Name),
		mlog.Int("tools", len(conn.tools)),
	)
	return nil
}

// teardown closes and forgets the client of a server without touching its status.
func (m *Manager) teardown(id string) {
	m.mu.Lock()
	conn := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()

	if conn != nil {
		conn.close(m.logger)
	}
}

// DisconnectFromServer closes the client of a server. Disconnecting a server that is not
// connected is not an error.
func (m *Manager) DisconnectFromServer(ctx context.Context, id string) error {
	lock := m.serverLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.disconnectLocked(id)
	return nil
}

func (m *Manager) disconnectLocked(id string) {
	m.teardown(id)
	if _, ok := m.config(id); ok {
		m.setStatus(id, StateDisconnected, "", 0)
	}
	m.reportConnected()
}

// ConnectToEnabledServers connects to every enabled server concurrently and waits for all
// of them. One server failing never affects the others; failures are logged and returned
// keyed by server id.
func (m *Manager) ConnectToEnabledServers(ctx context.Context) map[string]error {
	var enabled []string
	m.mu.RLock()
	for _, cfg := range m.configs.list() {
		if cfg.Enabled {
			enabled = append(enabled, cfg.ID)
		}
	}
	m.mu.RUnlock()

	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures = make(map[string]error)
	)
	for _, id := range enabled {
		g.Go(func() error {
			if err := m.ConnectToServer(ctx, id); err != nil {
				mu.Lock()
				failures[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		m.logger.Info("Some MCP servers failed to connect",
			mlog.Int("failed", len(failures)),
			mlog.Int("enabled", len(enabled)),
		)
	}
	return failures
}

// Resume reconnects enabled servers when the host application returns to the foreground.
func (m *Manager) Resume(ctx context.Context) map[string]error {
	return m.ConnectToEnabledServers(ctx)
}

// Cleanup disconnects every connected server.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.DisconnectFromServer(ctx, id)
	}

	m.mu.Lock()
	m.routes = make(map[string]toolRoute)
	m.mu.Unlock()
}

// GetServerStatuses returns the status of every registered server. Servers never
// connected report disconnected.
func (m *Manager) GetServerStatuses() map[string]ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServerStatus, m.configs.len())
	for _, cfg := range m.configs.list() {
		status, ok := m.statuses[cfg.ID]
		if !ok {
			status = ServerStatus{ID: cfg.ID, State: StateDisconnected}
		}
		out[cfg.ID] = status
	}
	return out
}

// GetServerConfigs returns the registry in order.
func (m *Manager) GetServerConfigs() []ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configs.list()
}
