// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package config loads the settings of the MCP client from TOML files and MCP_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	StorageBackendFile     = "file"
	StorageBackendPostgres = "postgres"
	StorageBackendMemory   = "memory"
)

// Config represents the application configuration.
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	OAuth    OAuthConfig    `toml:"oauth"`
	Client   ClientConfig   `toml:"client"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Retry    RetryConfig    `toml:"retry"`
	Builtins BuiltinsConfig `toml:"builtins"`
	API      APIConfig      `toml:"api"`
	Logging  LoggingConfig  `toml:"logging"`
}

// StorageConfig selects where server configs and credentials are kept. The file and postgres
// backends are always sealed at rest: with a key derived from Passphrase when set, otherwise
// with a random key kept in KeyFile (generated on first run).
type StorageConfig struct {
	Backend    string `toml:"backend"`
	Path       string `toml:"path"`
	DSN        string `toml:"dsn"`
	Passphrase string `toml:"passphrase"`
	KeyFile    string `toml:"key_file"`
}

// KeyFilePath is the sealing key location used when no passphrase is set. The file backend
// defaults to a key next to its data file.
func (s StorageConfig) KeyFilePath() string {
	if s.KeyFile != "" {
		return s.KeyFile
	}
	if s.Backend == StorageBackendFile && s.Path != "" {
		return s.Path + ".key"
	}
	return ""
}

type OAuthConfig struct {
	RedirectURI      string   `toml:"redirect_uri"`
	ClientName       string   `toml:"client_name"`
	FallbackClientID string   `toml:"fallback_client_id"`
	Scopes           []string `toml:"scopes"`
	FlowTTLMinutes   int      `toml:"flow_ttl_minutes"`
}

// ClientConfig is what the client reports about itself during the MCP handshake.
type ClientConfig struct {
	Name            string `toml:"name"`
	Version         string `toml:"version"`
	ProtocolVersion string `toml:"protocol_version"`
}

type TimeoutsConfig struct {
	DiscoverySeconds int `toml:"discovery_seconds"`
	ListToolsSeconds int `toml:"list_tools_seconds"`
	ToolCallSeconds  int `toml:"tool_call_seconds"`
}

// RetryConfig lists the delays between attempts of idempotent requests.
type RetryConfig struct {
	DelaysMillis []int `toml:"delays_ms"`
}

type BuiltinsConfig struct {
	Enabled bool `toml:"enabled"`
}

type APIConfig struct {
	Listen string `toml:"listen"`
}

type LoggingConfig struct {
	Debug bool   `toml:"debug"`
	File  string `toml:"file"`
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies MCP_* environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if backend := os.Getenv("MCP_STORAGE_BACKEND"); backend != "" {
		config.Storage.Backend = backend
	}
	if path := os.Getenv("MCP_STORAGE_PATH"); path != "" {
		config.Storage.Path = path
	}
	if dsn := os.Getenv("MCP_STORAGE_DSN"); dsn != "" {
		config.Storage.DSN = dsn
	}
	if passphrase := os.Getenv("MCP_STORAGE_PASSPHRASE"); passphrase != "" {
		config.Storage.Passphrase = passphrase
	}
	if keyFile := os.Getenv("MCP_STORAGE_KEY_FILE"); keyFile != "" {
		config.Storage.KeyFile = keyFile
	}
	if redirectURI := os.Getenv("MCP_OAUTH_REDIRECT_URI"); redirectURI != "" {
		config.OAuth.RedirectURI = redirectURI
	}
	if clientID := os.Getenv("MCP_OAUTH_CLIENT_ID"); clientID != "" {
		config.OAuth.FallbackClientID = clientID
	}
	if scopes := os.Getenv("MCP_OAUTH_SCOPES"); scopes != "" {
		config.OAuth.Scopes = splitList(scopes)
	}
	if seconds := os.Getenv("MCP_TOOL_CALL_TIMEOUT"); seconds != "" {
		if s, err := strconv.Atoi(seconds); err == nil {
			config.Timeouts.ToolCallSeconds = s
		}
	}
	if builtins := os.Getenv("MCP_BUILTINS_ENABLED"); builtins != "" {
		if b, err := strconv.ParseBool(builtins); err == nil {
			config.Builtins.Enabled = b
		}
	}
	if listen := os.Getenv("MCP_API_LISTEN"); listen != "" {
		config.API.Listen = listen
	}
	if debug := os.Getenv("MCP_LOG_DEBUG"); debug != "" {
		if b, err := strconv.ParseBool(debug); err == nil {
			config.Logging.Debug = b
		}
	}
	if file := os.Getenv("MCP_LOG_FILE"); file != "" {
		config.Logging.File = file
	}
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageBackendFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the file backend")
		}
	case StorageBackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
		if c.Storage.Passphrase == "" && c.Storage.KeyFile == "" {
			return fmt.Errorf("storage.passphrase or storage.key_file is required for the postgres backend")
		}
	case StorageBackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Timeouts.DiscoverySeconds < 0 || c.Timeouts.ListToolsSeconds < 0 || c.Timeouts.ToolCallSeconds < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	for _, delay := range c.Retry.DelaysMillis {
		if delay < 0 {
			return fmt.Errorf("retry delays cannot be negative")
		}
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
