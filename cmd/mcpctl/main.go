// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Command mcpctl manages MCP server connections from the terminal and serves the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/spf13/cobra"

	"github.com/mattermost/mattermost-mcp-client/config"
	"github.com/mattermost/mattermost-mcp-client/mcp"
	"github.com/mattermost/mattermost-mcp-client/metrics"
)

// app holds what the commands share once the configuration is loaded.
type app struct {
	configFiles []string
	debug       bool
	logFile     string

	cfg        *config.Config
	logger     *mlog.Logger
	metrics    *metrics.PrometheusMetrics
	manager    *mcp.Manager
	closeStore func() error
}

func main() {
	root, a := newRootCmd()
	err := root.Execute()
	a.teardown(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd returns the command tree and the app it configures. Callers tear the app down
// after Execute, whether or not the command failed.
func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	root := &cobra.Command{
		Use:           "mcpctl",
		Short:         "Manage connections to remote MCP servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	root.PersistentFlags().StringSliceVarP(&a.configFiles, "config", "c", nil, "TOML config files, later files override earlier ones")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.logFile, "logfile", "", "Path to log file (logs to file in addition to stderr)")

	root.AddCommand(
		newServersCmd(a),
		newConnectCmd(a),
		newToolsCmd(a),
		newOAuthCmd(a),
		newServeCmd(a),
	)
	return root, a
}

func (a *app) setup(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.LoadFromFiles(a.configFiles...)
	if err != nil {
		return err
	}
	if a.debug {
		cfg.Logging.Debug = true
	}
	if a.logFile != "" {
		cfg.Logging.File = a.logFile
	}
	a.cfg = cfg

	a.logger, err = newLogger(cfg.Logging.Debug, cfg.Logging.File)
	if err != nil {
		return err
	}

	store, closeStore, err := cfg.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	a.closeStore = closeStore

	a.metrics = metrics.NewPrometheusMetrics()
	opts := append(cfg.ManagerOptions(),
		mcp.WithLogger(a.logger),
		mcp.WithMetrics(a.metrics),
	)
	a.manager = mcp.NewManager(store, opts...)
	if err := a.manager.Init(ctx); err != nil {
		return fmt.Errorf("failed to load server configurations: %w", err)
	}
	return nil
}

func (a *app) teardown(ctx context.Context) {
	if a.manager != nil {
		a.manager.Shutdown(ctx)
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.Warn("Failed to close storage", mlog.Err(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Shutdown()
	}
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
