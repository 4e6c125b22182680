// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattermost/mattermost-mcp-client/mcp"
	"github.com/mattermost/mattermost-mcp-client/protocol"
)

type serverView struct {
	mcp.ServerConfig
	Status mcp.ServerStatus `json:"status"`
}

func newServersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List, add, update, remove and test MCP servers",
	}
	cmd.AddCommand(
		newServersListCmd(a),
		newServersAddCmd(a),
		newServersUpdateCmd(a),
		newServersRemoveCmd(a),
		newServersTestCmd(a),
	)
	return cmd
}

func newServersListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured servers with their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			statuses := a.manager.GetServerStatuses()
			views := []serverView{}
			for _, cfg := range a.manager.GetServerConfigs() {
				views = append(views, serverView{ServerConfig: cfg, Status: statuses[cfg.ID]})
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
}

func addServerFlags(cmd *cobra.Command, cfg *mcp.ServerConfig, transport *string) {
	cmd.Flags().StringVar(&cfg.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&cfg.URL, "url", "", "MCP endpoint URL")
	cmd.Flags().StringVar(transport, "transport", string(protocol.TransportStreamableHTTP), "Transport: http-streamable or sse")
	cmd.Flags().StringVar(&cfg.Description, "description", "", "Description")
}

func newServersAddCmd(a *app) *cobra.Command {
	var (
		cfg       mcp.ServerConfig
		transport string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a server and connect to it when enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.TransportType = protocol.TransportKind(transport)
			added, err := a.manager.AddServer(cmd.Context(), cfg)
			if err != nil && added.ID == "" {
				return err
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "server saved but not connected: %v\n", err)
			}
			return printJSON(cmd.OutOrStdout(), added)
		},
	}
	addServerFlags(cmd, &cfg, &transport)
	cmd.Flags().BoolVar(&cfg.Enabled, "enabled", true, "Connect to the server")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newServersUpdateCmd(a *app) *cobra.Command {
	var (
		cfg       mcp.ServerConfig
		transport string
		enabled   bool
	)
	cmd := &cobra.Command{
		Use:   "update <server-id>",
		Short: "Change the given fields of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch mcp.ServerPatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &cfg.Name
			}
			if flags.Changed("url") {
				patch.URL = &cfg.URL
			}
			if flags.Changed("transport") {
				kind := protocol.TransportKind(transport)
				patch.TransportType = &kind
			}
			if flags.Changed("description") {
				patch.Description = &cfg.Description
			}
			if flags.Changed("enabled") {
				patch.Enabled = &enabled
			}

			updated, err := a.manager.UpdateServer(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), updated)
		},
	}
	addServerFlags(cmd, &cfg, &transport)
	cmd.Flags().BoolVar(&enabled, "enabled", false, "Enable or disable the server")
	return cmd
}

func newServersRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <server-id>",
		Short: "Remove a server and forget its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.manager.RemoveServer(cmd.Context(), args[0])
		},
	}
}

func newServersTestCmd(a *app) *cobra.Command {
	var (
		cfg       mcp.ServerConfig
		transport string
	)
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Check a server before adding it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.TransportType = protocol.TransportKind(transport)
			if cfg.Name == "" {
				cfg.Name = cfg.URL
			}
			result := a.manager.TestServerWithOAuthDiscovery(cmd.Context(), cfg)
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.ConnectionSuccess {
				return fmt.Errorf("server test failed: %s", result.Error)
			}
			return nil
		},
	}
	addServerFlags(cmd, &cfg, &transport)
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newConnectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connect [server-id]",
		Short: "Connect to one server, or to every enabled server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := a.manager.ConnectToServer(cmd.Context(), args[0]); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a.manager.GetServerStatuses()[args[0]])
			}

			failures := a.manager.ConnectToEnabledServers(cmd.Context())
			for id, err := range failures {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
			}
			return printJSON(cmd.OutOrStdout(), a.manager.GetServerStatuses())
		},
	}
}
