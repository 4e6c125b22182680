// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newOAuthCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oauth",
		Short: "Authorize servers that require OAuth",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "start <server-id>",
			Short: "Print the authorization URL to open in a browser",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				request, err := a.manager.StartOAuthFlow(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), request)
			},
		},
		&cobra.Command{
			Use:   "callback <redirect-url>",
			Short: "Complete a flow with the URL the browser was redirected to",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				serverID, err := a.manager.HandleOAuthCallback(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "authorized %s\n", serverID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status <server-id>",
			Short: "Report whether the server has usable credentials",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				valid, err := a.manager.HasValidOAuthTokens(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"serverId": args[0], "hasTokens": valid})
			},
		},
		&cobra.Command{
			Use:   "clear <server-id>",
			Short: "Forget the credentials of a server",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.manager.ClearOAuthTokens(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}
