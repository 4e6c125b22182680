// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattermost/mattermost-mcp-client/llm"
)

func newToolsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List and call the tools of connected servers",
	}
	cmd.AddCommand(newToolsListCmd(a), newToolsCallCmd(a), newToolsPromptCmd(a))
	return cmd
}

// connectAll connects every enabled server, reporting failures on stderr.
func (a *app) connectAll(cmd *cobra.Command) map[string]error {
	failures := a.manager.ConnectToEnabledServers(cmd.Context())
	for id, err := range failures {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
	}
	return failures
}

func newToolsListCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tools published to the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.connectAll(cmd)
			definitions := a.manager.GetAllTools(cmd.Context())
			if format == "mcp" {
				return printJSON(cmd.OutOrStdout(), definitions)
			}

			provider := llm.NewToolProvider(a.manager, a.logger, a.cfg.Logging.Debug)
			tools := provider.ToolStore(cmd.Context(), nil).GetTools()
			switch format {
			case "openai":
				return printJSON(cmd.OutOrStdout(), llm.OpenAITools(tools))
			case "anthropic":
				return printJSON(cmd.OutOrStdout(), llm.AnthropicTools(tools))
			case "langchain":
				return printJSON(cmd.OutOrStdout(), llm.LangchainTools(tools))
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "mcp", "Output format: mcp, openai, anthropic or langchain")
	return cmd
}

func newToolsCallCmd(a *app) *cobra.Command {
	var rawArgs string
	cmd := &cobra.Command{
		Use:   "call <tool-name>",
		Short: "Call a tool by its published name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arguments map[string]any
			if err := json.Unmarshal([]byte(rawArgs), &arguments); err != nil {
				return fmt.Errorf("invalid --args: %w", err)
			}

			a.connectAll(cmd)
			a.manager.GetAllTools(cmd.Context())
			result, err := a.manager.CallTool(cmd.Context(), args[0], arguments)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.IsError {
				return fmt.Errorf("tool %s reported an error", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "{}", "Tool arguments as a JSON object")
	return cmd
}

func newToolsPromptCmd(a *app) *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Print the system prompt describing the available tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			prompts, err := llm.DefaultPrompts()
			if err != nil {
				return err
			}
			failures := a.connectAll(cmd)
			store := llm.NewToolProvider(a.manager, a.logger, a.cfg.Logging.Debug).ToolStore(cmd.Context(), failures)
			prompt, err := store.ToolUsePrompt(prompts, language)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prompt)
			return nil
		},
	}
	cmd.Flags().StringVar(&language, "lang", llm.DefaultLanguage, "Prompt language")
	return cmd
}
