package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joestump/homegate/internal/access"
	"github.com/joestump/homegate/internal/config"
	"github.com/joestump/homegate/internal/mcpserver"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the built-in tools over MCP on stdin/stdout",
		Long: `Serve the built-in tools (web search, fetch, files, commands) to a local
agent over the Model Context Protocol. Tools are filtered by --access-level
and confined to the sandbox exactly as they are through the gateway.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			level, err := access.ParseLevel(cfg.AccessLevel)
			if err != nil {
				return err
			}
			_, openai := backends(cfg)
			tb, err := buildTools(cfg, openai)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return mcpserver.NewServer(tb.registry, level, config.Version).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
