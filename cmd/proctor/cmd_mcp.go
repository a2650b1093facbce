package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpserver "github.com/felixgeelhaar/proctor/internal/mcp"
)

func mcpCmd(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP tool server (stdio, or HTTP with --http)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()
			a.serveMetrics(ctx)

			srv := mcpserver.NewServer(mcpserver.Config{Engine: a.engine, Version: Version})
			if addr != "" {
				return srv.ServeHTTP(ctx, addr)
			}
			return srv.ServeStdio(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "http", "", "Serve MCP over HTTP on this address instead of stdio")
	return cmd
}
