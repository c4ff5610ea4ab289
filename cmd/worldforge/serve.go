package main

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"worldforge/internal/mcp"
)

func serveCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "Follow hand edits to entity files while serving")
	return cmd
}

func runServe(cmd *cobra.Command, watch bool) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	w, err := openWorld(ctx)
	if err != nil {
		return err
	}
	defer w.Close(context.WithoutCancel(ctx))

	if _, err := w.RecoverFromCrash(ctx); err != nil {
		w.Logger().Warn("crash recovery failed", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	if watch {
		wt, err := w.NewWatcher()
		if err != nil {
			return err
		}
		g.Go(func() error { return wt.Run(ctx) })
	}
	g.Go(func() error {
		defer cancel()
		server := mcp.NewServer(w, version)
		return server.Run(ctx, &sdk.StdioTransport{})
	})
	return g.Wait()
}
