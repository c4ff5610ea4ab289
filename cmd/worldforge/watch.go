package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"worldforge/internal/world"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the mirror and graph in step with hand edits until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := openWorld(ctx)
	if err != nil {
		return err
	}
	defer w.Close(context.WithoutCancel(ctx))

	wt, err := w.NewWatcher()
	if err != nil {
		return err
	}
	sub := w.Bus().Subscribe(0, world.TopicEntityChanged)
	defer w.Bus().Unsubscribe(sub)
	go func() {
		for m := range sub.C {
			w.Logger().Info("entity changed", zap.String("entity_id", m.EntityID), zap.String("change", m.Change))
		}
	}()

	fmt.Fprintln(cmd.OutOrStdout(), "Watching for changes. Press Ctrl-C to stop.")
	return wt.Run(ctx)
}
