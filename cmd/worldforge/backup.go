package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, inspect and restore world backups",
	}
	cmd.AddCommand(backupCreateCmd())
	cmd.AddCommand(backupListCmd())
	cmd.AddCommand(backupCompareCmd())
	cmd.AddCommand(backupRestoreCmd())
	cmd.AddCommand(backupRestoreEntityCmd())
	cmd.AddCommand(backupHistoryCmd())
	cmd.AddCommand(backupCleanupCmd())
	return cmd
}

func backupCreateCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Archive the world into a new backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			info, err := w.CreateBackup(label)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%d entities, %d bytes)\n", info.Name, info.Manifest.EntityCount, info.Size)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "manual", "Label stored in the archive name and manifest")
	return cmd
}

func backupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			infos, err := w.Backups().List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "No backups.")
				return nil
			}
			for _, info := range infos {
				m := info.Manifest
				if m == nil {
					fmt.Fprintf(out, "%s  %d bytes\n", info.Name, info.Size)
					continue
				}
				fmt.Fprintf(out, "%s  %s  %d entities  %d bytes\n", info.Name, m.CreatedAt.Local().Format("2006-01-02 15:04"), m.EntityCount, info.Size)
			}
			return nil
		},
	}
}

func backupCompareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compare <archive>",
		Short: "Show how a backup differs from the current world",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			diff, err := w.Backups().Compare(archivePath(w, args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), diff)
		},
	}
}

func backupRestoreCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Restore the whole world from a backup",
		Long:  "Without --confirm only the preview is shown. A pre-restore backup is taken before anything is replaced.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			result, err := w.Restore(ctx, archivePath(w, args[0]), confirm)
			if err != nil {
				return err
			}
			if !result.Applied {
				fmt.Fprintln(cmd.ErrOrStderr(), "Preview only; rerun with --confirm to restore.")
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Apply the restore")
	return cmd
}

func backupRestoreEntityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore-entity <archive> <id>",
		Short: "Restore a single entity from a backup",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			path, err := w.RestoreEntity(ctx, archivePath(w, args[0]), args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s to %s\n", args[1], path)
			return nil
		},
	}
}

func backupHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "List the backups that contain an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			versions, err := w.Backups().EntityHistory(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), versions)
		},
	}
}

func backupCleanupCmd() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete all but the newest backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			if keep == 0 {
				keep = w.Config().Backup.Keep
			}
			removed, err := w.Backups().Cleanup(keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d backups.\n", len(removed))
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "Backups to keep (defaults to backup.keep in worldforge.yaml)")
	return cmd
}
