package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"worldforge/internal/recovery"
)

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check and repair the world",
	}
	cmd.AddCommand(healthCheckCmd())
	cmd.AddCommand(healthRepairCmd())
	cmd.AddCommand(healthCrashCmd())
	cmd.AddCommand(healthVersionsCmd())
	cmd.AddCommand(healthRecoverCmd())
	cmd.AddCommand(healthRollbackCmd())
	return cmd
}

func healthCheckCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run every consistency check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			report := w.Recovery().GenerateHealthReport(ctx)
			if asJSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprint(cmd.OutOrStdout(), recovery.FormatForUser(report))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full report as JSON")
	return cmd
}

func healthRepairCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Repair everything the checks found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			report := w.Repair(ctx, dryRun)
			printActions(cmd, report)
			if report.Failed > 0 {
				return fmt.Errorf("%d repairs failed", report.Failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without changing it")
	return cmd
}

func printActions(cmd *cobra.Command, report *recovery.RepairReport) {
	out := cmd.OutOrStdout()
	if len(report.Actions) == 0 {
		fmt.Fprintln(out, "Nothing to repair.")
		return
	}
	for _, a := range report.Actions {
		mark := "would"
		switch {
		case a.Error != "":
			mark = "failed"
		case a.Applied:
			mark = "done"
		}
		fmt.Fprintf(out, "[%s] %s %s: %s\n", mark, a.Check, a.Target, a.Description)
		if a.Error != "" {
			fmt.Fprintf(out, "        %s\n", a.Error)
		}
	}
}

func healthCrashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crash",
		Short: "Clean up after an interrupted session and repair what it left",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			report, err := w.RecoverFromCrash(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Found %d incomplete files, removed %d.\n", len(report.Incomplete), len(report.Removed))
			if report.Repair != nil {
				printActions(cmd, report.Repair)
			}
			return nil
		},
	}
}

func healthVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <id>",
		Short: "List every known copy of an entity: current, snapshots and backups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			versions, err := w.Recovery().FindEntityVersions(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, v := range versions {
				valid := "ok"
				if !v.Valid {
					valid = "unreadable"
				}
				fmt.Fprintf(out, "%s  %-8s  %-10s  %s\n", v.Timestamp.Local().Format(time.RFC3339), v.Source, valid, v.Path)
			}
			return nil
		},
	}
}

func healthRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <id>",
		Short: "Show the newest valid copy of an entity without writing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			rec, err := w.Recovery().RecoverEntity(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "From %s (%s)\n", rec.Version.Source, rec.Version.Path)
			return printJSON(cmd.OutOrStdout(), rec.Entity)
		},
	}
}

func healthRollbackCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "rollback <id>",
		Short: "Roll an entity back to the last valid version at or before a time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts := time.Now()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at %q: %w", at, err)
				}
				ts = parsed
			}
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			rb, err := w.RollbackEntity(ctx, args[0], ts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled %s back to its %s version from %s.\n", args[0], rb.Version.Source, rb.Version.Timestamp.Local().Format(time.RFC3339))
			if rb.SafetyCopy != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "The previous file was kept at %s.\n", rb.SafetyCopy)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 timestamp (defaults to now)")
	return cmd
}
