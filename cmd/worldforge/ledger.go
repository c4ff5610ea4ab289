package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"worldforge/internal/ledger"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Sessions, decisions and the event log",
	}
	cmd.AddCommand(ledgerStartCmd())
	cmd.AddCommand(ledgerEndCmd())
	cmd.AddCommand(ledgerDecisionCmd())
	cmd.AddCommand(ledgerContradictionCmd())
	cmd.AddCommand(ledgerResolveCmd())
	cmd.AddCommand(ledgerStepCmd())
	cmd.AddCommand(ledgerRebuildCmd())
	cmd.AddCommand(ledgerScanCmd())
	cmd.AddCommand(ledgerDecisionsCmd())
	cmd.AddCommand(ledgerContradictionsCmd())
	cmd.AddCommand(ledgerSessionsCmd())
	cmd.AddCommand(ledgerProgressionCmd())
	cmd.AddCommand(ledgerRegistryCmd())
	return cmd
}

// withLedger runs fn against the world's ledger and closes the world after.
func withLedger(fn func(l *ledger.Ledger) error) error {
	ctx := context.Background()
	w, err := openWorld(ctx)
	if err != nil {
		return err
	}
	defer w.Close(ctx)
	return fn(w.Ledger())
}

func ledgerStartCmd() *cobra.Command {
	var focus string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Open a new working session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(l *ledger.Ledger) error {
				s, err := l.StartSession(focus)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Session %d started (%s)\n", s.Number, s.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&focus, "focus", "", "What this session is about")
	return cmd
}

func ledgerEndCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "end",
		Short: "Close the active session and write its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(l *ledger.Ledger) error {
				s, err := l.EndSession(notes)
				if err != nil {
					return err
				}
				if s == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "No active session.")
					return nil
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes appended to the summary")
	return cmd
}

func ledgerDecisionCmd() *cobra.Command {
	var step int
	var rationale string
	var entities []string
	cmd := &cobra.Command{
		Use:   "decision <text>",
		Short: "Record a worldbuilding decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(l *ledger.Ledger) error {
				return l.RecordDecision(step, args[0], rationale, entities)
			})
		},
	}
	cmd.Flags().IntVar(&step, "step", 0, "Step the decision belongs to")
	cmd.Flags().StringVar(&rationale, "rationale", "", "Why the decision was made")
	cmd.Flags().StringSliceVar(&entities, "entity", nil, "Entity ids the decision touches")
	return cmd
}

func ledgerContradictionCmd() *cobra.Command {
	var entities []string
	cmd := &cobra.Command{
		Use:   "contradiction <description>",
		Short: "Record a contradiction between entities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(l *ledger.Ledger) error {
				id, err := l.RecordContradiction(args[0], entities)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&entities, "entity", nil, "Entity ids involved")
	return cmd
}

func ledgerResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <contradiction-id> <resolution>",
		Short: "Mark a contradiction as resolved",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(l *ledger.Ledger) error {
				return l.ResolveContradiction(args[0], args[1])
			})
		},
	}
}

func ledgerStepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "step <number> <not_started|in_progress|completed>",
		Short: "Set the status of a worldbuilding step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid step %q: %w", args[0], err)
			}
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)
			return w.SetStepStatus(step, args[1])
		},
	}
}

func ledgerRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the derived indexes from the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(l *ledger.Ledger) error {
				report, err := l.RebuildIndexes()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d events, skipped %d.\n", report.Events, report.Skipped)
				return nil
			})
		},
	}
}

func ledgerScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Check the event log and indexes without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(l *ledger.Ledger) error {
				report, err := l.Scan()
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

// ledgerIndexCmd prints one derived index as JSON.
func ledgerIndexCmd(use, short string, read func(l *ledger.Ledger) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(l *ledger.Ledger) error {
				v, err := read(l)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), v)
			})
		},
	}
}

func ledgerDecisionsCmd() *cobra.Command {
	return ledgerIndexCmd("decisions", "List recorded decisions", func(l *ledger.Ledger) (any, error) {
		return l.Decisions()
	})
}

func ledgerContradictionsCmd() *cobra.Command {
	var unresolved bool
	cmd := ledgerIndexCmd("contradictions", "List contradictions", func(l *ledger.Ledger) (any, error) {
		return l.Contradictions(unresolved)
	})
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "Only unresolved contradictions")
	return cmd
}

func ledgerSessionsCmd() *cobra.Command {
	return ledgerIndexCmd("sessions", "List session summaries", func(l *ledger.Ledger) (any, error) {
		return l.SessionSummaries()
	})
}

func ledgerProgressionCmd() *cobra.Command {
	return ledgerIndexCmd("progression", "Show step progression", func(l *ledger.Ledger) (any, error) {
		return l.Progression()
	})
}

func ledgerRegistryCmd() *cobra.Command {
	return ledgerIndexCmd("registry", "Show the entity registry built from the event log", func(l *ledger.Ledger) (any, error) {
		return l.Registry()
	})
}
