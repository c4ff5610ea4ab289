package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"worldforge/internal/entity"
)

func entityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Create, read and revise entities",
	}
	cmd.AddCommand(entityCreateCmd())
	cmd.AddCommand(entityGetCmd())
	cmd.AddCommand(entityUpdateCmd())
	cmd.AddCommand(entityListCmd())
	cmd.AddCommand(entitySearchCmd())
	cmd.AddCommand(entityStatusCmd())
	cmd.AddCommand(entityRefsCmd())
	cmd.AddCommand(entityHistoryCmd())
	return cmd
}

func entityCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <template-id> <json|@file|->",
		Short: "Create a draft entity from a template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[1], cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			change, err := w.CreateEntity(ctx, args[0], data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), change)
		},
	}
}

func entityUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <id> <json|@file|->",
		Short: "Merge fields into an entity; null removes a field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[1], cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			change, err := w.UpdateEntity(ctx, args[0], data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), change)
		},
	}
}

func entityGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print an entity document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			e, err := w.Store().Get(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
}

func entityListCmd() *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities from the state index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)
			printSummaries(cmd, w.Store().List(entityType))
			return nil
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "Entity type to filter")
	return cmd
}

func entitySearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <text>",
		Short: "Substring search over entity files, without the mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)
			printSummaries(cmd, w.Store().Search(args[0]))
			return nil
		},
	}
}

func printSummaries(cmd *cobra.Command, items []entity.Summary) {
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "No entities found.")
		return
	}
	for _, s := range items {
		fmt.Fprintf(out, "%s  %s (%s) [%s]\n", s.ID, s.Name, s.EntityType, s.Status)
	}
}

func entityStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <draft|canon>",
		Short: "Move an entity between draft and canon",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			if _, err := w.SetStatus(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], args[1])
			return nil
		},
	}
}

func entityRefsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refs <id>",
		Short: "Show outbound and inbound cross-references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			set, err := w.Store().CrossReferences(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "References:")
			printLinks(cmd, set.References)
			fmt.Fprintln(out, "Referenced by:")
			printLinks(cmd, set.ReferencedBy)
			return nil
		},
	}
}

func printLinks(cmd *cobra.Command, links []entity.Link) {
	out := cmd.OutOrStdout()
	if len(links) == 0 {
		fmt.Fprintln(out, "  (none)")
		return
	}
	for _, l := range links {
		missing := ""
		if !l.Exists {
			missing = " (missing)"
		}
		fmt.Fprintf(out, "  %s %s via %s%s\n", l.ID, l.Name, l.Field, missing)
	}
}

func entityHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show recorded revisions of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			revisions, err := w.Ledger().EntityHistory(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), revisions)
		},
	}
}
