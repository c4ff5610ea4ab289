package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"worldforge/internal/mirror"
)

func mirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Query and rebuild the relational mirror",
	}
	cmd.AddCommand(mirrorSyncCmd())
	cmd.AddCommand(mirrorSearchCmd())
	cmd.AddCommand(mirrorQueryCmd())
	cmd.AddCommand(mirrorSQLCmd())
	cmd.AddCommand(mirrorClaimsCmd())
	cmd.AddCommand(mirrorStatsCmd())
	return cmd
}

func mirrorSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Rebuild the mirror from the entity files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			n, err := w.Mirror().FullSync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d entities.\n", n)
			return nil
		},
	}
}

func mirrorSearchCmd() *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over names, descriptions and claims",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			rows, err := w.Mirror().Search(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			filtered := rows[:0]
			for _, r := range rows {
				if entityType == "" || r.EntityType == entityType {
					filtered = append(filtered, r)
				}
			}
			printRows(cmd, filtered)
			return nil
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "Entity type to filter")
	return cmd
}

func printRows(cmd *cobra.Command, rows []mirror.EntityRow) {
	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No entities found.")
		return
	}
	for _, r := range rows {
		fmt.Fprintf(out, "%s  %s (%s) [%s, step %d]\n", r.ID, r.Name, r.EntityType, r.Status, r.StepCreated)
	}
}

func mirrorQueryCmd() *cobra.Command {
	var q mirror.StructuredQuery
	var where []string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Structured query over entity columns",
		Long:  "Filters take the form column<op>value, e.g. entity_type=gods or step_created>=3.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseFilters(where)
			if err != nil {
				return err
			}
			q.Filters = filters

			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			rows, err := w.Mirror().Structured(ctx, q)
			if err != nil {
				return err
			}
			printRows(cmd, rows)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&where, "where", nil, "Filter as column<op>value (repeatable)")
	cmd.Flags().StringVar(&q.OrderBy, "order-by", "name", "Column to sort by")
	cmd.Flags().BoolVar(&q.Desc, "desc", false, "Sort descending")
	cmd.Flags().IntVar(&q.Limit, "limit", mirror.DefaultLimit, "Maximum rows")
	return cmd
}

// Longer operators first so ">=" is not read as ">".
var filterOps = []string{"!=", "<=", ">=", " LIKE ", " IN ", "=", "<", ">"}

func parseFilters(exprs []string) ([]mirror.Filter, error) {
	filters := make([]mirror.Filter, 0, len(exprs))
	for _, expr := range exprs {
		f, ok := parseFilter(expr)
		if !ok {
			return nil, fmt.Errorf("invalid filter %q: expected column<op>value", expr)
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func parseFilter(expr string) (mirror.Filter, bool) {
	for _, op := range filterOps {
		i := strings.Index(expr, op)
		if i <= 0 {
			continue
		}
		column := strings.TrimSpace(expr[:i])
		raw := strings.TrimSpace(expr[i+len(op):])
		op = strings.TrimSpace(op)
		if op == "IN" {
			var values []any
			for _, v := range strings.Split(raw, ",") {
				values = append(values, parseValue(strings.TrimSpace(v)))
			}
			return mirror.Filter{Column: column, Op: op, Value: values}, true
		}
		return mirror.Filter{Column: column, Op: op, Value: parseValue(raw)}, true
	}
	return mirror.Filter{}, false
}

func parseValue(raw string) any {
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return raw
}

func mirrorSQLCmd() *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "sql <query>",
		Short: "Run a read-only SQL query against the mirror",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			values := make([]any, 0, len(params))
			for _, p := range params {
				values = append(values, parseValue(p))
			}

			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			rows, err := w.Mirror().ReadOnly(ctx, query, values...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringArrayVar(&params, "param", nil, "Positional query parameter (repeatable)")
	return cmd
}

func mirrorClaimsCmd() *cobra.Command {
	var entityID string
	cmd := &cobra.Command{
		Use:   "claims [keyword]",
		Short: "List canon claims, optionally for one entity or containing a keyword",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyword := ""
			if len(args) == 1 {
				keyword = args[0]
			}
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			claims, err := w.Mirror().QueryClaims(ctx, entityID, keyword)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range claims {
				fmt.Fprintf(out, "%s: %s\n", c.EntityID, c.Claim)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&entityID, "entity", "", "Entity id to filter")
	return cmd
}

func mirrorStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Entity, reference and claim counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx)
			if err != nil {
				return err
			}
			defer w.Close(ctx)

			stats, err := w.Mirror().Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}
