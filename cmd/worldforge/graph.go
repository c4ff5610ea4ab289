package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"worldforge/internal/graph"
)

func graphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Explore the reference graph",
	}
	cmd.AddCommand(graphNeighborsCmd())
	cmd.AddCommand(graphPathCmd())
	cmd.AddCommand(graphClusterCmd())
	cmd.AddCommand(graphOrphansCmd())
	cmd.AddCommand(graphStatsCmd())
	return cmd
}

// withGraph opens the world and hands fn a graph that reflects the files
// on disk.
func withGraph(fn func(g *graph.Graph) error) error {
	ctx := context.Background()
	w, err := openWorld(ctx)
	if err != nil {
		return err
	}
	defer w.Close(ctx)

	g := w.Graph()
	if err := g.RebuildIfDirty(); err != nil {
		return err
	}
	return fn(g)
}

func requireNode(g *graph.Graph, id string) error {
	if _, ok := g.Node(id); !ok {
		return fmt.Errorf("entity %s is not in the graph", id)
	}
	return nil
}

func graphNeighborsCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "neighbors <id>",
		Short: "Entities within a number of hops",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(func(g *graph.Graph) error {
				if err := requireNode(g, args[0]); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				neighbors := g.Neighbors(args[0], depth)
				if len(neighbors) == 0 {
					fmt.Fprintln(out, "No neighbors.")
					return nil
				}
				for _, n := range neighbors {
					fmt.Fprintf(out, "%d  %s  %s (%s)\n", n.Distance, n.ID, n.Name, n.EntityType)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 1, "Maximum hops")
	return cmd
}

func graphPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path <from> <to>",
		Short: "Shortest chain of references between two entities",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(func(g *graph.Graph) error {
				for _, id := range args {
					if err := requireNode(g, id); err != nil {
						return err
					}
				}
				out := cmd.OutOrStdout()
				hops := g.FindPath(args[0], args[1])
				if len(hops) == 0 {
					fmt.Fprintln(out, "No path.")
					return nil
				}
				for _, h := range hops {
					fmt.Fprintf(out, "%s -[%s]- %s\n", h.From, h.Relationship, h.To)
				}
				return nil
			})
		},
	}
}

func graphClusterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cluster <id>",
		Short: "Entities in the same community as the given one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(func(g *graph.Graph) error {
				if err := requireNode(g, args[0]); err != nil {
					return err
				}
				for _, id := range g.Cluster(args[0]) {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func graphOrphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "Entities with no references and references to missing entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(func(g *graph.Graph) error {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"isolated":            g.Orphans(),
					"orphaned_references": g.OrphanedReferences(),
				})
			})
		},
	}
}

func graphStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Size and connectivity of the graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(func(g *graph.Graph) error {
				return printJSON(cmd.OutOrStdout(), g.Stats())
			})
		},
	}
}
