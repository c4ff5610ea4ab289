package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "worldforge",
		Short:        "File-backed worldbuilding entity store with consistency tooling",
		SilenceUsage: true,
	}
	root.Version = version
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&rootFlag, "root", ".", "Project directory or any directory below it")
	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(entityCmd())
	root.AddCommand(mirrorCmd())
	root.AddCommand(graphCmd())
	root.AddCommand(ledgerCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
