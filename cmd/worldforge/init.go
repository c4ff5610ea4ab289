package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"worldforge/internal/config"
	"worldforge/internal/entity"
)

func initCmd() *cobra.Command {
	var projectName string
	var dsn string
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Scaffold a new worldforge project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(cmd, dir, projectName, dsn)
		},
	}
	cmd.Flags().StringVar(&projectName, "name", "", "Project name (defaults to the directory name)")
	cmd.Flags().StringVar(&dsn, "mirror", config.DefaultMirrorDSN, "Mirror DSN (sqlite:// or postgres://)")
	return cmd
}

func runInit(cmd *cobra.Command, dir, projectName, dsn string) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}
	if strings.TrimSpace(projectName) == "" {
		projectName = filepath.Base(root)
	}
	configPath := filepath.Join(root, config.FileName)
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	cfg := config.Default(projectName)
	cfg.Mirror.DSN = dsn
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", config.FileName, err)
	}

	paths := config.NewPaths(root)
	for _, d := range []string{paths.Entities, paths.Templates, paths.Events, paths.Indexes, paths.Snapshots, paths.Sessions, paths.Backups, paths.Runtime} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	if _, err := os.Stat(paths.StateFile); errors.Is(err, fs.ErrNotExist) {
		if err := entity.SaveState(paths.StateFile, entity.NewState()); err != nil {
			return err
		}
	}
	if err := os.WriteFile(configPath, contents, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", configPath, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s in %s\n", projectName, root)
	fmt.Fprintf(cmd.OutOrStdout(), "Add JSON Schema templates to %s to start creating entities.\n", paths.Templates)
	return nil
}
