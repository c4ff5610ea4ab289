package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"worldforge/internal/config"
	"worldforge/internal/logging"
	"worldforge/internal/world"
)

var rootFlag string

func openWorld(ctx context.Context) (*world.World, error) {
	root, err := config.FindRoot(rootFlag)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadProjectConfig(filepath.Join(root, config.FileName))
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return world.Open(ctx, root, cfg, log)
}

func printJSON(w io.Writer, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Fprintln(w, string(payload))
	return nil
}

// archivePath accepts either a path to an archive or the bare name shown by
// "backup list".
func archivePath(w *world.World, arg string) string {
	if _, err := os.Stat(arg); err == nil || strings.ContainsRune(arg, filepath.Separator) {
		return arg
	}
	if !strings.HasSuffix(arg, ".zip") {
		arg += ".zip"
	}
	return filepath.Join(w.Paths().Backups, arg)
}

// parseData reads a JSON object from a literal argument or, with an @
// prefix, from a file. "-" reads stdin.
func parseData(arg string, stdin io.Reader) (map[string]any, error) {
	var raw []byte
	switch {
	case arg == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		raw = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", arg[1:], err)
		}
		raw = b
	default:
		raw = []byte(arg)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("entity data must be a JSON object: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("entity data must be a JSON object")
	}
	return data, nil
}
