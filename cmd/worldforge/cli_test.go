package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldforge/internal/config"
	"worldforge/internal/mirror"
	"worldforge/internal/template/templatetest"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		expr string
		want mirror.Filter
		ok   bool
	}{
		{"entity_type=gods", mirror.Filter{Column: "entity_type", Op: "=", Value: "gods"}, true},
		{"step_created>=3", mirror.Filter{Column: "step_created", Op: ">=", Value: 3}, true},
		{"status!=canon", mirror.Filter{Column: "status", Op: "!=", Value: "canon"}, true},
		{"name LIKE %storm%", mirror.Filter{Column: "name", Op: "LIKE", Value: "%storm%"}, true},
		{"entity_type IN gods,settlements", mirror.Filter{Column: "entity_type", Op: "IN", Value: []any{"gods", "settlements"}}, true},
		{"no operator", mirror.Filter{}, false},
		{"=gods", mirror.Filter{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, ok := parseFilter(tt.expr)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseData(t *testing.T) {
	data, err := parseData(`{"name": "Brina"}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "Brina", data["name"])

	path := filepath.Join(t.TempDir(), "brina.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name": "From file"}`), 0o644))
	data, err = parseData("@"+path, nil)
	require.NoError(t, err)
	assert.Equal(t, "From file", data["name"])

	data, err = parseData("-", strings.NewReader(`{"name": "From stdin"}`))
	require.NoError(t, err)
	assert.Equal(t, "From stdin", data["name"])

	_, err = parseData(`["not", "an", "object"]`, nil)
	assert.Error(t, err)
	_, err = parseData(`null`, nil)
	assert.Error(t, err)
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestInitCreateAndList(t *testing.T) {
	root := t.TempDir()
	out := execute(t, initCmd(), root, "--name", "tides")
	assert.Contains(t, out, "Initialized tides")
	assert.FileExists(t, filepath.Join(root, config.FileName))
	assert.FileExists(t, config.NewPaths(root).StateFile)

	cfg, err := config.LoadProjectConfig(filepath.Join(root, config.FileName))
	require.NoError(t, err)
	assert.Equal(t, "tides", cfg.Project)

	err = runInit(initCmd(), root, "tides", config.DefaultMirrorDSN)
	assert.Error(t, err, "a second init must not overwrite the config")

	templatetest.Write(t, config.NewPaths(root).Templates)
	rootFlag = root
	t.Cleanup(func() { rootFlag = "." })

	out = execute(t, entityCmd(), "create", "god-profile", `{"name": "Brina Tidecaller", "domain_primary": "tides", "alignment": "neutral"}`)
	var change struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &change))
	require.NotEmpty(t, change.ID)

	out = execute(t, entityCmd(), "list")
	assert.Contains(t, out, "Brina Tidecaller")

	out = execute(t, mirrorCmd(), "query", "--where", "entity_type=gods")
	assert.Contains(t, out, change.ID)

	out = execute(t, entityCmd(), "status", change.ID, "canon")
	assert.Contains(t, out, "is now canon")

	out = execute(t, backupCmd(), "list")
	assert.Contains(t, out, "auto")
}
