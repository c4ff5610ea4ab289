package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"worldforge/internal/apperr"
	"worldforge/internal/entity"
	"worldforge/internal/graph"
)

// criticalRatio is the share of broken files above which JSON integrity
// is critical rather than degraded.
const criticalRatio = 0.20

type problemKind string

const (
	problemEmpty    problemKind = "empty"
	problemEncoding problemKind = "encoding"
	problemJSON     problemKind = "json"
)

func (k problemKind) describe() string {
	switch k {
	case problemEmpty:
		return "file is empty"
	case problemEncoding:
		return "file is not valid UTF-8"
	default:
		return "file is not valid JSON"
	}
}

type fileProblem struct {
	Path string
	Kind problemKind
}

func (m *Manager) scanJSON() ([]fileProblem, int, error) {
	problems := make([]fileProblem, 0)
	total := 0
	err := filepath.WalkDir(m.paths.Entities, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == m.paths.Entities {
				return filepath.SkipAll
			}
			return err
		}
		if !entity.IsEntityFile(path, d) {
			return nil
		}
		total++
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		switch {
		case len(data) == 0:
			problems = append(problems, fileProblem{Path: path, Kind: problemEmpty})
		case !utf8.Valid(data):
			problems = append(problems, fileProblem{Path: path, Kind: problemEncoding})
		case !json.Valid(data):
			problems = append(problems, fileProblem{Path: path, Kind: problemJSON})
		}
		return nil
	})
	if err != nil {
		return nil, 0, apperr.IO(m.paths.Entities, "could not scan entity files", err)
	}
	return problems, total, nil
}

func (m *Manager) CheckJSONIntegrity() CheckResult {
	r := newResult(CheckJSON)
	problems, total, err := m.scanJSON()
	if err != nil {
		r.add(StatusCritical, err.Error())
		return *r
	}
	for _, p := range problems {
		r.add(StatusDegraded, fmt.Sprintf("%s: %s", m.rel(p.Path), p.Kind.describe()))
	}
	if total > 0 && float64(len(problems))/float64(total) > criticalRatio {
		r.raise(StatusCritical)
	}
	return *r
}

func (m *Manager) CheckSchemaCompliance() CheckResult {
	r := newResult(CheckSchema)
	entities, _, err := entity.ReadAll(m.paths.Entities)
	if err != nil {
		r.add(StatusCritical, err.Error())
		return *r
	}
	registry := m.deps.Store.Registry()
	for _, e := range entities {
		t, ok := registry.Lookup(e.Meta.TemplateID)
		if !ok {
			continue
		}
		for _, v := range t.Validate(e.Data) {
			r.add(StatusDegraded, fmt.Sprintf("%s: %s", e.ID, v.Message))
		}
	}
	return *r
}

func (m *Manager) diskIDs() (map[string]*entity.Entity, error) {
	entities, _, err := entity.ReadAll(m.paths.Entities)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*entity.Entity, len(entities))
	for _, e := range entities {
		out[e.ID] = e
	}
	return out, nil
}

type mirrorDrift struct {
	missing []string
	extra   []string
}

func (m *Manager) mirrorDrift(ctx context.Context) (*mirrorDrift, error) {
	disk, err := m.diskIDs()
	if err != nil {
		return nil, err
	}
	ids, err := m.deps.Mirror.EntityIDs(ctx)
	if err != nil {
		return nil, err
	}
	inMirror := make(map[string]bool, len(ids))
	drift := &mirrorDrift{missing: []string{}, extra: []string{}}
	for _, id := range ids {
		inMirror[id] = true
		if _, ok := disk[id]; !ok {
			drift.extra = append(drift.extra, id)
		}
	}
	for id := range disk {
		if !inMirror[id] {
			drift.missing = append(drift.missing, id)
		}
	}
	sort.Strings(drift.missing)
	sort.Strings(drift.extra)
	return drift, nil
}

func (m *Manager) CheckMirrorSync(ctx context.Context) CheckResult {
	r := newResult(CheckMirror)
	if m.deps.Mirror == nil {
		r.add(StatusDegraded, "the search database is not configured")
		return *r
	}
	drift, err := m.mirrorDrift(ctx)
	if err != nil {
		r.add(StatusCritical, fmt.Sprintf("could not read the search database: %v", err))
		return *r
	}
	for _, id := range drift.missing {
		r.add(StatusDegraded, fmt.Sprintf("%s is missing from the search database", id))
	}
	for _, id := range drift.extra {
		r.add(StatusDegraded, fmt.Sprintf("%s is in the search database but has no file", id))
	}
	return *r
}

// CheckGraphConsistency builds a fresh graph from disk and compares it
// with the entity files. The live graph is not touched.
func (m *Manager) CheckGraphConsistency() CheckResult {
	r := newResult(CheckGraph)
	g := graph.New(m.paths.Entities, m.deps.Store.Registry(), m.log)
	if err := g.Build(); err != nil {
		r.add(StatusCritical, fmt.Sprintf("could not build the reference graph: %v", err))
		return *r
	}
	disk, err := m.diskIDs()
	if err != nil {
		r.add(StatusCritical, err.Error())
		return *r
	}

	nodes := make(map[string]bool)
	for _, id := range g.Nodes() {
		nodes[id] = true
		if _, ok := disk[id]; !ok {
			r.add(StatusDegraded, fmt.Sprintf("%s is in the graph but has no file", id))
		}
	}
	missing := make([]string, 0)
	for id := range disk {
		if !nodes[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	for _, id := range missing {
		r.add(StatusDegraded, fmt.Sprintf("%s is missing from the graph", id))
	}

	r.Orphaned = g.OrphanedReferences()
	for _, o := range r.Orphaned {
		r.add(StatusDegraded, fmt.Sprintf("%s.%s points at %s, which does not exist", o.Source, o.Field, o.Target))
	}
	return *r
}

var stateKeyKinds = map[string]string{
	"current_step":      "number",
	"current_phase":     "string",
	"completed_steps":   "array",
	"in_progress_steps": "array",
	"entity_index":      "object",
}

func jsonKind(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "invalid"
	}
	switch v.(type) {
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	}
	return "bool"
}

type stateProblems struct {
	unreadable bool
	badKeys    []string
	drift      []string
}

func (p *stateProblems) any() bool {
	return p.unreadable || len(p.badKeys) > 0 || len(p.drift) > 0
}

func (m *Manager) inspectState() (*stateProblems, map[string]json.RawMessage, error) {
	problems := &stateProblems{badKeys: []string{}, drift: []string{}}
	raw := map[string]json.RawMessage{}
	data, err := os.ReadFile(m.paths.StateFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		problems.unreadable = true
	case err != nil:
		return nil, nil, apperr.IO(m.paths.StateFile, "could not read state file", err)
	case json.Unmarshal(data, &raw) != nil:
		problems.unreadable = true
		raw = map[string]json.RawMessage{}
	}

	for _, key := range entity.StateKeys {
		v, ok := raw[key]
		if !problems.unreadable && (!ok || jsonKind(v) != stateKeyKinds[key]) {
			problems.badKeys = append(problems.badKeys, key)
		}
	}

	index := map[string]entity.Summary{}
	if v, ok := raw["entity_index"]; ok {
		if err := json.Unmarshal(v, &index); err != nil {
			index = map[string]entity.Summary{}
		}
	}
	disk, err := m.diskIDs()
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e, ok := disk[id]
		if !ok {
			problems.drift = append(problems.drift, fmt.Sprintf("index entry %s points at a missing file", id))
			continue
		}
		if entity.AbsolutePath(m.paths.Root, index[id].FilePath) != e.Path {
			problems.drift = append(problems.drift, fmt.Sprintf("index entry %s has the wrong file path", id))
		}
	}
	missing := make([]string, 0)
	for id := range disk {
		if _, ok := index[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	for _, id := range missing {
		problems.drift = append(problems.drift, fmt.Sprintf("%s is not in the index", id))
	}
	return problems, raw, nil
}

func (m *Manager) CheckStateFile() CheckResult {
	r := newResult(CheckState)
	problems, _, err := m.inspectState()
	if err != nil {
		r.add(StatusCritical, err.Error())
		return *r
	}
	if problems.unreadable {
		r.add(StatusCritical, "state.json is missing or unreadable")
	}
	for _, key := range problems.badKeys {
		r.add(StatusDegraded, fmt.Sprintf("state.json key %q is missing or has the wrong type", key))
	}
	for _, issue := range problems.drift {
		r.add(StatusDegraded, issue)
	}
	return *r
}

func (m *Manager) CheckBookkeeping() CheckResult {
	r := newResult(CheckBookkeeping)
	if m.deps.Ledger == nil {
		r.add(StatusDegraded, "the event ledger is not available")
		return *r
	}
	scan, err := m.deps.Ledger.Scan()
	if err != nil {
		r.add(StatusCritical, err.Error())
		return *r
	}
	for _, line := range scan.BadLines {
		r.add(StatusDegraded, fmt.Sprintf("%s line %d: %s", m.rel(line.File), line.Line, line.Problem))
	}
	for _, name := range scan.MissingIndexes {
		r.add(StatusDegraded, fmt.Sprintf("index %s is missing", name))
	}
	for _, name := range scan.CorruptIndexes {
		r.add(StatusDegraded, fmt.Sprintf("index %s cannot be read", name))
	}
	return *r
}

// RunChecks runs every check in a fixed order.
func (m *Manager) RunChecks(ctx context.Context) []CheckResult {
	return []CheckResult{
		m.CheckJSONIntegrity(),
		m.CheckSchemaCompliance(),
		m.CheckMirrorSync(ctx),
		m.CheckGraphConsistency(),
		m.CheckStateFile(),
		m.CheckBookkeeping(),
	}
}
