package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"worldforge/internal/atomicio"
	"worldforge/internal/entity"
)

type Action struct {
	Check       string `json:"check"`
	Target      string `json:"target"`
	Description string `json:"description"`
	Source      string `json:"source,omitempty"`
	Applied     bool   `json:"applied"`
	Error       string `json:"error,omitempty"`
}

type RepairReport struct {
	DryRun  bool     `json:"dry_run"`
	Actions []Action `json:"actions"`
	Failed  int      `json:"failed"`
}

func (r *RepairReport) add(actions ...Action) {
	for _, a := range actions {
		if a.Error != "" {
			r.Failed++
		}
		r.Actions = append(r.Actions, a)
	}
}

// RepairAll runs every repair in order. A failing item is reported and the
// rest still run. With dryRun nothing on disk changes.
func (m *Manager) RepairAll(ctx context.Context, dryRun bool) *RepairReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repairAllLocked(ctx, dryRun)
}

func (m *Manager) repairAllLocked(ctx context.Context, dryRun bool) *RepairReport {
	report := &RepairReport{DryRun: dryRun, Actions: []Action{}}
	report.add(m.repairJSONLocked(ctx, dryRun)...)
	report.add(m.repairMirrorLocked(ctx, dryRun)...)
	report.add(m.repairGraphLocked(dryRun)...)
	report.add(m.repairStateLocked(dryRun)...)
	report.add(m.repairBookkeepingLocked(dryRun)...)
	m.log.Info("repair finished", zap.Bool("dry_run", dryRun), zap.Int("actions", len(report.Actions)), zap.Int("failed", report.Failed))
	return report
}

func (m *Manager) RepairJSON(ctx context.Context, dryRun bool) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repairJSONLocked(ctx, dryRun)
}

func (m *Manager) RepairMirror(ctx context.Context, dryRun bool) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repairMirrorLocked(ctx, dryRun)
}

func (m *Manager) RepairGraph(dryRun bool) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repairGraphLocked(dryRun)
}

func (m *Manager) RepairState(dryRun bool) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repairStateLocked(dryRun)
}

func (m *Manager) RepairBookkeeping(dryRun bool) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repairBookkeepingLocked(dryRun)
}

type candidate struct {
	source string
	data   []byte
}

func usable(data []byte) bool {
	_, err := entity.Decode(data)
	return err == nil
}

// recoverySource walks the recovery chain for a broken entity file: loose
// copies under backups/, then archive members newest first, then the newest
// revision snapshot.
func (m *Manager) recoverySource(path string) *candidate {
	name := filepath.Base(path)

	var loose []string
	filepath.WalkDir(m.paths.Backups, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p == m.paths.Safety {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == name {
			loose = append(loose, p)
		}
		return nil
	})
	sort.Strings(loose)
	for _, p := range loose {
		if data, err := os.ReadFile(p); err == nil && usable(data) {
			return &candidate{source: m.rel(p), data: data}
		}
	}

	if m.deps.Backups != nil {
		versions, err := m.deps.Backups.Files(name)
		if err != nil {
			m.log.Warn("could not search backup archives", zap.String("file", name), zap.Error(err))
		}
		for _, v := range versions {
			if usable(v.Data) {
				return &candidate{source: m.rel(v.Backup) + ":" + v.Member, data: v.Data}
			}
		}
	}

	id := strings.TrimSuffix(name, ".json")
	for _, snap := range m.snapshots(id) {
		if data, err := os.ReadFile(snap.path); err == nil && usable(data) {
			return &candidate{source: m.rel(snap.path), data: data}
		}
	}
	return nil
}

func latin1ToUTF8(data []byte) ([]byte, bool) {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil || !json.Valid(out) {
		return nil, false
	}
	return out, true
}

func (m *Manager) repairJSONLocked(ctx context.Context, dryRun bool) []Action {
	actions := make([]Action, 0)
	problems, _, err := m.scanJSON()
	if err != nil {
		return append(actions, Action{Check: CheckJSON, Target: m.rel(m.paths.Entities), Description: "scan entity files", Error: err.Error()})
	}

	for _, p := range problems {
		a := Action{Check: CheckJSON, Target: m.rel(p.Path)}

		if p.Kind == problemEncoding {
			data, err := os.ReadFile(p.Path)
			if err == nil {
				if fixed, ok := latin1ToUTF8(data); ok {
					a.Description = "re-encode from Latin-1 to UTF-8"
					m.apply(&a, dryRun, func() error { return m.restoreFile(ctx, p.Path, fixed) })
					actions = append(actions, a)
					continue
				}
			}
		}

		if c := m.recoverySource(p.Path); c != nil {
			a.Description = "restore from backup copy"
			a.Source = c.source
			m.apply(&a, dryRun, func() error { return m.restoreFile(ctx, p.Path, c.data) })
			actions = append(actions, a)
			continue
		}

		if p.Kind == problemEmpty {
			a.Description = "move empty file aside (safety copy, then remove)"
			m.apply(&a, dryRun, func() error {
				if _, err := m.safetyCopy(p.Path); err != nil {
					return err
				}
				return os.Remove(p.Path)
			})
			actions = append(actions, a)
			continue
		}

		a.Description = "no backup or snapshot of this file exists"
		a.Error = fmt.Sprintf("%s cannot be repaired automatically; fix it by hand or restore an older backup", a.Target)
		actions = append(actions, a)
	}
	return actions
}

func (m *Manager) apply(a *Action, dryRun bool, fn func() error) {
	if dryRun {
		return
	}
	if err := fn(); err != nil {
		a.Error = err.Error()
		m.log.Warn("repair step failed", zap.String("check", a.Check), zap.String("target", a.Target), zap.Error(err))
		return
	}
	a.Applied = true
}

// restoreFile replaces a broken file, keeping a safety copy of what was
// there, and re-indexes the entity in the store, mirror and graph.
func (m *Manager) restoreFile(ctx context.Context, path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		if _, err := m.safetyCopy(path); err != nil {
			return err
		}
	}
	if err := atomicio.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	e, err := m.deps.Store.ReindexFile(path)
	if err != nil {
		m.log.Warn("restored file could not be indexed", zap.String("path", path), zap.Error(err))
		return nil
	}
	if m.deps.Mirror != nil {
		if err := m.deps.Mirror.SyncEntity(ctx, e); err != nil {
			m.log.Warn("restored entity could not be mirrored", zap.String("entity_id", e.ID), zap.Error(err))
		}
	}
	if m.deps.Graph != nil {
		m.deps.Graph.MarkDirty(e.ID)
	}
	return nil
}

func (m *Manager) repairMirrorLocked(ctx context.Context, dryRun bool) []Action {
	if m.deps.Mirror == nil {
		return nil
	}
	a := Action{Check: CheckMirror, Target: "search database"}
	drift, err := m.mirrorDrift(ctx)
	if err != nil {
		a.Description = "rebuild the search database"
	} else if len(drift.missing) == 0 && len(drift.extra) == 0 {
		return nil
	} else {
		a.Description = fmt.Sprintf("rebuild the search database (%d missing, %d stale)", len(drift.missing), len(drift.extra))
	}
	m.apply(&a, dryRun, func() error {
		_, err := m.deps.Mirror.FullSync(ctx)
		return err
	})
	return []Action{a}
}

func (m *Manager) repairGraphLocked(dryRun bool) []Action {
	if m.deps.Graph == nil {
		return nil
	}
	check := m.CheckGraphConsistency()
	live := len(m.deps.Graph.Nodes())
	if check.Status == StatusHealthy && m.deps.Graph.Built() && live == m.countDisk() {
		return nil
	}
	a := Action{Check: CheckGraph, Target: "reference graph", Description: "rebuild the reference graph from entity files"}
	if n := len(check.Orphaned); n > 0 {
		a.Description += fmt.Sprintf(" (%d references point at missing entities and stay unresolved)", n)
	}
	m.apply(&a, dryRun, m.deps.Graph.Build)
	return []Action{a}
}

func (m *Manager) countDisk() int {
	disk, err := m.diskIDs()
	if err != nil {
		return -1
	}
	return len(disk)
}

// repairStateLocked rebuilds the entity index from disk. Unrelated keys in
// state.json are kept. Nothing happens when the file is already consistent.
func (m *Manager) repairStateLocked(dryRun bool) []Action {
	problems, raw, err := m.inspectState()
	if err != nil {
		return []Action{{Check: CheckState, Target: m.rel(m.paths.StateFile), Description: "inspect state file", Error: err.Error()}}
	}
	if !problems.any() {
		return nil
	}
	a := Action{
		Check:       CheckState,
		Target:      m.rel(m.paths.StateFile),
		Description: fmt.Sprintf("rebuild the entity index from disk (%d missing keys, %d index problems)", len(problems.badKeys), len(problems.drift)),
	}
	m.apply(&a, dryRun, func() error {
		if problems.unreadable {
			if _, err := os.Stat(m.paths.StateFile); err == nil {
				if _, err := m.safetyCopy(m.paths.StateFile); err != nil {
					return err
				}
			}
		}
		state, err := m.rebuildState(raw)
		if err != nil {
			return err
		}
		if err := entity.SaveState(m.paths.StateFile, state); err != nil {
			return err
		}
		return m.deps.Store.ReloadState()
	})
	return []Action{a}
}

func (m *Manager) rebuildState(raw map[string]json.RawMessage) (*entity.State, error) {
	state := entity.NewState()
	for key, v := range raw {
		switch key {
		case "current_step":
			json.Unmarshal(v, &state.CurrentStep)
		case "current_phase":
			json.Unmarshal(v, &state.CurrentPhase)
		case "completed_steps":
			json.Unmarshal(v, &state.CompletedSteps)
		case "in_progress_steps":
			json.Unmarshal(v, &state.InProgressSteps)
		case "entity_index":
		default:
			state.Extra[key] = v
		}
	}
	if state.CurrentStep < entity.MinStep || state.CurrentStep > entity.MaxStep {
		state.CurrentStep = entity.MinStep
	}
	if state.CompletedSteps == nil {
		state.CompletedSteps = []int{}
	}
	if state.InProgressSteps == nil {
		state.InProgressSteps = []int{}
	}

	entities, _, err := entity.ReadAll(m.paths.Entities)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		s := e.Summary()
		s.FilePath = entity.RelativePath(m.paths.Root, e.Path)
		state.EntityIndex[e.ID] = s
	}
	return state, nil
}

func (m *Manager) repairBookkeepingLocked(dryRun bool) []Action {
	if m.deps.Ledger == nil {
		return nil
	}
	scan, err := m.deps.Ledger.Scan()
	if err != nil {
		return []Action{{Check: CheckBookkeeping, Target: m.rel(m.paths.Bookkeeping), Description: "scan event log", Error: err.Error()}}
	}
	if scan.Healthy() {
		return nil
	}
	a := Action{Check: CheckBookkeeping, Target: m.rel(m.paths.Indexes), Description: "rebuild ledger indexes from the event log"}
	if n := len(scan.BadLines); n > 0 {
		a.Description += fmt.Sprintf(" (%d unreadable log lines are skipped, never rewritten)", n)
	}
	m.apply(&a, dryRun, func() error {
		_, err := m.deps.Ledger.RebuildIndexes()
		return err
	})
	return []Action{a}
}
