package recovery

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"worldforge/internal/apperr"
	"worldforge/internal/atomicio"
	"worldforge/internal/entity"
)

const (
	SourceCurrent  = "current"
	SourceSnapshot = "snapshot"
	SourceBackup   = "backup"
)

type EntityVersion struct {
	Source    string    `json:"source"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Valid     bool      `json:"valid"`
	Data      []byte    `json:"-"`
}

type Recovered struct {
	Entity  *entity.Entity `json:"-"`
	Version EntityVersion  `json:"version"`
}

type snapshotFile struct {
	path string
	ts   time.Time
}

// snapshots lists revision snapshots of id, newest first.
func (m *Manager) snapshots(id string) []snapshotFile {
	matches, _ := filepath.Glob(filepath.Join(m.paths.Snapshots, id+"_*.json"))
	out := make([]snapshotFile, 0, len(matches))
	for _, p := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), id+"_"), ".json")
		ts, err := time.Parse(entity.SnapshotTimeLayout, stamp)
		if err != nil {
			continue
		}
		out = append(out, snapshotFile{path: p, ts: ts.UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ts.After(out[j].ts) })
	return out
}

func (m *Manager) currentPath(id string) string {
	matches, _ := filepath.Glob(filepath.Join(m.paths.Entities, "*", id+".json"))
	if len(matches) > 0 {
		return matches[0]
	}
	return ""
}

// FindEntityVersions collects every known copy of an entity: the current
// file, revision snapshots and backup archive members, newest first.
func (m *Manager) FindEntityVersions(id string) ([]EntityVersion, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.InvalidArgument("id", "must not be empty")
	}
	versions := make([]EntityVersion, 0)

	if path := m.currentPath(id); path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			v := EntityVersion{Source: SourceCurrent, Path: path, Data: data}
			if e, err := entity.Decode(data); err == nil {
				v.Valid = true
				v.Timestamp = e.Meta.UpdatedAt
			} else if st, err := os.Stat(path); err == nil {
				v.Timestamp = st.ModTime().UTC()
			}
			versions = append(versions, v)
		}
	}

	for _, snap := range m.snapshots(id) {
		data, err := os.ReadFile(snap.path)
		if err != nil {
			continue
		}
		versions = append(versions, EntityVersion{Source: SourceSnapshot, Path: snap.path, Timestamp: snap.ts, Valid: usable(data), Data: data})
	}

	if m.deps.Backups != nil {
		archived, err := m.deps.Backups.Versions(id)
		if err != nil {
			return nil, err
		}
		for _, v := range archived {
			versions = append(versions, EntityVersion{Source: SourceBackup, Path: v.Backup, Timestamp: v.CreatedAt, Valid: usable(v.Data), Data: v.Data})
		}
	}

	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Timestamp.After(versions[j].Timestamp)
	})
	return versions, nil
}

// RecoverEntity returns the current entity if it parses, otherwise the
// newest readable earlier version. It never writes.
func (m *Manager) RecoverEntity(id string) (*Recovered, error) {
	versions, err := m.FindEntityVersions(id)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.Source == SourceCurrent && v.Valid {
			return recovered(v)
		}
	}
	for _, v := range versions {
		if v.Source != SourceCurrent && v.Valid {
			return recovered(v)
		}
	}
	return nil, apperr.NotFound(id, "no readable version of this entity exists in its file, snapshots or backups")
}

func recovered(v EntityVersion) (*Recovered, error) {
	e, err := entity.Decode(v.Data)
	if err != nil {
		return nil, apperr.Corrupt(v.Path, err, "")
	}
	return &Recovered{Entity: e, Version: v}, nil
}

type Rollback struct {
	Path       string        `json:"path"`
	SafetyCopy string        `json:"safety_copy,omitempty"`
	Version    EntityVersion `json:"version"`
}

// RollbackEntity replaces the entity file with the earlier version taken at
// ts. The current file is copied to the safety directory first.
func (m *Manager) RollbackEntity(id string, ts time.Time) (*Rollback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, err := m.FindEntityVersions(id)
	if err != nil {
		return nil, err
	}
	var chosen *EntityVersion
	for i := range versions {
		v := versions[i]
		if v.Source != SourceCurrent && v.Valid && v.Timestamp.Equal(ts) {
			chosen = &v
			break
		}
	}
	if chosen == nil {
		return nil, apperr.NotFound(id, "no readable version at %s; list versions with \"worldforge health versions %s\"", ts.UTC().Format(time.RFC3339Nano), id)
	}
	e, err := entity.Decode(chosen.Data)
	if err != nil {
		return nil, apperr.Corrupt(chosen.Path, err, "")
	}

	result := &Rollback{Version: *chosen}
	path := m.currentPath(id)
	if path != "" {
		copyPath, err := m.safetyCopy(path)
		if err != nil {
			return nil, err
		}
		result.SafetyCopy = copyPath
	} else {
		path = m.paths.EntityFile(e.Meta.EntityType, id)
	}
	if err := atomicio.WriteFile(path, chosen.Data, 0o644); err != nil {
		return nil, err
	}
	result.Path = path
	if _, err := m.deps.Store.ReindexFile(path); err != nil {
		m.log.Warn("rolled back file could not be indexed", zap.String("path", path), zap.Error(err))
	}
	m.log.Info("entity rolled back", zap.String("id", id), zap.String("source", chosen.Source), zap.Time("version", ts))
	return result, nil
}
