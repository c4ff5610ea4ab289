package backup

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"worldforge/internal/apperr"
	"worldforge/internal/atomicio"
	"worldforge/internal/entity"
)

type Change struct {
	ID     string   `json:"id"`
	Fields []string `json:"fields"`
}

// Diff compares an archive against the entities currently on disk. Added
// entities exist only on disk, removed ones only in the archive. Corrupt
// lists archive members that could not be read or decoded.
type Diff struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []Change `json:"modified"`
	Corrupt  []string `json:"corrupt"`
}

type RestoreResult struct {
	Preview    *Diff  `json:"preview"`
	Applied    bool   `json:"applied"`
	PreRestore string `json:"pre_restore,omitempty"`
	Files      int    `json:"files"`
}

// Version is one copy of an entity found inside a backup archive.
type Version struct {
	Backup    string    `json:"backup"`
	CreatedAt time.Time `json:"created_at"`
	Member    string    `json:"member"`
	Data      []byte    `json:"-"`
}

func (m *Manager) archivedEntities(zr *zip.Reader) (map[string]*entity.Entity, map[string]bool) {
	out := make(map[string]*entity.Entity)
	corrupt := make(map[string]bool)
	for _, f := range zr.File {
		id, ok := memberEntityID(f.Name)
		if !ok {
			continue
		}
		data, err := readMember(zr, f.Name)
		if err == nil {
			var e *entity.Entity
			if e, err = entity.Decode(data); err == nil {
				out[id] = e
				continue
			}
		}
		m.log.Warn("unreadable entity in backup archive", zap.String("member", f.Name), zap.Error(err))
		corrupt[id] = true
	}
	return out, corrupt
}

func (m *Manager) Compare(archive string) (*Diff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compareLocked(archive)
}

func (m *Manager) compareLocked(archive string) (*Diff, error) {
	zr, err := openArchive(archive)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	backed, corrupt := m.archivedEntities(&zr.Reader)
	current, _, err := entity.ReadAll(m.paths.Entities)
	if err != nil {
		return nil, err
	}
	onDisk := make(map[string]*entity.Entity, len(current))
	for _, e := range current {
		onDisk[e.ID] = e
	}

	diff := &Diff{Added: []string{}, Removed: []string{}, Modified: []Change{}, Corrupt: []string{}}
	for id := range corrupt {
		diff.Corrupt = append(diff.Corrupt, id)
	}
	for id, e := range onDisk {
		if corrupt[id] {
			continue
		}
		old, ok := backed[id]
		if !ok {
			diff.Added = append(diff.Added, id)
			continue
		}
		if fields := changedFields(old.Data, e.Data); len(fields) > 0 {
			diff.Modified = append(diff.Modified, Change{ID: id, Fields: fields})
		}
	}
	for id := range backed {
		if _, ok := onDisk[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Corrupt)
	sort.Slice(diff.Modified, func(i, j int) bool { return diff.Modified[i].ID < diff.Modified[j].ID })
	return diff, nil
}

func changedFields(a, b map[string]any) []string {
	keys := make(map[string]bool, len(a)+len(b))
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}
	fields := make([]string, 0)
	for k := range keys {
		if entity.IsInternalKey(k) {
			continue
		}
		if !reflect.DeepEqual(a[k], b[k]) {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}

// Restore replaces the user-world tree with the archive contents. Without
// confirm it only returns the preview. With confirm a pre_restore backup
// is always taken first.
func (m *Manager) Restore(archive string, confirm bool) (*RestoreResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !confirm {
		diff, err := m.compareLocked(archive)
		if err != nil {
			return nil, err
		}
		return &RestoreResult{Preview: diff}, nil
	}

	safety, err := m.createLocked(LabelPreRestore)
	if err != nil {
		return nil, fmt.Errorf("could not take pre-restore backup, nothing was changed: %w", err)
	}
	failed := func(err error) error {
		return fmt.Errorf("restore from %s failed; your previous world is saved in %s: %w", filepath.Base(archive), safety.Path, err)
	}

	diff, err := m.compareLocked(archive)
	if err != nil {
		return nil, failed(err)
	}
	zr, err := openArchive(archive)
	if err != nil {
		return nil, failed(err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name == ManifestName || strings.HasSuffix(f.Name, "/") {
			continue
		}
		if _, err := m.target(f.Name); err != nil {
			return nil, failed(err)
		}
	}

	if err := os.RemoveAll(m.paths.UserWorld); err != nil {
		return nil, failed(apperr.IO(m.paths.UserWorld, "could not clear current world", err))
	}
	files := 0
	for _, f := range zr.File {
		if f.Name == ManifestName || strings.HasSuffix(f.Name, "/") {
			continue
		}
		if err := m.extract(f); err != nil {
			return nil, failed(err)
		}
		files++
	}
	m.log.Info("backup restored", zap.String("archive", archive), zap.String("pre_restore", safety.Path), zap.Int("files", files))
	return &RestoreResult{Preview: diff, Applied: true, PreRestore: safety.Path, Files: files}, nil
}

// target maps an archive member onto the project tree. Members outside
// user-world, or that would escape it, are rejected.
func (m *Manager) target(member string) (string, error) {
	clean := path.Clean(member)
	if path.IsAbs(clean) || clean == "." || !strings.HasPrefix(clean, "user-world/") {
		return "", apperr.InvalidArgument(member, "archive member is outside the world directory")
	}
	dst := filepath.Join(m.paths.Root, filepath.FromSlash(clean))
	root := filepath.Clean(m.paths.UserWorld) + string(filepath.Separator)
	if !strings.HasPrefix(dst, root) {
		return "", apperr.InvalidArgument(member, "archive member escapes the world directory")
	}
	return dst, nil
}

func (m *Manager) extract(f *zip.File) error {
	dst, err := m.target(f.Name)
	if err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return apperr.Corrupt(f.Name, err, "pick another archive")
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return apperr.Corrupt(f.Name, err, "pick another archive")
	}
	return atomicio.WriteFile(dst, data, 0o644)
}

// RestoreEntity writes one entity file from the archive back into place
// after taking a pre_restore backup. It returns the restored path.
func (m *Manager) RestoreEntity(archive, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zr, err := openArchive(archive)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	var member *zip.File
	for _, f := range zr.File {
		if mid, ok := memberEntityID(f.Name); ok && mid == id {
			member = f
			break
		}
	}
	if member == nil {
		return "", apperr.NotFound(id, "entity is not in backup %s", filepath.Base(archive))
	}

	safety, err := m.createLocked(LabelPreRestore)
	if err != nil {
		return "", fmt.Errorf("could not take pre-restore backup, nothing was changed: %w", err)
	}
	if err := m.extract(member); err != nil {
		return "", fmt.Errorf("restoring %s failed; your previous world is saved in %s: %w", id, safety.Path, err)
	}
	dst, _ := m.target(member.Name)
	m.log.Info("entity restored", zap.String("id", id), zap.String("archive", archive))
	return dst, nil
}

// Versions returns every archived copy of an entity, newest backup first.
func (m *Manager) Versions(id string) ([]Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	backups, err := m.listLocked()
	if err != nil {
		return nil, err
	}
	out := make([]Version, 0)
	for _, b := range backups {
		zr, err := zip.OpenReader(b.Path)
		if err != nil {
			m.log.Warn("skipping unreadable backup", zap.String("path", b.Path), zap.Error(err))
			continue
		}
		for _, f := range zr.File {
			if mid, ok := memberEntityID(f.Name); !ok || mid != id {
				continue
			}
			data, err := readMember(&zr.Reader, f.Name)
			if err != nil {
				continue
			}
			out = append(out, Version{Backup: b.Path, CreatedAt: b.Manifest.CreatedAt, Member: f.Name, Data: data})
		}
		zr.Close()
	}
	return out, nil
}

// EntityHistory returns the archived versions of an entity oldest first.
func (m *Manager) EntityHistory(id string) ([]Version, error) {
	versions, err := m.Versions(id)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(versions)-1; i < j; i, j = i+1, j-1 {
		versions[i], versions[j] = versions[j], versions[i]
	}
	return versions, nil
}

// Files returns every archived copy of a user-world file whose base name
// is name, newest backup first.
func (m *Manager) Files(name string) ([]Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	backups, err := m.listLocked()
	if err != nil {
		return nil, err
	}
	out := make([]Version, 0)
	for _, b := range backups {
		zr, err := zip.OpenReader(b.Path)
		if err != nil {
			continue
		}
		for _, f := range zr.File {
			if f.Name == ManifestName || path.Base(f.Name) != name {
				continue
			}
			data, err := readMember(&zr.Reader, f.Name)
			if err != nil {
				continue
			}
			out = append(out, Version{Backup: b.Path, CreatedAt: b.Manifest.CreatedAt, Member: f.Name, Data: data})
		}
		zr.Close()
	}
	return out, nil
}
