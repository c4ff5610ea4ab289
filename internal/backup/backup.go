package backup

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"worldforge/internal/apperr"
	"worldforge/internal/atomicio"
	"worldforge/internal/config"
	"worldforge/internal/entity"
	"worldforge/internal/logging"
)

const (
	ManifestName    = "manifest.json"
	FormatVersion   = 1
	LabelPreRestore = "pre_restore"

	filePrefix = "backup_"
	fileSuffix = ".zip"
)

var labelUnsafe = regexp.MustCompile(`[^a-z0-9_-]+`)

type Manifest struct {
	CreatedAt     time.Time      `json:"created_at"`
	Label         string         `json:"label,omitempty"`
	EntityCount   int            `json:"entity_count"`
	EntityCounts  map[string]int `json:"entity_counts"`
	CurrentStep   int            `json:"current_step"`
	FileCount     int            `json:"file_count"`
	FormatVersion int            `json:"format_version"`
}

type Info struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Manifest *Manifest `json:"manifest"`
	// FromFilename is set when the manifest could not be read and the
	// metadata was parsed from the archive name instead.
	FromFilename bool `json:"from_filename,omitempty"`
}

type Manager struct {
	mu    sync.Mutex
	paths config.Paths
	log   *zap.Logger
	now   func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func New(paths config.Paths, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		paths: paths,
		log:   logging.OrNop(log).Named("backup"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sanitizeLabel(label string) string {
	label = labelUnsafe.ReplaceAllString(strings.ToLower(strings.TrimSpace(label)), "_")
	return strings.Trim(label, "_-")
}

func archiveName(ts time.Time, label string) string {
	name := filePrefix + ts.UTC().Format(entity.SnapshotTimeLayout)
	if label != "" {
		name += "_" + label
	}
	return name + fileSuffix
}

// parseArchiveName recovers the timestamp and label embedded in an archive
// name by archiveName.
func parseArchiveName(name string) (time.Time, string, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	n := len(entity.SnapshotTimeLayout)
	if len(rest) < n {
		return time.Time{}, "", false
	}
	ts, err := time.Parse(entity.SnapshotTimeLayout, rest[:n])
	if err != nil {
		return time.Time{}, "", false
	}
	label := strings.TrimPrefix(rest[n:], "_")
	return ts.UTC(), label, true
}

func (m *Manager) Create(label string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(label)
}

func (m *Manager) createLocked(label string) (*Info, error) {
	label = sanitizeLabel(label)
	now := m.now().UTC()
	name := archiveName(now, label)
	final := filepath.Join(m.paths.Backups, name)

	if err := os.MkdirAll(m.paths.Backups, 0o755); err != nil {
		return nil, apperr.IO(m.paths.Backups, "could not create backups directory", err)
	}
	tmp, err := os.CreateTemp(m.paths.Backups, "."+name+".*.tmp")
	if err != nil {
		return nil, apperr.IO(final, "could not create temporary archive", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (*Info, error) {
		tmp.Close()
		os.Remove(tmpName)
		return nil, err
	}

	manifest := &Manifest{
		CreatedAt:     now,
		Label:         label,
		EntityCounts:  map[string]int{},
		FormatVersion: FormatVersion,
	}
	if state, err := entity.LoadState(m.paths.StateFile); err == nil {
		manifest.CurrentStep = state.CurrentStep
	}

	zw := zip.NewWriter(tmp)
	err = filepath.WalkDir(m.paths.UserWorld, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == m.paths.UserWorld {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || atomicio.IsTempFile(p) {
			return nil
		}
		rel, err := filepath.Rel(m.paths.Root, p)
		if err != nil {
			return err
		}
		if err := addFile(zw, p, filepath.ToSlash(rel), d); err != nil {
			return err
		}
		manifest.FileCount++
		if entityType, ok := entityMemberType(filepath.ToSlash(rel)); ok {
			manifest.EntityCount++
			manifest.EntityCounts[entityType]++
		}
		return nil
	})
	if err != nil {
		return fail(apperr.IO(m.paths.UserWorld, "could not archive world files", err))
	}

	data, err := atomicio.Marshal(manifest)
	if err != nil {
		return fail(fmt.Errorf("encoding backup manifest: %w", err))
	}
	w, err := zw.Create(ManifestName)
	if err == nil {
		_, err = w.Write(data)
	}
	if err == nil {
		err = zw.Close()
	}
	if err != nil {
		return fail(apperr.IO(final, "could not write archive", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(apperr.IO(final, "could not flush archive to disk", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, apperr.IO(final, "could not close archive", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return nil, apperr.IO(final, "could not move archive into place", err)
	}

	st, err := os.Stat(final)
	if err != nil {
		return nil, apperr.IO(final, "could not stat archive", err)
	}
	m.log.Info("backup created", zap.String("path", final), zap.Int("entities", manifest.EntityCount), zap.Int("files", manifest.FileCount))
	return &Info{Path: final, Name: name, Size: st.Size(), Manifest: manifest}, nil
}

func addFile(zw *zip.Writer, src, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate
	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// entityMemberType reports the entity type of an archive member under
// user-world/entities/<type>/<id>.json.
func entityMemberType(member string) (string, bool) {
	parts := strings.Split(member, "/")
	if len(parts) != 4 || parts[0] != "user-world" || parts[1] != "entities" || path.Ext(parts[3]) != ".json" {
		return "", false
	}
	return parts[2], true
}

func memberEntityID(member string) (string, bool) {
	if _, ok := entityMemberType(member); !ok {
		return "", false
	}
	return strings.TrimSuffix(path.Base(member), ".json"), true
}

func (m *Manager) List() ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

func (m *Manager) listLocked() ([]Info, error) {
	matches, err := filepath.Glob(filepath.Join(m.paths.Backups, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	out := make([]Info, 0, len(matches))
	for _, p := range matches {
		info := Info{Path: p, Name: filepath.Base(p)}
		if st, err := os.Stat(p); err == nil {
			info.Size = st.Size()
		}
		manifest, err := readManifest(p)
		if err != nil {
			ts, label, ok := parseArchiveName(info.Name)
			if !ok {
				m.log.Warn("skipping backup with unreadable manifest and name", zap.String("path", p), zap.Error(err))
				continue
			}
			manifest = &Manifest{CreatedAt: ts, Label: label, EntityCounts: map[string]int{}}
			info.FromFilename = true
		}
		info.Manifest = manifest
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Manifest.CreatedAt, out[j].Manifest.CreatedAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

func readManifest(archive string) (*Manifest, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	data, err := readMember(&zr.Reader, ManifestName)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	if manifest.EntityCounts == nil {
		manifest.EntityCounts = map[string]int{}
	}
	return &manifest, nil
}

func readMember(zr *zip.Reader, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func openArchive(p string) (*zip.ReadCloser, error) {
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.NotFound(p, "backup archive does not exist")
		}
		return nil, apperr.IO(p, "could not access backup archive", err)
	}
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, apperr.Corrupt(p, err, "pick another archive from \"worldforge backup list\"")
	}
	return zr, nil
}

// ShouldAutoBackup reports whether enough has changed since the last
// backup to take another one.
func ShouldAutoBackup(last time.Time, changes int, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return changes > 5 || now.Sub(last) > time.Hour
}

// Cleanup deletes all but the keep newest backups. Individual delete
// failures are logged and skipped.
func (m *Manager) Cleanup(keep int) ([]string, error) {
	if keep < 0 {
		return nil, apperr.InvalidArgument("keep", "must not be negative, got %d", keep)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	backups, err := m.listLocked()
	if err != nil {
		return nil, err
	}
	deleted := make([]string, 0)
	for i := keep; i < len(backups); i++ {
		if err := os.Remove(backups[i].Path); err != nil {
			m.log.Warn("could not delete old backup", zap.String("path", backups[i].Path), zap.Error(err))
			continue
		}
		deleted = append(deleted, backups[i].Path)
	}
	return deleted, nil
}
