package backup_test

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"worldforge/internal/apperr"
	"worldforge/internal/backup"
	"worldforge/internal/config"
	"worldforge/internal/entity"
	"worldforge/internal/template"
	"worldforge/internal/template/templatetest"
)

type fixture struct {
	paths  config.Paths
	store  *entity.Store
	backup *backup.Manager
}

func stepClock() func() time.Time {
	current := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	paths := config.NewPaths(t.TempDir())
	templatetest.Write(t, paths.Templates)
	reg, err := template.LoadRegistry(paths.Templates)
	require.NoError(t, err)
	store, err := entity.NewStore(paths, reg, zap.NewNop())
	require.NoError(t, err)
	return &fixture{paths: paths, store: store, backup: backup.New(paths, zap.NewNop(), backup.WithClock(stepClock()))}
}

func (f *fixture) god(t *testing.T, name string) string {
	t.Helper()
	id, err := f.store.Create("god-profile", map[string]any{"name": name, "domain_primary": "storms", "alignment": "neutral"})
	require.NoError(t, err)
	return id
}

func (f *fixture) path(t *testing.T, id string) string {
	t.Helper()
	p, err := f.store.Path(id)
	require.NoError(t, err)
	return p
}

func TestCreateWritesManifest(t *testing.T) {
	f := newFixture(t)
	f.god(t, "Thorin Stormkeeper")
	f.god(t, "Brina Tidecaller")
	_, err := f.store.Create("settlement", map[string]any{"name": "Harrowgate"})
	require.NoError(t, err)

	info, err := f.backup.Create("Before Storm!")
	require.NoError(t, err)
	assert.Equal(t, "backup_20260314T090001.000000Z_before_storm.zip", info.Name)
	assert.Equal(t, 3, info.Manifest.EntityCount)
	assert.Equal(t, map[string]int{"gods": 2, "settlements": 1}, info.Manifest.EntityCounts)
	assert.Equal(t, 4, info.Manifest.FileCount)
	assert.Equal(t, "before_storm", info.Manifest.Label)

	zr, err := zip.OpenReader(info.Path)
	require.NoError(t, err)
	defer zr.Close()
	names := map[string]bool{}
	for _, file := range zr.File {
		names[file.Name] = true
	}
	assert.True(t, names[backup.ManifestName])
	assert.True(t, names["user-world/state.json"])

	entries, err := os.ReadDir(f.paths.Backups)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}

func TestListNewestFirstWithFilenameFallback(t *testing.T) {
	f := newFixture(t)
	f.god(t, "Thorin Stormkeeper")

	first, err := f.backup.Create("")
	require.NoError(t, err)
	second, err := f.backup.Create("nightly")
	require.NoError(t, err)

	broken := filepath.Join(f.paths.Backups, "backup_20260314T100000.000000Z_broken.zip")
	require.NoError(t, os.WriteFile(broken, []byte("not a zip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.paths.Backups, "backup_garbage.zip"), []byte("x"), 0o644))

	list, err := f.backup.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, broken, list[0].Path)
	assert.True(t, list[0].FromFilename)
	assert.Equal(t, "broken", list[0].Manifest.Label)
	assert.Equal(t, second.Path, list[1].Path)
	assert.Equal(t, first.Path, list[2].Path)
}

func TestCompareReportsRemovedEntity(t *testing.T) {
	f := newFixture(t)
	a := f.god(t, "Thorin Stormkeeper")
	b := f.god(t, "Brina Tidecaller")

	info, err := f.backup.Create("")
	require.NoError(t, err)

	require.NoError(t, os.Remove(f.path(t, a)))
	_, err = f.store.Update(b, map[string]any{"alignment": "chaotic-good"})
	require.NoError(t, err)
	c := f.god(t, "Cael Emberheart")

	diff, err := f.backup.Compare(info.Path)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, diff.Removed)
	assert.Equal(t, []string{c}, diff.Added)
	assert.Equal(t, []backup.Change{{ID: b, Fields: []string{"alignment"}}}, diff.Modified)
}

func TestCompareFlagsCorruptArchiveMembers(t *testing.T) {
	f := newFixture(t)
	a := f.god(t, "Thorin Stormkeeper")
	b := f.god(t, "Brina Tidecaller")
	good, err := os.ReadFile(f.path(t, b))
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(f.paths.Backups, 0o755))
	archive := filepath.Join(f.paths.Backups, "backup_20260101T000000.000000Z_manual.zip")
	out, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for member, data := range map[string][]byte{
		"user-world/entities/gods/" + a + ".json": []byte("{broken"),
		"user-world/entities/gods/" + b + ".json": good,
	} {
		w, err := zw.Create(member)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())

	diff, err := f.backup.Compare(archive)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, diff.Corrupt)
	assert.Empty(t, diff.Added)
	assert.Empty(t, diff.Removed)
	assert.Empty(t, diff.Modified)
}

func TestCompareMissingArchive(t *testing.T) {
	f := newFixture(t)
	_, err := f.backup.Compare(filepath.Join(f.paths.Backups, "nope.zip"))
	assert.True(t, apperr.Is(err, apperr.ErrNotFound))
}

func TestRestorePreviewHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	a := f.god(t, "Thorin Stormkeeper")
	info, err := f.backup.Create("")
	require.NoError(t, err)
	require.NoError(t, os.Remove(f.path(t, a)))

	result, err := f.backup.Restore(info.Path, false)
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, []string{a}, result.Preview.Removed)
	assert.NoFileExists(t, f.path(t, a))

	list, err := f.backup.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRestoreTakesPreRestoreBackup(t *testing.T) {
	f := newFixture(t)
	a := f.god(t, "Thorin Stormkeeper")
	original, err := os.ReadFile(f.path(t, a))
	require.NoError(t, err)
	info, err := f.backup.Create("")
	require.NoError(t, err)

	require.NoError(t, os.Remove(f.path(t, a)))
	b := f.god(t, "Brina Tidecaller")

	result, err := f.backup.Restore(info.Path, true)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	require.NotEmpty(t, result.PreRestore)
	assert.FileExists(t, result.PreRestore)

	restored, err := os.ReadFile(filepath.Join(f.paths.Entities, "gods", a+".json"))
	require.NoError(t, err)
	assert.Equal(t, original, restored)
	assert.NoFileExists(t, filepath.Join(f.paths.Entities, "gods", b+".json"))

	// The pre-restore archive brings the newer world back.
	_, err = f.backup.Restore(result.PreRestore, true)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(f.paths.Entities, "gods", b+".json"))
	assert.NoFileExists(t, filepath.Join(f.paths.Entities, "gods", a+".json"))
}

func TestRestoreFailureNamesPreRestoreBackup(t *testing.T) {
	f := newFixture(t)
	f.god(t, "Thorin Stormkeeper")
	bad := filepath.Join(f.paths.Backups, "backup_20260101T000000.000000Z.zip")
	require.NoError(t, os.MkdirAll(f.paths.Backups, 0o755))
	require.NoError(t, os.WriteFile(bad, []byte("not a zip"), 0o644))

	_, err := f.backup.Restore(bad, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), backup.LabelPreRestore)

	list, err := f.backup.List()
	require.NoError(t, err)
	found := false
	for _, b := range list {
		if b.Manifest.Label == backup.LabelPreRestore {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRestoreRejectsEscapingMembers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.paths.Backups, 0o755))
	evil := filepath.Join(f.paths.Backups, "backup_20260101T000000.000000Z_evil.zip")
	out, err := os.Create(evil)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	w, err := zw.Create("user-world/../../escaped.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("boom"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())

	_, err = f.backup.Restore(evil, true)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(f.paths.Root), "escaped.txt"))
	assert.NoFileExists(t, filepath.Join(f.paths.Root, "escaped.txt"))
}

func TestRestoreEntity(t *testing.T) {
	f := newFixture(t)
	a := f.god(t, "Thorin Stormkeeper")
	b := f.god(t, "Brina Tidecaller")
	info, err := f.backup.Create("")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.path(t, a), []byte("{broken"), 0o644))
	_, err = f.store.Update(b, map[string]any{"alignment": "chaotic-good"})
	require.NoError(t, err)

	dst, err := f.backup.RestoreEntity(info.Path, a)
	require.NoError(t, err)
	e, err := entity.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, a, e.ID)

	eb, err := entity.ReadFile(f.path(t, b))
	require.NoError(t, err)
	assert.Equal(t, "chaotic-good", eb.Data["alignment"])

	_, err = f.backup.RestoreEntity(info.Path, "nobody-0000")
	assert.True(t, apperr.Is(err, apperr.ErrNotFound))
}

func TestCleanupKeepsNewest(t *testing.T) {
	f := newFixture(t)
	var created []string
	for i := 0; i < 4; i++ {
		info, err := f.backup.Create("")
		require.NoError(t, err)
		created = append(created, info.Path)
	}

	deleted, err := f.backup.Cleanup(2)
	require.NoError(t, err)
	assert.ElementsMatch(t, created[:2], deleted)

	list, err := f.backup.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, created[3], list[0].Path)

	_, err = f.backup.Cleanup(-1)
	assert.True(t, apperr.Is(err, apperr.ErrInvalidArgument))
}

func TestEntityHistoryOldestFirst(t *testing.T) {
	f := newFixture(t)
	a := f.god(t, "Thorin Stormkeeper")
	first, err := f.backup.Create("")
	require.NoError(t, err)
	_, err = f.store.Update(a, map[string]any{"alignment": "chaotic-good"})
	require.NoError(t, err)
	second, err := f.backup.Create("")
	require.NoError(t, err)

	history, err := f.backup.EntityHistory(a)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.Path, history[0].Backup)
	assert.Equal(t, second.Path, history[1].Backup)

	e, err := entity.Decode(history[1].Data)
	require.NoError(t, err)
	assert.Equal(t, "chaotic-good", e.Data["alignment"])

	files, err := f.backup.Files(a + ".json")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, second.Path, files[0].Backup)
}

func TestShouldAutoBackup(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		last    time.Time
		changes int
		want    bool
	}{
		{"never backed up", time.Time{}, 0, true},
		{"few changes recently", now.Add(-10 * time.Minute), 5, false},
		{"many changes", now.Add(-10 * time.Minute), 6, true},
		{"stale", now.Add(-61 * time.Minute), 0, true},
		{"exactly one hour", now.Add(-time.Hour), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, backup.ShouldAutoBackup(tt.last, tt.changes, now))
		})
	}
}
