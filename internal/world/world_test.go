package world

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"worldforge/internal/apperr"
	"worldforge/internal/config"
	"worldforge/internal/entity"
	"worldforge/internal/ledger"
	"worldforge/internal/template/templatetest"
)

func stepClock() func() time.Time {
	current := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func openWorld(t *testing.T, root string, cfg *config.ProjectConfig) *World {
	t.Helper()
	templatetest.Write(t, config.NewPaths(root).Templates)
	w, err := Open(context.Background(), root, cfg, zap.NewNop(), WithClock(stepClock()))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close(context.Background()) })
	return w
}

func god(t *testing.T, w *World, name string, extra map[string]any) *Change {
	t.Helper()
	data := map[string]any{"name": name, "domain_primary": "storms", "alignment": "neutral"}
	for k, v := range extra {
		data[k] = v
	}
	c, err := w.CreateEntity(context.Background(), "god-profile", data)
	require.NoError(t, err)
	return c
}

func drain(sub *Subscription) []Message {
	var out []Message
	for {
		select {
		case m := <-sub.C:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestCreateEntityUpdatesDerivedStores(t *testing.T) {
	ctx := context.Background()
	w := openWorld(t, t.TempDir(), nil)
	sub := w.Bus().Subscribe(8, TopicEntityChanged)

	brina := god(t, w, "Brina Tidecaller", nil)
	thorin := god(t, w, "Thorin Stormkeeper", map[string]any{"allies": []any{brina.ID}})

	assert.Empty(t, brina.NewReferences)
	require.Len(t, thorin.NewReferences, 1)
	assert.Equal(t, brina.ID, thorin.NewReferences[0].Target)

	rows, err := w.Mirror().Search(ctx, "Thorin")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, thorin.ID, rows[0].ID)

	neighbors := w.Graph().Neighbors(thorin.ID, 1)
	require.Len(t, neighbors, 1)
	assert.Equal(t, brina.ID, neighbors[0].ID)

	_, err = w.Ledger().RebuildIndexes()
	require.NoError(t, err)
	registry, err := w.Ledger().Registry()
	require.NoError(t, err)
	assert.Contains(t, registry, brina.ID)
	assert.Contains(t, registry, thorin.ID)
	refs, err := w.Ledger().CrossReferences()
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, ledger.CrossReference{
		Timestamp:    refs[0].Timestamp,
		SourceID:     thorin.ID,
		TargetID:     brina.ID,
		Relationship: "gods",
		Field:        "allies",
	}, refs[0])

	msgs := drain(sub)
	require.Len(t, msgs, 2)
	assert.Equal(t, ChangeCreated, msgs[1].Change)
	assert.Equal(t, thorin.ID, msgs[1].EntityID)
}

func TestUpdateEntityRecordsOnlyNewReferences(t *testing.T) {
	ctx := context.Background()
	w := openWorld(t, t.TempDir(), nil)
	a := god(t, w, "Asha Brightwind", nil)
	b := god(t, w, "Bren Stoneheart", nil)
	thorin := god(t, w, "Thorin Stormkeeper", map[string]any{"allies": []any{a.ID}})

	c, err := w.UpdateEntity(ctx, thorin.ID, map[string]any{"allies": []any{a.ID, b.ID}})
	require.NoError(t, err)
	require.Len(t, c.NewReferences, 1)
	assert.Equal(t, b.ID, c.NewReferences[0].Target)
	assert.Contains(t, c.Snapshot, "bookkeeping/revisions/snapshots/"+thorin.ID+"_")

	_, err = w.Ledger().RebuildIndexes()
	require.NoError(t, err)
	history, err := w.Ledger().EntityHistory(thorin.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ledger.EventEntityRevised, history[1].EventType)
	assert.Equal(t, []string{"allies"}, history[1].ChangedFields)
	assert.Equal(t, c.Snapshot, history[1].Snapshot)

	refs, err := w.Ledger().CrossReferences()
	require.NoError(t, err)
	assert.Len(t, refs, 2)
	assert.Len(t, w.Graph().Neighbors(thorin.ID, 1), 2)
}

func TestSetStatusRecordsTransition(t *testing.T) {
	ctx := context.Background()
	w := openWorld(t, t.TempDir(), nil)
	thorin := god(t, w, "Thorin Stormkeeper", nil)

	_, err := w.SetStatus(ctx, thorin.ID, entity.StatusCanon)
	require.NoError(t, err)
	_, err = w.SetStatus(ctx, thorin.ID, entity.StatusCanon)
	require.NoError(t, err)
	_, err = w.SetStatus(ctx, thorin.ID, "published")
	assert.True(t, apperr.Is(err, apperr.ErrInvalidArgument))

	rows, err := w.Mirror().QueryByStatus(ctx, entity.StatusCanon)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = w.Ledger().RebuildIndexes()
	require.NoError(t, err)
	history, err := w.Ledger().EntityHistory(thorin.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, entity.StatusDraft, history[1].From)
	assert.Equal(t, entity.StatusCanon, history[1].To)
}

func TestSetStepStatus(t *testing.T) {
	w := openWorld(t, t.TempDir(), nil)
	require.NoError(t, w.SetStepStatus(7, entity.StepInProgress))
	assert.Equal(t, 7, w.Store().State().CurrentStep)
	assert.Error(t, w.SetStepStatus(99, entity.StepCompleted))

	_, err := w.Ledger().RebuildIndexes()
	require.NoError(t, err)
	progression, err := w.Ledger().Progression()
	require.NoError(t, err)
	assert.Equal(t, []int{7}, progression.InProgress)
}

func TestAutoBackupCadence(t *testing.T) {
	w := openWorld(t, t.TempDir(), nil)
	var taken []int
	for i, name := range []string{"Asha", "Bren", "Cael", "Dorn", "Esk", "Fenn", "Gale"} {
		if c := god(t, w, name, nil); c.AutoBackup != nil {
			taken = append(taken, i)
		}
	}
	assert.Equal(t, []int{0, 6}, taken)
	backups, err := w.Backups().List()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
	assert.Equal(t, autoBackupLabel, backups[0].Manifest.Label)
}

func TestAutoBackupDisabled(t *testing.T) {
	cfg := config.Default("test")
	off := false
	cfg.Backup.Auto = &off
	w := openWorld(t, t.TempDir(), cfg)
	for _, name := range []string{"Asha", "Bren"} {
		assert.Nil(t, god(t, w, name, nil).AutoBackup)
	}
	backups, err := w.Backups().List()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRestoreRebuildsDerivedStores(t *testing.T) {
	ctx := context.Background()
	w := openWorld(t, t.TempDir(), nil)
	a := god(t, w, "Asha Brightwind", nil)
	base, err := w.CreateBackup("base")
	require.NoError(t, err)
	b := god(t, w, "Bren Stoneheart", map[string]any{"allies": []any{a.ID}})
	sub := w.Bus().Subscribe(4, TopicWorldRestored)

	preview, err := w.Restore(ctx, base.Path, false)
	require.NoError(t, err)
	assert.False(t, preview.Applied)
	assert.Equal(t, []string{b.ID}, preview.Preview.Added)
	assert.True(t, w.Store().Exists(b.ID))

	result, err := w.Restore(ctx, base.Path, true)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.NotEmpty(t, result.PreRestore)

	ids, err := w.Mirror().EntityIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)
	_, ok := w.Graph().Node(b.ID)
	assert.False(t, ok)
	assert.False(t, w.Store().Exists(b.ID))
	assert.Len(t, drain(sub), 1)
}

func TestRepairAnnouncesAppliedRepairs(t *testing.T) {
	ctx := context.Background()
	w := openWorld(t, t.TempDir(), nil)
	a := god(t, w, "Asha Brightwind", nil)
	sub := w.Bus().Subscribe(4, TopicWorldRepaired)

	path, err := w.Store().Path(a.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	dry := w.Repair(ctx, true)
	assert.NotEmpty(t, dry.Actions)
	assert.Empty(t, drain(sub))

	report := w.Repair(ctx, false)
	assert.Zero(t, report.Failed)
	assert.Len(t, drain(sub), 1)
	e, err := entity.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Asha Brightwind", e.Data["name"])
}

func TestOpenPrimesEmptyMirror(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	w := openWorld(t, root, nil)
	a := god(t, w, "Asha Brightwind", nil)
	require.NoError(t, w.Close(ctx))

	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(filepath.Join(root, "runtime", "world.db"+suffix))
	}

	again := openWorld(t, root, nil)
	ids, err := again.Mirror().EntityIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)
	assert.True(t, again.Graph().Built())
}

func TestOpenRejectsUnknownMirrorScheme(t *testing.T) {
	root := t.TempDir()
	templatetest.Write(t, config.NewPaths(root).Templates)
	cfg := config.Default("test")
	cfg.Mirror.DSN = "mysql://localhost/world"
	_, err := Open(context.Background(), root, cfg, zap.NewNop())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ErrInvalidArgument))
}

func TestWatcherFollowsHandEdits(t *testing.T) {
	cfg := config.Default("test")
	cfg.Watch.Debounce = 20 * time.Millisecond
	w := openWorld(t, t.TempDir(), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := w.Paths().EntityFile("gods", "hand-0001")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	wt, err := w.NewWatcher()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- wt.Run(ctx) }()
	select {
	case <-wt.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not start")
	}

	e := &entity.Entity{
		ID:   "hand-0001",
		Meta: entity.Meta{ID: "hand-0001", TemplateID: "god-profile", EntityType: "gods", Status: entity.StatusDraft},
		Data: map[string]any{"name": "Handwritten Hera", "domain_primary": "ink", "alignment": "neutral"},
	}
	require.NoError(t, entity.WriteFile(path, e))

	inMirror := func() bool {
		ids, err := w.Mirror().EntityIDs(context.Background())
		require.NoError(t, err)
		for _, id := range ids {
			if id == "hand-0001" {
				return true
			}
		}
		return false
	}
	require.Eventually(t, inMirror, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := w.Graph().Node("hand-0001")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, w.Store().Exists("hand-0001"))

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return !inMirror() }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
