package mirror_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"worldforge/internal/apperr"
	"worldforge/internal/config"
	"worldforge/internal/entity"
	"worldforge/internal/mirror"
	"worldforge/internal/mirror/sqlite"
	"worldforge/internal/template"
	"worldforge/internal/template/templatetest"
)

type world struct {
	paths  config.Paths
	store  *entity.Store
	mirror *mirror.Mirror
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	paths := config.NewPaths(t.TempDir())
	templatetest.Write(t, paths.Templates)
	reg, err := template.LoadRegistry(paths.Templates)
	require.NoError(t, err)
	store, err := entity.NewStore(paths, reg, zap.NewNop())
	require.NoError(t, err)

	backend, err := sqlite.New(ctx, "sqlite://"+filepath.Join(paths.Runtime, "world.db"))
	require.NoError(t, err)
	m := mirror.New(backend, paths.Entities, reg, zap.NewNop())
	t.Cleanup(func() { m.Close(ctx) })
	return &world{paths: paths, store: store, mirror: m}
}

func (w *world) seed(t *testing.T) (thorin, brina string) {
	t.Helper()
	brina, err := w.store.Create("god-profile", map[string]any{
		"name": "Brina Tidecaller", "domain_primary": "tides", "alignment": "neutral",
	})
	require.NoError(t, err)
	thorin, err = w.store.Create("god-profile", map[string]any{
		"name": "Thorin Stormkeeper", "domain_primary": "storms", "alignment": "neutral-good",
		"allies": []any{brina},
	})
	require.NoError(t, err)
	_, err = w.store.Create("settlement", map[string]any{
		"name": "Harrowgate", "patron_god_id": thorin, "population": 1200,
	})
	require.NoError(t, err)
	return thorin, brina
}

func TestFullSyncIsIdempotent(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	thorin, _ := w.seed(t)

	snapshot := func() ([]mirror.EntityRow, []mirror.CrossRefRow, []mirror.ClaimRow, *mirror.Stats) {
		n, err := w.mirror.FullSync(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, n)
		rows, err := w.mirror.QueryByType(ctx, "gods")
		require.NoError(t, err)
		refs, err := w.mirror.QueryCrossReferences(ctx, thorin)
		require.NoError(t, err)
		claims, err := w.mirror.QueryClaims(ctx, "", "")
		require.NoError(t, err)
		stats, err := w.mirror.Stats(ctx)
		require.NoError(t, err)
		return rows, refs, claims, stats
	}

	rows1, refs1, claims1, stats1 := snapshot()
	rows2, refs2, claims2, stats2 := snapshot()
	assert.Equal(t, rows1, rows2)
	assert.Equal(t, refs1, refs2)
	assert.Equal(t, claims1, claims2)
	assert.Equal(t, stats1, stats2)

	require.Len(t, rows1, 2)
	assert.Equal(t, 3, stats1.TotalEntities)
	assert.Equal(t, 2, stats1.CrossReference)
}

func TestFullSyncSkipsUnreadableFiles(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.seed(t)

	broken := filepath.Join(w.paths.Entities, "gods", "broken-0000.json")
	require.NoError(t, os.WriteFile(broken, []byte("{not json"), 0o644))

	n, err := w.mirror.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSyncAndRemoveEntity(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	thorin, brina := w.seed(t)
	_, err := w.mirror.FullSync(ctx)
	require.NoError(t, err)

	_, err = w.store.Update(thorin, map[string]any{"name": "Thorin the Quiet"})
	require.NoError(t, err)
	e, err := w.store.Get(thorin)
	require.NoError(t, err)
	require.NoError(t, w.mirror.SyncEntity(ctx, e))

	rows, err := w.mirror.Search(ctx, "quiet")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, thorin, rows[0].ID)

	refs, err := w.mirror.QueryCrossReferences(ctx, brina)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, mirror.DirectionInbound, refs[0].Direction)
	assert.Equal(t, "Thorin the Quiet", refs[0].OtherName)

	require.NoError(t, w.mirror.RemoveEntity(ctx, thorin))
	ids, err := w.mirror.EntityIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, thorin)
	assert.Len(t, ids, 2)
}

func TestQueries(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.seed(t)
	_, err := w.mirror.FullSync(ctx)
	require.NoError(t, err)

	rows, err := w.mirror.QueryByStep(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	rows, err = w.mirror.QueryByStatus(ctx, entity.StatusCanon)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = w.mirror.Search(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, rows)

	claims, err := w.mirror.QueryClaims(ctx, "", "storms")
	require.NoError(t, err)
	require.NotEmpty(t, claims)

	result, err := w.mirror.ReadOnly(ctx, "SELECT COUNT(*) AS n FROM entities;")
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.EqualValues(t, 3, result[0]["n"])

	_, err = w.mirror.ReadOnly(ctx, "DROP TABLE entities")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ErrInvalidArgument))
}

func TestQueryAllPagesPastTheLimit(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.seed(t)
	_, err := w.mirror.FullSync(ctx)
	require.NoError(t, err)

	q := mirror.Eq("step_created", 1)
	q.Limit = 2
	page, err := w.mirror.Structured(ctx, q)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rows, err := w.mirror.QueryAll(ctx, q)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Brina Tidecaller", "Harrowgate", "Thorin Stormkeeper"},
		[]string{rows[0].Name, rows[1].Name, rows[2].Name})
}
