package graph_test

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"worldforge/internal/config"
	"worldforge/internal/entity"
	"worldforge/internal/graph"
	"worldforge/internal/template"
	"worldforge/internal/template/templatetest"
)

type fixture struct {
	paths config.Paths
	reg   *template.Registry
	store *entity.Store
	graph *graph.Graph
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	paths := config.NewPaths(t.TempDir())
	templatetest.Write(t, paths.Templates)
	reg, err := template.LoadRegistry(paths.Templates)
	require.NoError(t, err)
	store, err := entity.NewStore(paths, reg, zap.NewNop())
	require.NoError(t, err)
	return &fixture{paths: paths, reg: reg, store: store, graph: graph.New(paths.Entities, reg, zap.NewNop())}
}

func (f *fixture) god(t *testing.T, name string, extra map[string]any) string {
	t.Helper()
	data := map[string]any{"name": name, "domain_primary": "storms", "alignment": "neutral"}
	for k, v := range extra {
		data[k] = v
	}
	id, err := f.store.Create("god-profile", data)
	require.NoError(t, err)
	return id
}

func ids(neighbors []graph.Neighbor) []string {
	out := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		out = append(out, n.ID)
	}
	return out
}

func TestBuildNeighborsAndOrphans(t *testing.T) {
	f := newFixture(t)
	b := f.god(t, "Brina Tidecaller", nil)
	a := f.god(t, "Thorin Stormkeeper", map[string]any{"allies": []any{b}})

	require.NoError(t, f.graph.Build())

	assert.Equal(t, []string{b}, ids(f.graph.Neighbors(a, 1)))
	assert.Equal(t, []string{a}, ids(f.graph.Neighbors(b, 1)))
	assert.Empty(t, f.graph.Orphans())
	assert.Empty(t, f.graph.Neighbors("missing-0000", 2))

	edges := f.graph.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, graph.Edge{Source: a, Target: b, Type: "gods", Field: "allies"}, edges[0])
}

func TestBuildIsRepeatable(t *testing.T) {
	f := newFixture(t)
	b := f.god(t, "Brina Tidecaller", nil)
	a := f.god(t, "Thorin Stormkeeper", map[string]any{"allies": []any{b}, "pantheon_id": "aesir-0001"})
	_, err := f.store.Create("settlement", map[string]any{"name": "Harrowgate", "patron_god_id": a})
	require.NoError(t, err)

	require.NoError(t, f.graph.Build())
	nodes, edges, orphaned := f.graph.Nodes(), f.graph.Edges(), f.graph.OrphanedReferences()
	require.NoError(t, f.graph.Build())

	assert.Equal(t, nodes, f.graph.Nodes())
	assert.Equal(t, edges, f.graph.Edges())
	assert.Equal(t, orphaned, f.graph.OrphanedReferences())
	assert.Len(t, nodes, 3)
	assert.Len(t, edges, 2)
}

func TestUnresolvedReferencesAreReported(t *testing.T) {
	f := newFixture(t)
	a := f.god(t, "Thorin Stormkeeper", map[string]any{
		"pantheon_id":   "aesir-0001",
		"relationships": []any{map[string]any{"target_id": "loki-beef", "kind": "rival"}},
	})
	require.NoError(t, f.graph.Build())

	assert.Equal(t, []graph.OrphanedReference{
		{Source: a, Target: "aesir-0001", Type: "pantheon", Field: "pantheon_id"},
		{Source: a, Target: "loki-beef", Type: "relationships", Field: "relationships.target_id"},
	}, f.graph.OrphanedReferences())
	assert.Equal(t, 2, f.graph.Stats().Pending)
}

func TestPendingReferencesResolveOnAdd(t *testing.T) {
	f := newFixture(t)
	b := f.god(t, "Brina Tidecaller", nil)
	a := f.god(t, "Thorin Stormkeeper", map[string]any{"allies": []any{b}})
	ea, err := f.store.Get(a)
	require.NoError(t, err)
	eb, err := f.store.Get(b)
	require.NoError(t, err)

	f.graph.AddEntity(ea)
	assert.Empty(t, f.graph.Edges())
	require.Len(t, f.graph.OrphanedReferences(), 1)

	f.graph.AddEntity(eb)
	assert.Len(t, f.graph.Edges(), 1)
	assert.Empty(t, f.graph.OrphanedReferences())

	f.graph.RemoveEntity(b)
	assert.Empty(t, f.graph.Edges())
	assert.Equal(t, []graph.OrphanedReference{{Source: a, Target: b, Type: "gods", Field: "allies"}}, f.graph.OrphanedReferences())

	f.graph.AddEntity(eb)
	assert.Len(t, f.graph.Edges(), 1)
}

func TestMarkDirtyRefreshesIncrementally(t *testing.T) {
	f := newFixture(t)
	b := f.god(t, "Brina Tidecaller", nil)
	a := f.god(t, "Thorin Stormkeeper", nil)

	require.NoError(t, f.graph.RebuildIfDirty())
	require.True(t, f.graph.Built())
	assert.Len(t, f.graph.Orphans(), 2)

	_, err := f.store.Update(a, map[string]any{"allies": []any{b}})
	require.NoError(t, err)
	c := f.god(t, "Cael Emberheart", nil)
	f.graph.MarkDirty(a)
	f.graph.MarkDirty(c)
	f.graph.MarkDirty(a)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.graph.RebuildIfDirty())
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{b}, ids(f.graph.Neighbors(a, 1)))
	assert.Contains(t, f.graph.Nodes(), c)

	path, err := f.store.Path(c)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	f.graph.MarkDirty(c)
	require.NoError(t, f.graph.RebuildIfDirty())
	assert.NotContains(t, f.graph.Nodes(), c)
}

func TestFindPath(t *testing.T) {
	g := graph.New("", nil, zap.NewNop())
	require.NoError(t, g.AddRelationship("a", "b", "ally"))
	require.NoError(t, g.AddRelationship("c", "b", "rival"))
	require.NoError(t, g.AddRelationship("c", "d", "parent"))
	require.NoError(t, g.AddRelationship("x", "y", "ally"))

	assert.Equal(t, []graph.Hop{
		{From: "a", To: "b", Relationship: "ally"},
		{From: "b", To: "c", Relationship: "rival"},
		{From: "c", To: "d", Relationship: "parent"},
	}, g.FindPath("a", "d"))

	assert.Empty(t, g.FindPath("a", "x"))
	assert.Empty(t, g.FindPath("a", "nowhere"))
	assert.Empty(t, g.FindPath("a", "a"))

	assert.Equal(t, []string{"b", "c", "d"}, ids(g.Neighbors("a", 3)))
	distances := map[string]int{}
	for _, n := range g.Neighbors("a", 3) {
		distances[n.ID] = n.Distance
	}
	assert.Equal(t, map[string]int{"b": 1, "c": 2, "d": 3}, distances)
	assert.Equal(t, []string{"b"}, ids(g.Neighbors("a", 1)))
}

func TestAddRelationshipValidates(t *testing.T) {
	g := graph.New("", nil, zap.NewNop())
	assert.Error(t, g.AddRelationship("", "b", "ally"))
	assert.Error(t, g.AddRelationship("a", "a", "ally"))

	require.NoError(t, g.AddRelationship("a", "b", "ally"))
	n, ok := g.Node("b")
	require.True(t, ok)
	assert.True(t, n.Stub)
	assert.Len(t, g.OrphanedReferences(), 1)
}

func TestCluster(t *testing.T) {
	g := graph.New("", nil, zap.NewNop())
	for _, e := range [][2]string{
		{"a", "b"}, {"b", "c"}, {"c", "a"},
		{"d", "e"}, {"e", "f"}, {"f", "d"},
		{"c", "d"},
	} {
		require.NoError(t, g.AddRelationship(e[0], e[1], "kin"))
	}

	assert.Equal(t, []string{"a", "b", "c"}, g.Cluster("a"))
	assert.Equal(t, []string{"d", "e", "f"}, g.Cluster("f"))
	assert.Equal(t, g.Cluster("a"), g.Cluster("a"))
	assert.Empty(t, g.Cluster("missing"))
}

func TestClusterIsolatedNode(t *testing.T) {
	f := newFixture(t)
	lone := f.god(t, "Lone Wanderer", nil)
	b := f.god(t, "Brina Tidecaller", nil)
	f.god(t, "Thorin Stormkeeper", map[string]any{"allies": []any{b}})
	require.NoError(t, f.graph.Build())

	assert.Equal(t, []string{lone}, f.graph.Cluster(lone))
	orphans := f.graph.Orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, lone, orphans[0].ID)
}

func TestMostConnectedAndStats(t *testing.T) {
	g := graph.New("", nil, zap.NewNop())
	require.NoError(t, g.AddRelationship("hub", "a", "ally"))
	require.NoError(t, g.AddRelationship("hub", "b", "ally"))
	require.NoError(t, g.AddRelationship("c", "hub", "rival"))
	require.NoError(t, g.AddRelationship("x", "y", "kin"))

	top := g.MostConnected(3)
	require.Len(t, top, 3)
	assert.Equal(t, "hub", top[0].ID)
	assert.Equal(t, 3, top[0].Degree)
	assert.Equal(t, "a", top[1].ID)
	assert.Equal(t, "b", top[2].ID)
	assert.Empty(t, g.MostConnected(0))

	stats := g.Stats()
	assert.Equal(t, 6, stats.Nodes)
	assert.Equal(t, 4, stats.Edges)
	assert.Equal(t, 2, stats.Components)
	assert.Equal(t, 0, stats.Orphans)
	assert.Len(t, stats.MostConnected, 5)
}

func TestQueriesIgnoreInsertionOrder(t *testing.T) {
	edges := [][3]string{
		{"a", "b", "ally"}, {"a", "c", "ally"},
		{"b", "d", "kin"}, {"c", "d", "kin"},
		{"d", "e", "rival"}, {"e", "f", "rival"}, {"f", "d", "rival"},
	}
	build := func(order [][3]string) *graph.Graph {
		g := graph.New("", nil, zap.NewNop())
		for _, e := range order {
			require.NoError(t, g.AddRelationship(e[0], e[1], e[2]))
		}
		return g
	}
	reversed := make([][3]string, 0, len(edges))
	for i := len(edges) - 1; i >= 0; i-- {
		reversed = append(reversed, edges[i])
	}

	forward, backward := build(edges), build(reversed)
	want := []graph.Hop{
		{From: "a", To: "b", Relationship: "ally"},
		{From: "b", To: "d", Relationship: "kin"},
	}
	assert.Equal(t, want, forward.FindPath("a", "d"))
	assert.Equal(t, want, backward.FindPath("a", "d"))
	for _, id := range []string{"a", "d", "f"} {
		assert.Equal(t, forward.Cluster(id), backward.Cluster(id), "cluster of %s", id)
	}
}
