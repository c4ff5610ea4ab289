package mcp

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"worldforge/internal/config"
	"worldforge/internal/recovery"
	"worldforge/internal/template/templatetest"
	"worldforge/internal/world"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()
	templatetest.Write(t, config.NewPaths(root).Templates)
	w, err := world.Open(context.Background(), root, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("open world: %v", err)
	}
	t.Cleanup(func() { w.Close(context.Background()) })
	return NewServer(w, "test")
}

func createGod(t *testing.T, s *Server, name string, extra map[string]any) WriteOutput {
	t.Helper()
	data := map[string]any{"name": name, "domain_primary": "storms", "alignment": "neutral"}
	for k, v := range extra {
		data[k] = v
	}
	_, out, err := s.handleCreateEntity(context.Background(), nil, CreateEntityInput{TemplateID: "god-profile", Data: data})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return out
}

func TestHandleCreateEntity(t *testing.T) {
	s := newTestServer(t)
	brina := createGod(t, s, "Brina Tidecaller", nil)
	if brina.ID == "" || brina.FilePath == "" {
		t.Fatalf("expected id and file path, got %+v", brina)
	}
	if brina.NewReferences == nil {
		t.Fatalf("new_references should be an empty list, not nil")
	}

	thorin := createGod(t, s, "Thorin Stormkeeper", map[string]any{"allies": []any{brina.ID}})
	if len(thorin.NewReferences) != 1 || thorin.NewReferences[0].Target != brina.ID {
		t.Fatalf("unexpected references: %+v", thorin.NewReferences)
	}
}

func TestHandleCreateEntityValidation(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	if _, _, err := s.handleCreateEntity(ctx, nil, CreateEntityInput{}); err == nil {
		t.Fatal("expected error for missing template_id")
	}
	_, _, err := s.handleCreateEntity(ctx, nil, CreateEntityInput{
		TemplateID: "god-profile",
		Data:       map[string]any{"name": "Nameless", "domain_primary": "void", "alignment": "whimsical"},
	})
	if err == nil {
		t.Fatal("expected schema error for an alignment outside the enum")
	}
}

func TestHandleUpdateAndGetEntity(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	god := createGod(t, s, "Brina Tidecaller", nil)

	if _, _, err := s.handleUpdateEntity(ctx, nil, UpdateEntityInput{ID: god.ID}); err == nil {
		t.Fatal("expected error for empty data")
	}
	_, upd, err := s.handleUpdateEntity(ctx, nil, UpdateEntityInput{
		ID:   god.ID,
		Data: map[string]any{"description": "Keeper of the drowned bells"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if upd.Snapshot == "" {
		t.Fatal("update should report a snapshot")
	}

	_, got, err := s.handleGetEntity(ctx, nil, GetEntityInput{ID: god.ID})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Brina Tidecaller" || got.TemplateID != "god-profile" || got.Status != "draft" {
		t.Fatalf("unexpected entity: %+v", got)
	}
	if got.Data["description"] != "Keeper of the drowned bells" {
		t.Fatalf("description = %v", got.Data["description"])
	}
	if got.CanonClaims == nil {
		t.Fatal("canon_claims should never be nil")
	}

	if _, _, err := s.handleGetEntity(ctx, nil, GetEntityInput{ID: "nobody"}); err == nil {
		t.Fatal("expected error for unknown entity")
	}
}

func TestHandleSearchAndList(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	createGod(t, s, "Brina Tidecaller", nil)
	createGod(t, s, "Thorin Stormkeeper", nil)

	if _, _, err := s.handleSearchEntities(ctx, nil, SearchEntitiesInput{Query: "  "}); err == nil {
		t.Fatal("expected error for blank query")
	}
	_, found, err := s.handleSearchEntities(ctx, nil, SearchEntitiesInput{Query: "Thorin"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found.Entities) != 1 || found.Entities[0].Name != "Thorin Stormkeeper" {
		t.Fatalf("unexpected search results: %+v", found.Entities)
	}
	_, none, err := s.handleSearchEntities(ctx, nil, SearchEntitiesInput{Query: "Thorin", Type: "settlements"})
	if err != nil {
		t.Fatalf("search with type: %v", err)
	}
	if len(none.Entities) != 0 {
		t.Fatalf("type filter should exclude gods, got %+v", none.Entities)
	}

	_, listed, err := s.handleListEntities(ctx, nil, ListEntitiesInput{Status: "draft"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed.Entities) != 2 || listed.Entities[0].Name != "Brina Tidecaller" {
		t.Fatalf("unexpected list: %+v", listed.Entities)
	}
	_, canon, err := s.handleListEntities(ctx, nil, ListEntitiesInput{Status: "canon"})
	if err != nil {
		t.Fatalf("list canon: %v", err)
	}
	if canon.Entities == nil || len(canon.Entities) != 0 {
		t.Fatalf("expected an empty canon list, got %+v", canon.Entities)
	}
}

func TestHandleCrossReferencesAndGraph(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	brina := createGod(t, s, "Brina Tidecaller", nil)
	thorin := createGod(t, s, "Thorin Stormkeeper", map[string]any{"allies": []any{brina.ID}})

	_, refs, err := s.handleGetCrossReferences(ctx, nil, GetCrossReferencesInput{ID: brina.ID})
	if err != nil {
		t.Fatalf("cross references: %v", err)
	}
	if len(refs.ReferencedBy) != 1 || refs.ReferencedBy[0].ID != thorin.ID {
		t.Fatalf("unexpected referenced_by: %+v", refs.ReferencedBy)
	}

	_, nb, err := s.handleGraphNeighbors(ctx, nil, GraphNeighborsInput{ID: thorin.ID})
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if len(nb.Neighbors) != 1 || nb.Neighbors[0].ID != brina.ID {
		t.Fatalf("unexpected neighbors: %+v", nb.Neighbors)
	}
	if _, _, err := s.handleGraphNeighbors(ctx, nil, GraphNeighborsInput{ID: "ghost"}); err == nil {
		t.Fatal("expected error for an id outside the graph")
	}

	_, stats, err := s.handleGraphStats(ctx, nil, GraphStatsInput{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Nodes != 2 || stats.Edges != 1 {
		t.Fatalf("stats = %+v, want 2 nodes and 1 edge", stats)
	}
}

func TestHandleRecordDecision(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	if _, _, err := s.handleRecordDecision(ctx, nil, RecordDecisionInput{Step: 7, Decision: " "}); err == nil {
		t.Fatal("expected error for a blank decision")
	}
	_, out, err := s.handleRecordDecision(ctx, nil, RecordDecisionInput{
		Step:      7,
		Decision:  "The sea gods are older than the sky gods",
		Rationale: "explains the drowned temples",
	})
	if err != nil {
		t.Fatalf("record decision: %v", err)
	}
	if !out.Recorded {
		t.Fatal("expected recorded = true")
	}
	if _, err := s.world.Ledger().RebuildIndexes(); err != nil {
		t.Fatalf("rebuild indexes: %v", err)
	}
	decisions, err := s.world.Ledger().Decisions()
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("got %d decisions, want 1", len(decisions))
	}
}

func TestHandleHealthCheck(t *testing.T) {
	s := newTestServer(t)
	createGod(t, s, "Brina Tidecaller", nil)

	_, out, err := s.handleHealthCheck(context.Background(), nil, HealthCheckInput{})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if len(out.Checks) != 6 {
		t.Fatalf("got %d checks, want 6", len(out.Checks))
	}
	if out.Overall == string(recovery.StatusCritical) {
		t.Fatalf("fresh world reported critical: %s", out.Summary)
	}
	if !strings.HasPrefix(out.Summary, "Your world") {
		t.Fatalf("unexpected summary:\n%s", out.Summary)
	}
}
