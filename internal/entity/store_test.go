package entity_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"worldforge/internal/apperr"
	"worldforge/internal/config"
	"worldforge/internal/entity"
	"worldforge/internal/template"
	"worldforge/internal/template/templatetest"
)

type fixture struct {
	paths config.Paths
	reg   *template.Registry
	store *entity.Store
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
	store, err := entity.NewStore(paths, reg, zap.NewNop(), entity.WithClock(stepClock()))
	require.NoError(t, err)
	return &fixture{paths: paths, reg: reg, store: store}
}

func thorin() map[string]any {
	return map[string]any{
		"name":           "Thorin Stormkeeper",
		"domain_primary": "storms",
		"alignment":      "neutral-good",
		"domains":        []any{"storms", "sea"},
		"description":    "A thunderous god of the northern coast",
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	id, err := f.store.Create("god-profile", thorin())
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^thorin-stormkeeper-[0-9a-f]{4}$`), id)

	e, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDraft, e.Meta.Status)
	assert.Equal(t, "gods", e.Meta.EntityType)
	assert.Equal(t, "god-profile", e.Meta.TemplateID)
	assert.Equal(t, 1, e.Meta.StepCreated)
	assert.Equal(t, f.paths.EntityFile("gods", id), e.Path)

	want, err := template.Normalize(thorin())
	require.NoError(t, err)
	assert.Equal(t, want, e.Data)

	state, err := entity.LoadState(f.paths.StateFile)
	require.NoError(t, err)
	require.Contains(t, state.EntityIndex, id)
	assert.Equal(t, "Thorin Stormkeeper", state.EntityIndex[id].Name)
}

func TestCreateIgnoresInternalKeys(t *testing.T) {
	f := newFixture(t)
	data := thorin()
	data["id"] = "hijack"
	data["_meta"] = map[string]any{"status": "canon"}
	data["canon_claims"] = []any{"fake"}

	id, err := f.store.Create("god-profile", data)
	require.NoError(t, err)
	assert.NotEqual(t, "hijack", id)

	e, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDraft, e.Meta.Status)
	assert.NotContains(t, e.Data, "id")
}

func TestCreateErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Create("dragon-profile", thorin())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	data := thorin()
	delete(data, "domain_primary")
	_, err = f.store.Create("god-profile", data)
	require.ErrorIs(t, err, apperr.ErrValidation)

	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 1)
	assert.Equal(t, "domain_primary", verr.Violations[0].Path)

	entries, err := os.ReadDir(f.paths.Entities)
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestCanonClaimsDeterministic(t *testing.T) {
	f := newFixture(t)
	data := thorin()
	data["allies"] = []any{"vela-1111"}
	data["relationships"] = []any{
		map[string]any{"target_id": "ashra-3333", "kind": "rival"},
	}

	id1, err := f.store.Create("god-profile", data)
	require.NoError(t, err)
	id2, err := f.store.Create("god-profile", data)
	require.NoError(t, err)

	e1, err := f.store.Get(id1)
	require.NoError(t, err)
	e2, err := f.store.Get(id2)
	require.NoError(t, err)
	assert.Equal(t, e1.CanonClaims, e2.CanonClaims)

	assert.Contains(t, e1.CanonClaims, entity.CanonClaim{
		Claim:      "Thorin Stormkeeper's allies: vela-1111",
		References: []string{"vela-1111"},
	})
	assert.Contains(t, e1.CanonClaims, entity.CanonClaim{
		Claim:      "Thorin Stormkeeper's relationships: kind: rival; target id: ashra-3333",
		References: []string{"ashra-3333"},
	})
	assert.Contains(t, e1.CanonClaims, entity.CanonClaim{
		Claim:      "Thorin Stormkeeper's domain primary is storms",
		References: []string{},
	})
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.Create("god-profile", thorin())
	require.NoError(t, err)
	before, err := os.ReadFile(f.paths.EntityFile("gods", id))
	require.NoError(t, err)

	snapshot, err := f.store.Update(id, map[string]any{
		"domain_primary": "thunder",
		"_meta":          map[string]any{"status": "canon"},
		"description":    nil,
	})
	require.NoError(t, err)

	snapBytes, err := os.ReadFile(snapshot)
	require.NoError(t, err)
	assert.Equal(t, before, snapBytes)
	assert.Regexp(t, regexp.MustCompile(`^`+id+`_\d{8}T\d{6}\.\d{6}Z\.json$`), filepath.Base(snapshot))

	e, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "thunder", e.Data["domain_primary"])
	assert.NotContains(t, e.Data, "description")
	assert.Equal(t, entity.StatusDraft, e.Meta.Status)
	assert.True(t, e.Meta.UpdatedAt.After(e.Meta.CreatedAt))
}

func TestUpdateErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Update("nobody-0000", map[string]any{"name": "x"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	id, err := f.store.Create("god-profile", thorin())
	require.NoError(t, err)
	_, err = f.store.Update(id, map[string]any{"alignment": "chaotic-neutral"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	snaps, _ := os.ReadDir(f.paths.Snapshots)
	assert.Empty(t, snaps)
}

func TestGetHealsMissingIndexEntry(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.Create("god-profile", thorin())
	require.NoError(t, err)

	state, err := entity.LoadState(f.paths.StateFile)
	require.NoError(t, err)
	delete(state.EntityIndex, id)
	require.NoError(t, entity.SaveState(f.paths.StateFile, state))
	require.NoError(t, f.store.ReloadState())

	e, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, e.ID)

	healed, err := entity.LoadState(f.paths.StateFile)
	require.NoError(t, err)
	assert.Contains(t, healed.EntityIndex, id)
}

func TestGetCorruptFileIsNotFound(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.Create("god-profile", thorin())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.paths.EntityFile("gods", id), []byte("{broken"), 0o644))

	_, err = f.store.Get(id)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, err.Error(), "repair")
}

func TestListAndSearch(t *testing.T) {
	f := newFixture(t)
	thorinID, err := f.store.Create("god-profile", thorin())
	require.NoError(t, err)
	velaID, err := f.store.Create("god-profile", map[string]any{
		"name": "Vela", "domain_primary": "tides", "alignment": "neutral",
		"description": "Keeper of storms at sea",
	})
	require.NoError(t, err)
	portID, err := f.store.Create("settlement", map[string]any{"name": "Stormport"})
	require.NoError(t, err)

	all := f.store.List("")
	require.Len(t, all, 3)
	assert.Equal(t, []string{portID, thorinID, velaID}, []string{all[0].ID, all[1].ID, all[2].ID})

	gods := f.store.List("gods")
	assert.Len(t, gods, 2)

	results := f.store.Search("STORM")
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{portID, thorinID, velaID}, ids)

	assert.Empty(t, f.store.Search("   "))
	assert.Empty(t, f.store.Search("volcano"))
}

func TestCrossReferences(t *testing.T) {
	f := newFixture(t)
	velaID, err := f.store.Create("god-profile", map[string]any{
		"name": "Vela", "domain_primary": "tides", "alignment": "neutral",
	})
	require.NoError(t, err)

	data := thorin()
	data["allies"] = []any{velaID, "ghost-9999"}
	thorinID, err := f.store.Create("god-profile", data)
	require.NoError(t, err)

	refs, err := f.store.CrossReferences(thorinID)
	require.NoError(t, err)
	assert.Equal(t, []entity.Link{
		{ID: velaID, Name: "Vela", EntityType: "gods", Field: "allies", Label: "gods", Exists: true},
		{ID: "ghost-9999", Field: "allies", Label: "gods", Exists: false},
	}, refs.References)
	assert.Empty(t, refs.ReferencedBy)

	inbound, err := f.store.CrossReferences(velaID)
	require.NoError(t, err)
	require.Len(t, inbound.ReferencedBy, 1)
	assert.Equal(t, thorinID, inbound.ReferencedBy[0].ID)

	portID, err := f.store.Create("settlement", map[string]any{"name": "Port", "patron_god_id": velaID})
	require.NoError(t, err)
	inbound, err = f.store.CrossReferences(velaID)
	require.NoError(t, err)
	require.Len(t, inbound.ReferencedBy, 2)

	_, err = f.store.Update(thorinID, map[string]any{"allies": []any{}})
	require.NoError(t, err)
	inbound, err = f.store.CrossReferences(velaID)
	require.NoError(t, err)
	require.Len(t, inbound.ReferencedBy, 1)
	assert.Equal(t, portID, inbound.ReferencedBy[0].ID)
	assert.Equal(t, "patron_god", inbound.ReferencedBy[0].Label)
}

func TestReindexFilePicksUpHandEdits(t *testing.T) {
	f := newFixture(t)
	velaID, err := f.store.Create("god-profile", map[string]any{
		"name": "Vela", "domain_primary": "tides", "alignment": "neutral",
	})
	require.NoError(t, err)
	thorinID, err := f.store.Create("god-profile", thorin())
	require.NoError(t, err)

	inbound, err := f.store.CrossReferences(velaID)
	require.NoError(t, err)
	require.Empty(t, inbound.ReferencedBy)

	path, err := f.store.Path(thorinID)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["name"] = "Thorin Renamed"
	doc["allies"] = []any{velaID}
	edited, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, edited, 0o644))

	e, err := f.store.ReindexFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Thorin Renamed", e.Name())

	found := f.store.Search("renamed")
	require.Len(t, found, 1)
	assert.Equal(t, thorinID, found[0].ID)

	inbound, err = f.store.CrossReferences(velaID)
	require.NoError(t, err)
	require.Len(t, inbound.ReferencedBy, 1)
	assert.Equal(t, thorinID, inbound.ReferencedBy[0].ID)
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.Create("god-profile", thorin())
	require.NoError(t, err)

	assert.ErrorIs(t, f.store.SetStatus(id, "final"), apperr.ErrInvalidArgument)
	require.NoError(t, f.store.SetStatus(id, entity.StatusCanon))

	e, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCanon, e.Meta.Status)
	assert.Equal(t, entity.StatusCanon, f.store.List("")[0].Status)
}

func TestSetStepStatus(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.store.SetStepStatus(0, entity.StepCompleted), apperr.ErrInvalidArgument)
	assert.ErrorIs(t, f.store.SetStepStatus(53, entity.StepCompleted), apperr.ErrInvalidArgument)
	assert.ErrorIs(t, f.store.SetStepStatus(3, "paused"), apperr.ErrInvalidArgument)

	require.NoError(t, f.store.SetStepStatus(3, entity.StepInProgress))
	state := f.store.State()
	assert.Equal(t, 3, state.CurrentStep)
	assert.Equal(t, []int{3}, state.InProgressSteps)

	require.NoError(t, f.store.SetStepStatus(3, entity.StepCompleted))
	state = f.store.State()
	assert.Equal(t, 4, state.CurrentStep)
	assert.Equal(t, []int{3}, state.CompletedSteps)
	assert.Empty(t, state.InProgressSteps)

	id, err := f.store.Create("god-profile", thorin())
	require.NoError(t, err)
	e, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 4, e.Meta.StepCreated)
}

func TestStatePreservesUnknownKeys(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.paths.StateFile), 0o755))
	require.NoError(t, os.WriteFile(f.paths.StateFile, []byte(`{"current_step": 5, "theme": "dark", "entity_index": {}}`), 0o644))
	require.NoError(t, f.store.ReloadState())

	_, err := f.store.Create("god-profile", thorin())
	require.NoError(t, err)

	var raw map[string]any
	data, err := os.ReadFile(f.paths.StateFile)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "dark", raw["theme"])
	assert.Equal(t, float64(5), raw["current_step"])
	for _, key := range entity.StateKeys {
		assert.Contains(t, raw, key)
	}
}

func TestReadAll(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.Create("god-profile", thorin())
	require.NoError(t, err)
	bad := filepath.Join(f.paths.Entities, "gods", "broken.json")
	require.NoError(t, os.WriteFile(bad, []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.paths.Entities, "gods", ".x.json.1.tmp"), []byte("{"), 0o644))

	entities, failures, err := entity.ReadAll(f.paths.Entities)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, id, entities[0].ID)
	require.Len(t, failures, 1)
	assert.Equal(t, bad, failures[0].Path)
	assert.ErrorIs(t, failures[0].Err, apperr.ErrCorruptData)

	none, failures, err := entity.ReadAll(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Empty(t, failures)
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Thorin Stormkeeper": "thorin-stormkeeper",
		"Señora Núñez":       "senora-nunez",
		"  The   Sea--Court ": "the-sea-court",
		"!!!":                "entity",
		"":                   "entity",
		"Île de Brume":       "ile-de-brume",
	}
	for in, want := range tests {
		assert.Equal(t, want, entity.Slugify(in), in)
	}
}
