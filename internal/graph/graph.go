package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"worldforge/internal/apperr"
	"worldforge/internal/entity"
	"worldforge/internal/logging"
	"worldforge/internal/template"
)

type Node struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
	Status     string `json:"status"`
	Step       int    `json:"step"`
	Stub       bool   `json:"stub,omitempty"`
	seq        int
}

type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
	Field  string `json:"field"`
}

func (e Edge) key() string {
	return e.Source + "\x00" + e.Target + "\x00" + e.Field
}

// Graph is a derived directed graph of entities and their cross-references.
// References to entities that are not loaded yet wait in a pending index
// keyed by target id until the target arrives.
type Graph struct {
	mu       sync.Mutex
	entities string
	registry *template.Registry
	log      *zap.Logger

	nodes   map[string]*Node
	out     map[string][]Edge
	in      map[string][]Edge
	pending map[string][]Edge
	dirty   map[string]bool
	seq     int
	built   bool

	refresh singleflight.Group
}

func New(entitiesDir string, registry *template.Registry, log *zap.Logger) *Graph {
	g := &Graph{
		entities: entitiesDir,
		registry: registry,
		log:      logging.OrNop(log).Named("graph"),
		dirty:    make(map[string]bool),
	}
	g.resetLocked()
	return g
}

func (g *Graph) resetLocked() {
	g.nodes = make(map[string]*Node)
	g.out = make(map[string][]Edge)
	g.in = make(map[string][]Edge)
	g.pending = make(map[string][]Edge)
	g.seq = 0
}

// Build discards the graph and repopulates it from every readable entity file.
func (g *Graph) Build() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buildLocked()
}

func (g *Graph) buildLocked() error {
	entities, failures, err := entity.ReadAll(g.entities)
	if err != nil {
		return fmt.Errorf("building graph: %w", err)
	}
	for _, f := range failures {
		g.log.Warn("skipping unreadable entity file during graph build", zap.String("path", f.Path), zap.Error(f.Err))
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	g.resetLocked()
	for _, e := range entities {
		if n, ok := g.nodes[e.ID]; ok && !n.Stub {
			g.log.Warn("duplicate entity id on disk, keeping the first file", zap.String("entity_id", e.ID), zap.String("path", e.Path))
			continue
		}
		g.addEntityLocked(e)
	}
	g.dirty = make(map[string]bool)
	g.built = true
	g.log.Debug("graph built", zap.Int("nodes", len(g.nodes)), zap.Int("edges", g.edgeCountLocked()))
	return nil
}

func (g *Graph) AddEntity(e *entity.Entity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addEntityLocked(e)
}

func (g *Graph) addEntityLocked(e *entity.Entity) {
	g.dropOutgoingLocked(e.ID)
	g.dropPendingFromLocked(e.ID)

	n, ok := g.nodes[e.ID]
	if !ok {
		g.seq++
		n = &Node{ID: e.ID, seq: g.seq}
		g.nodes[e.ID] = n
	}
	n.Name = e.Name()
	n.EntityType = e.Meta.EntityType
	n.Status = e.Meta.Status
	n.Step = e.Meta.StepCreated
	n.Stub = false

	for _, edge := range g.referencesOf(e) {
		if _, ok := g.nodes[edge.Target]; ok {
			g.linkLocked(edge)
			continue
		}
		g.pending[edge.Target] = append(g.pending[edge.Target], edge)
	}

	waiting := g.pending[e.ID]
	delete(g.pending, e.ID)
	for _, edge := range waiting {
		if _, ok := g.nodes[edge.Source]; ok {
			g.linkLocked(edge)
		}
	}
}

func (g *Graph) referencesOf(e *entity.Entity) []Edge {
	if g.registry == nil {
		return nil
	}
	t, ok := g.registry.Lookup(e.Meta.TemplateID)
	if !ok {
		return nil
	}
	edges := make([]Edge, 0)
	seen := make(map[string]bool)
	for _, ref := range t.CrossReferences(e.Data) {
		if ref.Target == e.ID {
			continue
		}
		edge := Edge{Source: e.ID, Target: ref.Target, Type: ref.Label, Field: ref.Field}
		if seen[edge.key()] {
			continue
		}
		seen[edge.key()] = true
		edges = append(edges, edge)
	}
	return edges
}

func (g *Graph) linkLocked(edge Edge) {
	for _, existing := range g.out[edge.Source] {
		if existing.key() == edge.key() {
			return
		}
	}
	g.out[edge.Source] = append(g.out[edge.Source], edge)
	g.in[edge.Target] = append(g.in[edge.Target], edge)
}

func (g *Graph) dropOutgoingLocked(id string) {
	for _, edge := range g.out[id] {
		g.in[edge.Target] = without(g.in[edge.Target], edge)
		if len(g.in[edge.Target]) == 0 {
			delete(g.in, edge.Target)
		}
	}
	delete(g.out, id)
}

func (g *Graph) dropPendingFromLocked(source string) {
	for target, edges := range g.pending {
		kept := edges[:0]
		for _, edge := range edges {
			if edge.Source != source {
				kept = append(kept, edge)
			}
		}
		if len(kept) == 0 {
			delete(g.pending, target)
		} else {
			g.pending[target] = kept
		}
	}
}

func without(edges []Edge, drop Edge) []Edge {
	out := edges[:0]
	for _, e := range edges {
		if e.key() != drop.key() {
			out = append(out, e)
		}
	}
	return out
}

// RemoveEntity deletes a node. Edges that pointed at it return to the
// pending index because their sources still name it.
func (g *Graph) RemoveEntity(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeEntityLocked(id)
}

func (g *Graph) removeEntityLocked(id string) {
	if _, ok := g.nodes[id]; !ok {
		return
	}
	g.dropOutgoingLocked(id)
	g.dropPendingFromLocked(id)
	for _, edge := range g.in[id] {
		g.out[edge.Source] = without(g.out[edge.Source], edge)
		if len(g.out[edge.Source]) == 0 {
			delete(g.out, edge.Source)
		}
		if src, ok := g.nodes[edge.Source]; ok && !src.Stub {
			g.pending[id] = append(g.pending[id], edge)
		}
	}
	delete(g.in, id)
	delete(g.nodes, id)
}

// AddRelationship links source to target, creating stub nodes for
// endpoints that are not loaded.
func (g *Graph) AddRelationship(source, target, relType string) error {
	if source == "" || target == "" {
		return apperr.InvalidArgument("relationship", "source and target are required")
	}
	if source == target {
		return apperr.InvalidArgument("relationship", "%s cannot reference itself", source)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range []string{source, target} {
		if _, ok := g.nodes[id]; !ok {
			g.seq++
			g.nodes[id] = &Node{ID: id, Stub: true, seq: g.seq}
		}
	}
	g.linkLocked(Edge{Source: source, Target: target, Type: relType, Field: relType})
	return nil
}

func (g *Graph) MarkDirty(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dirty[id] = true
}

// RebuildIfDirty refreshes every entity marked dirty since the last pass.
// Concurrent callers share one refresh.
func (g *Graph) RebuildIfDirty() error {
	_, err, _ := g.refresh.Do("refresh", func() (any, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if !g.built {
			return nil, g.buildLocked()
		}
		ids := make([]string, 0, len(g.dirty))
		for id := range g.dirty {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		g.dirty = make(map[string]bool)
		for _, id := range ids {
			g.refreshLocked(id)
		}
		if len(ids) > 0 {
			g.log.Debug("graph refreshed", zap.Int("entities", len(ids)))
		}
		return nil, nil
	})
	return err
}

func (g *Graph) refreshLocked(id string) {
	matches, _ := filepath.Glob(filepath.Join(g.entities, "*", id+".json"))
	for _, path := range matches {
		e, err := entity.ReadFile(path)
		if err != nil {
			g.log.Warn("skipping unreadable entity during graph refresh", zap.String("path", path), zap.Error(err))
			continue
		}
		if e.ID == id {
			g.addEntityLocked(e)
			return
		}
	}
	if len(matches) == 0 {
		if _, err := os.Stat(g.entities); err != nil && !os.IsNotExist(err) {
			g.log.Warn("cannot read entities directory", zap.String("path", g.entities), zap.Error(err))
			return
		}
	}
	g.removeEntityLocked(id)
}

func (g *Graph) Built() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.built
}

func (g *Graph) Node(id string) (Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (g *Graph) Nodes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.nodes))
	for id, n := range g.nodes {
		if !n.Stub {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (g *Graph) Edges() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	edges := make([]Edge, 0, g.edgeCountLocked())
	for _, list := range g.out {
		edges = append(edges, list...)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].key() < edges[j].key() })
	return edges
}

func (g *Graph) edgeCountLocked() int {
	n := 0
	for _, list := range g.out {
		n += len(list)
	}
	return n
}

type OrphanedReference struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
	Field  string `json:"field"`
}

// OrphanedReferences lists references whose target is not a real entity:
// unresolved pending references and edges into stub nodes.
func (g *Graph) OrphanedReferences() []OrphanedReference {
	g.mu.Lock()
	defer g.mu.Unlock()
	refs := make([]OrphanedReference, 0)
	for _, edges := range g.pending {
		for _, e := range edges {
			refs = append(refs, OrphanedReference{Source: e.Source, Target: e.Target, Type: e.Type, Field: e.Field})
		}
	}
	for id, n := range g.nodes {
		if !n.Stub {
			continue
		}
		for _, e := range g.in[id] {
			refs = append(refs, OrphanedReference{Source: e.Source, Target: e.Target, Type: e.Type, Field: e.Field})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Source != refs[j].Source {
			return refs[i].Source < refs[j].Source
		}
		if refs[i].Target != refs[j].Target {
			return refs[i].Target < refs[j].Target
		}
		return refs[i].Field < refs[j].Field
	})
	return refs
}
