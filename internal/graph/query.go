package graph

import (
	"sort"
)

type Neighbor struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
	Distance   int    `json:"distance"`
}

type Hop struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Relationship string `json:"relationship"`
}

type Ranked struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
	Degree     int    `json:"degree"`
}

type Stats struct {
	Nodes         int      `json:"nodes"`
	Edges         int      `json:"edges"`
	Stubs         int      `json:"stubs"`
	Pending       int      `json:"pending_references"`
	Orphans       int      `json:"orphans"`
	Components    int      `json:"components"`
	MostConnected []Ranked `json:"most_connected"`
}

// adjacentLocked returns the undirected neighbors of id in sorted order.
func (g *Graph) adjacentLocked(id string) []string {
	set := make(map[string]bool)
	for _, e := range g.out[id] {
		set[e.Target] = true
	}
	for _, e := range g.in[id] {
		set[e.Source] = true
	}
	delete(set, id)
	ids := make([]string, 0, len(set))
	for n := range set {
		ids = append(ids, n)
	}
	sort.Strings(ids)
	return ids
}

func (g *Graph) degreeLocked(id string) int {
	return len(g.out[id]) + len(g.in[id])
}

// Neighbors walks the undirected view breadth-first up to depth hops. The
// start node is never included.
func (g *Graph) Neighbors(id string, depth int) []Neighbor {
	g.mu.Lock()
	defer g.mu.Unlock()

	result := make([]Neighbor, 0)
	if _, ok := g.nodes[id]; !ok || depth < 1 {
		return result
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var next []string
		for _, current := range frontier {
			for _, n := range g.adjacentLocked(current) {
				if visited[n] {
					continue
				}
				visited[n] = true
				next = append(next, n)
			}
		}
		sort.Strings(next)
		for _, n := range next {
			node := g.nodes[n]
			result = append(result, Neighbor{ID: n, Name: node.Name, EntityType: node.EntityType, Distance: d})
		}
		frontier = next
	}
	return result
}

// FindPath returns the hops of a shortest undirected path from a to b. An
// empty result means no path; that is not an error.
func (g *Graph) FindPath(a, b string) []Hop {
	g.mu.Lock()
	defer g.mu.Unlock()

	hops := make([]Hop, 0)
	_, okA := g.nodes[a]
	_, okB := g.nodes[b]
	if !okA || !okB || a == b {
		return hops
	}

	prev := map[string]string{a: ""}
	queue := []string{a}
	for len(queue) > 0 && !containsKey(prev, b) {
		current := queue[0]
		queue = queue[1:]
		for _, n := range g.adjacentLocked(current) {
			if containsKey(prev, n) {
				continue
			}
			prev[n] = current
			queue = append(queue, n)
		}
	}
	if !containsKey(prev, b) {
		return hops
	}

	var path []string
	for at := b; at != ""; at = prev[at] {
		path = append(path, at)
	}
	for i := len(path) - 1; i > 0; i-- {
		from, to := path[i], path[i-1]
		hops = append(hops, Hop{From: from, To: to, Relationship: g.relationLocked(from, to)})
	}
	return hops
}

func containsKey(m map[string]string, k string) bool {
	_, ok := m[k]
	return ok
}

// relationLocked names the relationship between two adjacent nodes using
// whichever direction has an edge, preferring from -> to.
func (g *Graph) relationLocked(from, to string) string {
	pick := func(edges []Edge, match func(Edge) bool) string {
		best := ""
		bestField := ""
		found := false
		for _, e := range edges {
			if !match(e) {
				continue
			}
			if !found || e.Field < bestField {
				best, bestField, found = e.Type, e.Field, true
			}
		}
		return best
	}
	if t := pick(g.out[from], func(e Edge) bool { return e.Target == to }); t != "" {
		return t
	}
	return pick(g.out[to], func(e Edge) bool { return e.Target == from })
}

// Orphans lists nodes with no edges in either direction.
func (g *Graph) Orphans() []Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	orphans := make([]Node, 0)
	for _, n := range g.sortedNodesLocked() {
		if !n.Stub && g.degreeLocked(n.ID) == 0 {
			orphans = append(orphans, *n)
		}
	}
	return orphans
}

func (g *Graph) MostConnected(topN int) []Ranked {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mostConnectedLocked(topN)
}

func (g *Graph) mostConnectedLocked(topN int) []Ranked {
	nodes := g.sortedNodesLocked()
	sort.SliceStable(nodes, func(i, j int) bool {
		return g.degreeLocked(nodes[i].ID) > g.degreeLocked(nodes[j].ID)
	})
	if topN < 0 {
		topN = 0
	}
	if topN > len(nodes) {
		topN = len(nodes)
	}
	ranked := make([]Ranked, 0, topN)
	for _, n := range nodes[:topN] {
		ranked = append(ranked, Ranked{ID: n.ID, Name: n.Name, EntityType: n.EntityType, Degree: g.degreeLocked(n.ID)})
	}
	return ranked
}

// sortedNodesLocked returns nodes in insertion order.
func (g *Graph) sortedNodesLocked() []*Node {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].seq < nodes[j].seq })
	return nodes
}

func (g *Graph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Stats{
		Edges:         g.edgeCountLocked(),
		Components:    len(g.componentsLocked()),
		MostConnected: g.mostConnectedLocked(5),
	}
	for _, n := range g.nodes {
		s.Nodes++
		if n.Stub {
			s.Stubs++
			continue
		}
		if g.degreeLocked(n.ID) == 0 {
			s.Orphans++
		}
	}
	for _, edges := range g.pending {
		s.Pending += len(edges)
	}
	return s
}

func (g *Graph) componentsLocked() [][]string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seen := make(map[string]bool, len(ids))
	var components [][]string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		components = append(components, g.componentOfLocked(id, seen))
	}
	return components
}

func (g *Graph) componentOfLocked(id string, seen map[string]bool) []string {
	seen[id] = true
	members := []string{id}
	stack := []string{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, n := range g.adjacentLocked(current) {
			if seen[n] {
				continue
			}
			seen[n] = true
			members = append(members, n)
			stack = append(stack, n)
		}
	}
	sort.Strings(members)
	return members
}
