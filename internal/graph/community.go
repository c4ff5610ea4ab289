package graph

import (
	"sort"
)

const (
	communityResolution    = 1.0
	communityMaxIterations = 32
)

// Cluster returns the community containing id, found by greedy modularity
// local moves over the undirected view. Graphs with fewer than two nodes
// fall back to the connected component.
func (g *Graph) Cluster(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return []string{}
	}
	if len(g.nodes) < 2 {
		return g.componentOfLocked(id, map[string]bool{})
	}
	if len(g.adjacentLocked(id)) == 0 {
		return []string{id}
	}

	communities := g.detectCommunitiesLocked()
	target := communities[id]
	members := make([]string, 0)
	for n, c := range communities {
		if c == target {
			members = append(members, n)
		}
	}
	sort.Strings(members)
	return members
}

// detectCommunitiesLocked runs the local-moving phase of Louvain. Node and
// community visiting order is sorted so results are deterministic.
func (g *Graph) detectCommunitiesLocked() map[string]int {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Parallel edges and both directions collapse into one weighted
	// undirected edge per pair.
	weights := make(map[string]map[string]float64, len(ids))
	for _, id := range ids {
		weights[id] = make(map[string]float64)
	}
	m := 0.0
	for _, edges := range g.out {
		for _, e := range edges {
			if e.Source == e.Target {
				continue
			}
			weights[e.Source][e.Target]++
			weights[e.Target][e.Source]++
			m++
		}
	}

	degree := make(map[string]float64, len(ids))
	for _, id := range ids {
		for _, w := range weights[id] {
			degree[id] += w
		}
	}

	community := make(map[string]int, len(ids))
	total := make(map[int]float64, len(ids))
	for i, id := range ids {
		community[id] = i
		total[i] = degree[id]
	}
	if m == 0 {
		return community
	}

	for iter := 0; iter < communityMaxIterations; iter++ {
		moved := false
		for _, id := range ids {
			current := community[id]
			ki := degree[id]

			links := make(map[int]float64)
			for n, w := range weights[id] {
				links[community[n]] += w
			}
			candidates := make([]int, 0, len(links))
			for c := range links {
				candidates = append(candidates, c)
			}
			sort.Ints(candidates)

			total[current] -= ki
			gain := func(c int) float64 {
				return links[c]/m - communityResolution*ki*total[c]/(2*m*m)
			}
			best := current
			bestGain := gain(current)
			for _, c := range candidates {
				if c == current {
					continue
				}
				if q := gain(c); q > bestGain+1e-12 {
					best, bestGain = c, q
				}
			}
			total[best] += ki
			if best != current {
				community[id] = best
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	return community
}
