package topology

import (
	"slices"
	"sync"

	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

// DefaultMaxHops bounds path searches when the caller gives no limit.
const DefaultMaxHops = 7

// Graph is an undirected multigraph of direct links. An edge stays present
// while at least one connection row supports it.
type Graph struct {
	mu  sync.RWMutex
	adj map[string]map[string]int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{adj: make(map[string]map[string]int)}
}

// AddEdge adds one unit of support for the link a-b.
func (g *Graph) AddEdge(a, b string) {
	if a == b {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bump(a, b, 1)
	g.bump(b, a, 1)
}

// RemoveEdge drops one unit of support for the link a-b.
func (g *Graph) RemoveEdge(a, b string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bump(a, b, -1)
	g.bump(b, a, -1)
}

func (g *Graph) bump(a, b string, n int) {
	m := g.adj[a]
	if m == nil {
		if n <= 0 {
			return
		}
		m = make(map[string]int)
		g.adj[a] = m
	}
	m[b] += n
	if m[b] <= 0 {
		delete(m, b)
	}
	if len(m) == 0 {
		delete(g.adj, a)
	}
}

// Neighbors returns a's neighbours in sorted order.
func (g *Graph) Neighbors(a string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.neighborsLocked(a)
}

func (g *Graph) neighborsLocked(a string) []string {
	out := make([]string, 0, len(g.adj[a]))
	for n := range g.adj[a] {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of nodes with at least one link.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adj)
}

// Path runs a breadth-first search from source to target and returns the
// fewest-hop path, or topology.ErrNoPath when none exists within maxHops. Ties are
// broken by neighbour id so the result is deterministic.
func (g *Graph) Path(source, target string, maxHops int) ([]string, error) {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if source == target {
		return []string{source}, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.adj[source]; !ok {
		return nil, topology.ErrNoPath
	}

	parent := map[string]string{source: ""}
	frontier := []string{source}
	for depth := 0; depth < maxHops && len(frontier) > 0; depth++ {
		var next []string
		for _, node := range frontier {
			for _, n := range g.neighborsLocked(node) {
				if _, seen := parent[n]; seen {
					continue
				}
				parent[n] = node
				if n == target {
					return walkBack(parent, target), nil
				}
				next = append(next, n)
			}
		}
		frontier = next
	}
	return nil, topology.ErrNoPath
}

func walkBack(parent map[string]string, target string) []string {
	var path []string
	for n := target; n != ""; n = parent[n] {
		path = append(path, n)
	}
	slices.Reverse(path)
	return path
}
