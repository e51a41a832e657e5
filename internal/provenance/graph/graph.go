// Package graph is an arena-backed adjacency structure for provenance edges.
// Nodes and edges live in slices and refer to each other by index, so
// traversals never follow pointers and a visited set bounds them even when
// the graph has cycles.
package graph

import (
	"sort"

	"veritas/internal/provenance/models"
)

// Direction selects which way a traversal follows edges.
type Direction int

const (
	// Up follows child -> parent, yielding ancestors.
	Up Direction = iota
	// Down follows parent -> child, yielding descendants.
	Down
)

type Graph struct {
	index map[string]int
	nodes []string
	edges []models.Edge
	keys  map[models.EdgeKey]int
	out   [][]int
	in    [][]int
}

func New() *Graph {
	return &Graph{
		index: make(map[string]int),
		keys:  make(map[models.EdgeKey]int),
	}
}

func (g *Graph) node(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.nodes)
	g.index[id] = i
	g.nodes = append(g.nodes, id)
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	return i
}

// Add inserts e unless an edge with the same (parent, child, relation)
// exists, in which case the existing edge is returned with added=false.
func (g *Graph) Add(e models.Edge) (stored models.Edge, added bool) {
	if i, ok := g.keys[e.Key()]; ok {
		return g.edges[i], false
	}
	p, c := g.node(e.ParentID), g.node(e.ChildID)
	i := len(g.edges)
	g.edges = append(g.edges, e)
	g.keys[e.Key()] = i
	g.out[p] = append(g.out[p], i)
	g.in[c] = append(g.in[c], i)
	return e, true
}

// Find returns the edge stored under key.
func (g *Graph) Find(key models.EdgeKey) (models.Edge, bool) {
	i, ok := g.keys[key]
	if !ok {
		return models.Edge{}, false
	}
	return g.edges[i], true
}

// Len returns the number of edges.
func (g *Graph) Len() int {
	return len(g.edges)
}

// Neighbors returns the edges incident to id in direction dir: parents'
// edges for Up, children's edges for Down. Sorted by CreatedAt, then the
// id at the far end, then relation.
func (g *Graph) Neighbors(id string, dir Direction) []models.Edge {
	idx := g.neighborIndexes(id, dir)
	out := make([]models.Edge, len(idx))
	for i, e := range idx {
		out[i] = g.edges[e]
	}
	return out
}

func (g *Graph) neighborIndexes(id string, dir Direction) []int {
	n, ok := g.index[id]
	if !ok {
		return nil
	}
	var src []int
	if dir == Up {
		src = g.in[n]
	} else {
		src = g.out[n]
	}
	idx := append([]int(nil), src...)
	sort.Slice(idx, func(a, b int) bool {
		return g.less(idx[a], idx[b], dir)
	})
	return idx
}

func (g *Graph) less(a, b int, dir Direction) bool {
	ea, eb := g.edges[a], g.edges[b]
	if !ea.CreatedAt.Equal(eb.CreatedAt) {
		return ea.CreatedAt.Before(eb.CreatedAt)
	}
	fa, fb := far(ea, dir), far(eb, dir)
	if fa != fb {
		return fa < fb
	}
	if ea.Relation != eb.Relation {
		return ea.Relation < eb.Relation
	}
	return ea.ID < eb.ID
}

func far(e models.Edge, dir Direction) string {
	if dir == Up {
		return e.ParentID
	}
	return e.ChildID
}

// Walk runs a breadth-first traversal from start and returns every edge
// reached, each once, in visiting order. Nodes are expanded at most once.
func (g *Graph) Walk(start string, dir Direction) []models.Edge {
	if _, ok := g.index[start]; !ok {
		return nil
	}
	visited := map[string]struct{}{start: {}}
	seenEdge := make(map[int]struct{})
	queue := []string{start}
	var out []models.Edge

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, ei := range g.neighborIndexes(current, dir) {
			if _, dup := seenEdge[ei]; dup {
				continue
			}
			seenEdge[ei] = struct{}{}
			e := g.edges[ei]
			out = append(out, e)
			next := far(e, dir)
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return out
}

// FromEdges builds a graph from edges, skipping duplicates.
func FromEdges(edges []models.Edge) *Graph {
	g := New()
	for _, e := range edges {
		g.Add(e)
	}
	return g
}
