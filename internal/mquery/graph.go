package mquery

import "sort"

// NodeID identifies a query across containers. Query names are only unique
// within their container, so edges are keyed by the pair.
type NodeID struct {
	Container string
	Name      string
}

// Graph is the dependency adjacency over a set of recovered queries. Edges
// point dependency -> dependent. All accessors return deterministically
// ordered slices.
type Graph struct {
	nodes      map[NodeID]Query
	dependents map[NodeID][]NodeID // dependency -> queries using it
	deps       map[NodeID][]NodeID // query -> its dependencies
}

// BuildGraph assembles the adjacency for one extraction run. Dependencies
// naming no known query are ignored; the analyzer already filtered against
// the known set, so this only guards cross-container name collisions.
func BuildGraph(queries []Query) *Graph {
	g := &Graph{
		nodes:      make(map[NodeID]Query, len(queries)),
		dependents: make(map[NodeID][]NodeID),
		deps:       make(map[NodeID][]NodeID),
	}
	for _, q := range queries {
		g.nodes[NodeID{q.Container, q.Name}] = q
	}
	for _, q := range queries {
		child := NodeID{q.Container, q.Name}
		for _, dep := range q.Dependencies {
			parent := NodeID{q.Container, dep}
			if _, ok := g.nodes[parent]; !ok {
				continue
			}
			g.deps[child] = append(g.deps[child], parent)
			g.dependents[parent] = append(g.dependents[parent], child)
		}
	}
	for id := range g.deps {
		sortIDs(g.deps[id])
	}
	for id := range g.dependents {
		sortIDs(g.dependents[id])
	}
	return g
}

// Nodes returns every query id in sorted order.
func (g *Graph) Nodes() []NodeID {
	out := make([]NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// Query returns the query behind an id.
func (g *Graph) Query(id NodeID) (Query, bool) {
	q, ok := g.nodes[id]
	return q, ok
}

// DependenciesOf returns the queries id depends on, sorted.
func (g *Graph) DependenciesOf(id NodeID) []NodeID {
	return g.deps[id]
}

// DependentsOf returns the queries depending on id, sorted.
func (g *Graph) DependentsOf(id NodeID) []NodeID {
	return g.dependents[id]
}

// Sorted returns the nodes in dependency order: every query appears after
// the queries it depends on. Cycles (possible in damaged source) are broken
// by emitting the remaining nodes in id order, so the result always contains
// every node exactly once.
func (g *Graph) Sorted() []NodeID {
	indegree := make(map[NodeID]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.deps[id])
	}

	var ready []NodeID
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sortIDs(ready)

	out := make([]NodeID, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		for _, child := range g.dependents[id] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = insertSorted(ready, child)
			}
		}
	}

	if len(out) < len(g.nodes) {
		var rest []NodeID
		emitted := make(map[NodeID]bool, len(out))
		for _, id := range out {
			emitted[id] = true
		}
		for id := range g.nodes {
			if !emitted[id] {
				rest = append(rest, id)
			}
		}
		sortIDs(rest)
		out = append(out, rest...)
	}
	return out
}

func sortIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Container != ids[j].Container {
			return ids[i].Container < ids[j].Container
		}
		return ids[i].Name < ids[j].Name
	})
}

func insertSorted(ids []NodeID, id NodeID) []NodeID {
	i := sort.Search(len(ids), func(i int) bool {
		if ids[i].Container != id.Container {
			return ids[i].Container > id.Container
		}
		return ids[i].Name > id.Name
	})
	ids = append(ids, NodeID{})
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
