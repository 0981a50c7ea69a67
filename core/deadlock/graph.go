package deadlock

import "sort"

// Graph is a directed wait-for graph over transaction ids. An edge A -> B
// means A waits on a resource B holds; each edge remembers which resources
// produced it. Graphs are built fresh for every check.
type Graph struct {
	edges map[uint64]map[uint64][]string
	nodes map[uint64]struct{}
}

func NewGraph() *Graph {
	return &Graph{
		edges: make(map[uint64]map[uint64][]string),
		nodes: make(map[uint64]struct{}),
	}
}

// AddDependency records from -> to because of resource. Self edges are ignored.
func (g *Graph) AddDependency(from, to uint64, resource string) {
	if from == to {
		return
	}
	g.nodes[from] = struct{}{}
	g.nodes[to] = struct{}{}
	out, ok := g.edges[from]
	if !ok {
		out = make(map[uint64][]string)
		g.edges[from] = out
	}
	for _, r := range out[to] {
		if r == resource {
			return
		}
	}
	out[to] = append(out[to], resource)
}

// Dependencies returns the transactions from waits on, sorted.
func (g *Graph) Dependencies(from uint64) []uint64 {
	out := make([]uint64, 0, len(g.edges[from]))
	for to := range g.edges[from] {
		out = append(out, to)
	}
	sortIDs(out)
	return out
}

// Resources returns the resources behind the edge from -> to.
func (g *Graph) Resources(from, to uint64) []string {
	return append([]string(nil), g.edges[from][to]...)
}

// Transactions returns every node, sorted.
func (g *Graph) Transactions() []uint64 {
	out := make([]uint64, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// HasCycle reports whether any cycle exists: a node reached again while
// still on the DFS recursion stack.
func (g *Graph) HasCycle() bool {
	visited := make(map[uint64]bool, len(g.nodes))
	onStack := make(map[uint64]bool)

	var visit func(n uint64) bool
	visit = func(n uint64) bool {
		visited[n] = true
		onStack[n] = true
		for _, next := range g.Dependencies(n) {
			if onStack[next] {
				return true
			}
			if !visited[next] && visit(next) {
				return true
			}
		}
		onStack[n] = false
		return false
	}

	for _, n := range g.Transactions() {
		if !visited[n] && visit(n) {
			return true
		}
	}
	return false
}

// Cycles enumerates cycles by DFS in ascending id order, tracking the
// current path. Reaching a node already on the path records the sub-path
// from that node to the current one. Nodes are visited at most once, and a
// membership set is reported once.
func (g *Graph) Cycles() [][]uint64 {
	visited := make(map[uint64]bool, len(g.nodes))
	pathIndex := make(map[uint64]int)
	var path []uint64
	var cycles [][]uint64
	seen := make(map[string]bool)

	var visit func(n uint64)
	visit = func(n uint64) {
		visited[n] = true
		pathIndex[n] = len(path)
		path = append(path, n)
		for _, next := range g.Dependencies(n) {
			if idx, onPath := pathIndex[next]; onPath {
				cycle := append([]uint64(nil), path[idx:]...)
				if key := cycleKey(cycle); !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
				continue
			}
			if !visited[next] {
				visit(next)
			}
		}
		path = path[:len(path)-1]
		delete(pathIndex, n)
	}

	for _, n := range g.Transactions() {
		if !visited[n] {
			visit(n)
		}
	}
	return cycles
}

func cycleKey(cycle []uint64) string {
	sorted := append([]uint64(nil), cycle...)
	sortIDs(sorted)
	b := make([]byte, 0, len(sorted)*8)
	for _, id := range sorted {
		for i := 0; i < 8; i++ {
			b = append(b, byte(id>>(8*i)))
		}
	}
	return string(b)
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
