package pattern

import (
	"math"
	"sort"

	"github.com/defterlab/kestrel/internal/domain"
)

// flowGraph is a directed counterparty graph with summed edge amounts.
type flowGraph struct {
	// edges[from][to] is the total amount transferred from -> to.
	edges map[string]map[string]float64
	nodes []string
}

// buildGraph sums document amounts into debtor -> creditor edges.
func buildGraph(docs []*domain.Document) *flowGraph {
	g := &flowGraph{edges: make(map[string]map[string]float64)}
	seen := make(map[string]bool)

	for _, doc := range docs {
		if doc.DebtorID == "" || doc.CreditorID == "" || doc.DebtorID == doc.CreditorID {
			continue
		}
		if g.edges[doc.DebtorID] == nil {
			g.edges[doc.DebtorID] = make(map[string]float64)
		}
		g.edges[doc.DebtorID][doc.CreditorID] += doc.Amount

		for _, node := range []string{doc.DebtorID, doc.CreditorID} {
			if !seen[node] {
				seen[node] = true
				g.nodes = append(g.nodes, node)
			}
		}
	}

	sort.Strings(g.nodes)
	return g
}

// findCycles enumerates simple cycles of length 2..maxLen. Each cycle
// is reported once, anchored at its lexicographically smallest node:
// the search only expands into nodes greater than the start node.
func (g *flowGraph) findCycles(maxLen int) [][]string {
	var cycles [][]string

	var dfs func(start string, path []string, onPath map[string]bool)
	dfs = func(start string, path []string, onPath map[string]bool) {
		current := path[len(path)-1]
		for next := range g.edges[current] {
			if next == start && len(path) >= 2 {
				cycle := make([]string, len(path))
				copy(cycle, path)
				cycles = append(cycles, cycle)
				continue
			}
			if len(path) >= maxLen || next <= start || onPath[next] {
				continue
			}
			onPath[next] = true
			dfs(start, append(path, next), onPath)
			delete(onPath, next)
		}
	}

	for _, start := range g.nodes {
		dfs(start, []string{start}, map[string]bool{start: true})
	}

	// Deterministic order for reproducible explanations.
	sort.Slice(cycles, func(i, j int) bool {
		a, b := cycles[i], cycles[j]
		for k := 0; k < len(a) && k < len(b); k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
	return cycles
}

// bottleneckFlow returns the smallest edge total along a cycle.
func (g *flowGraph) bottleneckFlow(cycle []string) float64 {
	flow := math.Inf(1)
	for i := range cycle {
		from := cycle[i]
		to := cycle[(i+1)%len(cycle)]
		amount := g.edges[from][to]
		if amount < flow {
			flow = amount
		}
	}
	if math.IsInf(flow, 1) {
		return 0
	}
	return flow
}
