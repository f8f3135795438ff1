package registry

import (
	"fmt"
	"sort"

	"github.com/odyssey-erp/treemap/internal/shared"
)

// Graph is a partial order over model types. An edge child -> parent means
// records of child may reference records of parent, so parent resolves first.
type Graph struct {
	deps map[string][]string
}

// NewGraph builds a graph from child -> parents adjacency.
func NewGraph(deps map[string][]string) *Graph {
	g := &Graph{deps: make(map[string][]string, len(deps))}
	for child, parents := range deps {
		g.deps[child] = append([]string(nil), parents...)
		for _, p := range parents {
			if _, ok := g.deps[p]; !ok {
				g.deps[p] = nil
			}
		}
	}
	return g
}

// Order returns every known model with parents before children. Ties break
// alphabetically so the result is deterministic.
func (g *Graph) Order() ([]string, error) {
	indegree := make(map[string]int, len(g.deps))
	children := make(map[string][]string, len(g.deps))
	for child, parents := range g.deps {
		if _, ok := indegree[child]; !ok {
			indegree[child] = 0
		}
		for _, p := range parents {
			indegree[child]++
			children[p] = append(children[p], child)
		}
	}
	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		var unlocked []string
		for _, c := range children[next] {
			indegree[c]--
			if indegree[c] == 0 {
				unlocked = append(unlocked, c)
			}
		}
		ready = append(ready, unlocked...)
		sort.Strings(ready)
	}
	if len(order) != len(indegree) {
		return nil, &shared.ValidationError{Reason: fmt.Sprintf("model dependency graph has a cycle (%d of %d ordered)", len(order), len(indegree))}
	}
	return order, nil
}

// Rank maps each model to its position in Order. Unknown models are absent.
func (g *Graph) Rank() (map[string]int, error) {
	order, err := g.Order()
	if err != nil {
		return nil, err
	}
	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[name] = i
	}
	return rank, nil
}
