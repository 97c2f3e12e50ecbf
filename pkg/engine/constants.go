package engine

import (
	"sort"

	"github.com/openfroyo/livegraph/pkg/expr"
)

// ConstantGraph is the reference graph over the constants of two successive
// snapshots. Nodes are constant names present in either table; an edge a -> b means
// the old or new definition of a mentions b.
type ConstantGraph struct {
	prev map[string]string
	next map[string]string

	// adjacencyList maps a constant to the constants it references
	adjacencyList map[string][]string

	// nextEdges holds the references of the new definitions only
	nextEdges map[string][]string
}

// NewConstantGraph builds the reference graph for a constant table change.
func NewConstantGraph(prev, next map[string]string) *ConstantGraph {
	g := &ConstantGraph{
		prev:          prev,
		next:          next,
		adjacencyList: make(map[string][]string),
		nextEdges:     make(map[string][]string),
	}

	for name := range prev {
		g.adjacencyList[name] = nil
	}
	for name := range next {
		g.adjacencyList[name] = nil
	}
	for name := range g.adjacencyList {
		seen := make(map[string]bool)
		for _, src := range []string{prev[name], next[name]} {
			for _, ref := range g.refs(src) {
				if !seen[ref] {
					seen[ref] = true
					g.adjacencyList[name] = append(g.adjacencyList[name], ref)
				}
			}
		}
		sort.Strings(g.adjacencyList[name])
	}
	for name, def := range next {
		g.nextEdges[name] = g.refs(def)
		sort.Strings(g.nextEdges[name])
	}
	return g
}

// refs returns the known constants mentioned in an expression.
func (g *ConstantGraph) refs(expression string) []string {
	var out []string
	for _, tok := range expr.Identifiers(expression) {
		if _, ok := g.adjacencyList[tok]; ok {
			out = append(out, tok)
		}
	}
	return out
}

// References returns every constant the expression reaches, directly or
// transitively, sorted. Cycles are tolerated.
func (g *ConstantGraph) References(expression string) []string {
	visited := make(map[string]bool)
	var walk func(string)
	walk = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, dep := range g.adjacencyList[name] {
			walk(dep)
		}
	}
	for _, ref := range g.refs(expression) {
		walk(ref)
	}

	out := make([]string, 0, len(visited))
	for name := range visited {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Changed reports whether any constant reachable from expression has a different
// definition in the two tables. A cycle reachable from the expression is reported
// as a *expr.CycleError and counts as changed.
func (g *ConstantGraph) Changed(expression string) (bool, error) {
	if cycle := g.findCycle(expression); cycle != nil {
		return true, &expr.CycleError{Path: cycle}
	}
	for _, name := range g.References(expression) {
		oldDef, hadOld := g.prev[name]
		newDef, hasNew := g.next[name]
		if hadOld != hasNew || oldDef != newDef {
			return true, nil
		}
	}
	return false, nil
}

// findCycle uses depth-first search over the new definitions from the expression's
// direct references and returns the first cycle path found, closed on its
// starting name.
func (g *ConstantGraph) findCycle(expression string) []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, ref := range g.refs(expression) {
		if !visited[ref] {
			if cycle := g.findCycleUtil(ref, visited, recStack, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func (g *ConstantGraph) findCycleUtil(
	name string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dep := range g.nextEdges[name] {
		if !visited[dep] {
			if cycle := g.findCycleUtil(dep, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dep] {
			for i, id := range path {
				if id == dep {
					return append(append([]string{}, path[i:]...), dep)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}
