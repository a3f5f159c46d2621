package stacks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/stackrun/pkg/engine"
)

// Graph is the dependency graph between stacks. Stacks in the same level do
// not depend on each other; every stack depends only on stacks in earlier
// levels.
type Graph struct {
	// Levels lists stack names by deployment level, each level sorted.
	Levels [][]string

	// Edges maps a stack to the stacks it depends on.
	Edges map[string][]string
}

// BuildGraph orders stacks by their dependencies. Dependencies on stacks that
// were not synthesized and circular dependencies are usage errors.
func BuildGraph(list []Stack) (*Graph, error) {
	g := &Graph{Edges: make(map[string][]string, len(list))}

	dependents := make(map[string][]string, len(list))
	inDegree := make(map[string]int, len(list))
	for _, s := range list {
		inDegree[s.Name] = 0
	}

	for _, s := range list {
		deps := append([]string(nil), s.Dependencies...)
		sort.Strings(deps)
		g.Edges[s.Name] = deps
		for _, dep := range deps {
			if _, ok := inDegree[dep]; !ok {
				return nil, engine.NewUsageError(
					fmt.Sprintf("stack %q depends on unknown stack %q", s.Name, dep), nil).
					WithCode(engine.ErrCodeStackDependency).
					WithStack(s.Name)
			}
			dependents[dep] = append(dependents[dep], s.Name)
			inDegree[s.Name]++
		}
	}

	if cycle := findCycle(list, g.Edges); cycle != nil {
		return nil, engine.NewUsageError(
			fmt.Sprintf("circular stack dependency: %s", strings.Join(cycle, " -> ")), nil).
			WithCode(engine.ErrCodeStackDependency)
	}

	// Kahn's algorithm, one level at a time.
	var current []string
	for name, degree := range inDegree {
		if degree == 0 {
			current = append(current, name)
		}
	}
	for len(current) > 0 {
		sort.Strings(current)
		g.Levels = append(g.Levels, current)

		var next []string
		for _, name := range current {
			for _, dependent := range dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	return g, nil
}

// findCycle returns one dependency cycle, closed by repeating its first stack,
// or nil.
func findCycle(list []Stack, edges map[string][]string) []string {
	const (
		unvisited = iota
		active
		finished
	)
	state := make(map[string]int, len(list))
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		state[name] = active
		path = append(path, name)
		for _, dep := range edges[name] {
			switch state[dep] {
			case active:
				for i, n := range path {
					if n == dep {
						return append(append([]string(nil), path[i:]...), dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		state[name] = finished
		return nil
	}

	for _, s := range list {
		if state[s.Name] == unvisited {
			if cycle := visit(s.Name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Order returns the stack names in deployment order.
func (g *Graph) Order() []string {
	var order []string
	for _, level := range g.Levels {
		order = append(order, level...)
	}
	return order
}

// ToDOT renders the graph in Graphviz DOT format. Edges point from a stack to
// the stacks that depend on it.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph stacks {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n")

	for level, names := range g.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "    %q;\n", name)
		}
		sb.WriteString("  }\n")
	}

	for _, name := range g.Order() {
		for _, dep := range g.Edges[name] {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, name)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
