package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/vorch/internal/ir"
)

// CycleWarning describes one strongly connected group of preconditions.
type CycleWarning struct {
	Path    []string `json:"path"` // e.g. ["A", "B", "A"]
	Message string   `json:"message"`
}

// Lint reports problems that do not stop a catalog from loading but will
// fail at resolution or execution time: prerequisites that name undefined
// preconditions, signal steps whose target is not in the dictionary, and
// prerequisite cycles. Issues are returned in a stable order.
func Lint(c *Catalog) []ValidationError {
	var issues []ValidationError

	for _, name := range c.Preconditions() {
		entry := c.preconditions[name]
		for _, req := range entry.Requires {
			if _, ok := c.preconditions[req]; !ok {
				issues = append(issues, ValidationError{
					Field:   "preconditions." + name + ".requires",
					Code:    ErrUnknownRequirement,
					Message: fmt.Sprintf("unknown precondition %q", req),
				})
			}
		}
		issues = append(issues, lintSteps(c, name, "steps", entry.Steps)...)
		issues = append(issues, lintSteps(c, name, "rollback", entry.Rollback)...)
	}

	for _, w := range AnalyzeCycles(c) {
		issues = append(issues, ValidationError{
			Field:   "preconditions." + w.Path[0] + ".requires",
			Code:    ErrCyclicRequirement,
			Message: w.Message,
		})
	}
	return issues
}

func lintSteps(c *Catalog, name, field string, steps []ir.Step) []ValidationError {
	var issues []ValidationError
	for i, s := range steps {
		if s.Capability != ir.CapabilitySignal || strings.Contains(s.Target, "${") {
			continue
		}
		if _, ok := c.signals[s.Target]; !ok {
			issues = append(issues, ValidationError{
				Field:   fmt.Sprintf("preconditions.%s.%s[%d].target", name, field, i),
				Code:    ErrUnknownSignal,
				Message: fmt.Sprintf("signal %q is not in the dictionary", s.Target),
			})
		}
	}
	return issues
}

// AnalyzeCycles finds prerequisite cycles with Tarjan's algorithm.
//
// The resolver detects cycles on its own at resolution time; this static
// pass lets `vorch validate` report every cycle up front, including ones no
// test would reach. An acyclic catalog returns an empty list.
func AnalyzeCycles(c *Catalog) []CycleWarning {
	graph := make(requirementGraph, len(c.preconditions))
	for name, entry := range c.preconditions {
		for _, req := range entry.Requires {
			if _, ok := c.preconditions[req]; ok {
				graph[name] = append(graph[name], req)
			}
		}
		if graph[name] == nil {
			graph[name] = []string{}
		}
	}

	warnings := []CycleWarning{}
	for _, scc := range tarjanSCC(graph) {
		if len(scc) == 1 && !hasSelfLoop(scc[0], graph) {
			continue
		}
		path := cyclePath(scc, graph)
		warnings = append(warnings, CycleWarning{
			Path:    path,
			Message: "prerequisite cycle: " + strings.Join(path, " -> "),
		})
	}
	sort.Slice(warnings, func(i, j int) bool {
		return warnings[i].Path[0] < warnings[j].Path[0]
	})
	return warnings
}

// requirementGraph maps a precondition to the preconditions it requires.
type requirementGraph map[string][]string

func hasSelfLoop(node string, graph requirementGraph) bool {
	for _, next := range graph[node] {
		if next == node {
			return true
		}
	}
	return false
}

// tarjanSCC returns the strongly connected components of graph. Nodes are
// visited in sorted order so the output is deterministic.
func tarjanSCC(graph requirementGraph) [][]string {
	var (
		counter int
		stack   []string
		index   = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var visit func(string)
	visit = func(v string) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, seen := index[w]; !seen {
				visit(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], index[w])
			}
		}

		if lowlink[v] != index[v] {
			return
		}
		var scc []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		sccs = append(sccs, scc)
	}

	for _, node := range sortedKeys(graph) {
		if _, seen := index[node]; !seen {
			visit(node)
		}
	}
	return sccs
}

// cyclePath walks edges inside the component from its smallest member back
// to itself, e.g. ["A", "B", "A"].
func cyclePath(scc []string, graph requirementGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	start := scc[0]
	for _, n := range scc {
		if n < start {
			start = n
		}
	}

	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, w := range graph[current] {
			if w == start {
				next = w
				break
			}
			if members[w] && !visited[w] && next == "" {
				next = w
			}
		}
		if next == "" {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		visited[next] = true
		current = next
	}
}
