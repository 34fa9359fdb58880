package engine

import (
	"fmt"
	"sort"
	"strings"
)

// PipelineStep is one containerized step of a pipeline workflow.
type PipelineStep struct {
	Name    string            `json:"name" yaml:"name"`
	Image   string            `json:"image" yaml:"image"`
	Command []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	After   []string          `json:"after,omitempty" yaml:"after,omitempty"`
}

// StepNode is a step placed in the graph.
type StepNode struct {
	Name         string   `json:"name"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`
}

// StepGraph is the validated DAG of a pipeline.
type StepGraph struct {
	Nodes  map[string]*StepNode `json:"nodes"`
	Levels [][]string           `json:"levels"`
	Roots  []string             `json:"roots"`
	Depth  int                  `json:"depth"`
}

// DAGBuilder builds a directed acyclic graph from pipeline steps.
// Levels are sorted by step name so the same steps always yield the same graph.
type DAGBuilder struct {
	// steps maps step names to their definitions
	steps map[string]*PipelineStep

	// adjacencyList maps step names to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps step names to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to step names at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		steps:                make(map[string]*PipelineStep),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph validates step names and dependencies, detects cycles and
// computes execution levels.
func (b *DAGBuilder) BuildGraph(steps []PipelineStep) (*StepGraph, error) {
	if len(steps) == 0 {
		return nil, NewValidationError("pipeline has no steps", nil)
	}

	if err := b.initialize(steps); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}
	return b.buildGraph(), nil
}

func (b *DAGBuilder) initialize(steps []PipelineStep) error {
	for i := range steps {
		step := &steps[i]
		if step.Name == "" {
			return NewValidationError("pipeline step has empty name", nil)
		}
		if !IsSlug(step.Name) {
			return NewValidationError(fmt.Sprintf("pipeline step name %q is not a slug", step.Name), nil)
		}
		if _, exists := b.steps[step.Name]; exists {
			return NewValidationError(fmt.Sprintf("duplicate pipeline step: %s", step.Name), nil)
		}

		b.steps[step.Name] = step
		b.adjacencyList[step.Name] = make([]string, 0)
		b.reverseAdjacencyList[step.Name] = make([]string, 0)
		b.inDegree[step.Name] = 0
	}

	for _, name := range b.sortedNames() {
		step := b.steps[name]
		for _, dep := range step.After {
			if _, exists := b.steps[dep]; !exists {
				return NewValidationError(
					fmt.Sprintf("pipeline step %s depends on non-existent step %s", step.Name, dep),
					nil,
				).WithResource(step.Name)
			}

			// dep must complete before step can start
			b.adjacencyList[dep] = append(b.adjacencyList[dep], step.Name)
			b.reverseAdjacencyList[step.Name] = append(b.reverseAdjacencyList[step.Name], dep)
			b.inDegree[step.Name]++
		}
	}
	return nil
}

func (b *DAGBuilder) sortedNames() []string {
	names := make([]string, 0, len(b.steps))
	for name := range b.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, name := range b.sortedNames() {
		if visited[name] {
			continue
		}
		if cycle := b.detectCyclesUtil(name, visited, recStack, nil); cycle != nil {
			return NewValidationError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			)
		}
	}
	return nil
}

func (b *DAGBuilder) detectCyclesUtil(name string, visited, recStack map[string]bool, path []string) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range b.adjacencyList[name] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					return append(append([]string{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

// computeLevels assigns levels with Kahn's algorithm. Steps at the same
// level may run in parallel.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegree[id] = degree
	}

	current := make([]string, 0)
	for _, name := range b.sortedNames() {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, name := range current {
			for _, dependent := range b.adjacencyList[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(b.steps) {
		return NewPermanentError("failed to process all steps - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

func (b *DAGBuilder) buildGraph() *StepGraph {
	graph := &StepGraph{
		Nodes:  make(map[string]*StepNode, len(b.steps)),
		Levels: b.levels,
		Roots:  make([]string, 0),
		Depth:  len(b.levels),
	}
	for level, names := range b.levels {
		for _, name := range names {
			graph.Nodes[name] = &StepNode{
				Name:         name,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[name],
				Dependents:   b.adjacencyList[name],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, name)
			}
		}
	}
	return graph
}

// GetLevels returns the computed execution levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// Ready returns the steps whose dependencies all appear in done and that
// are not themselves in done or started, in level order.
func (g *StepGraph) Ready(done, started map[string]bool) []string {
	ready := make([]string, 0)
	for _, names := range g.Levels {
		for _, name := range names {
			if done[name] || started[name] {
				continue
			}
			ok := true
			for _, dep := range g.Nodes[name].Dependencies {
				if !done[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, name)
			}
		}
	}
	return ready
}

// ToDOT generates a DOT representation of the graph for visualization.
func (g *StepGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Pipeline {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("    \"%s\";\n", name))
		}
		sb.WriteString("  }\n\n")
	}

	for _, names := range g.Levels {
		for _, name := range names {
			for _, dep := range g.Nodes[name].Dependencies {
				sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, name))
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
