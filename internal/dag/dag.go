// Package dag provides directed acyclic graph operations for formula
// dependencies. The formula resolver walks the persisted dependency graph
// through this package before any unit is built, so cyclic formula graphs
// never reach evaluation.
package dag

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Graph is a directed graph over formula ids. An edge A -> B means B
// depends on A: A's value must exist before B evaluates.
type Graph struct {
	nodes   map[uuid.UUID]string      // id -> formula name, for error reporting
	edges   map[uuid.UUID][]uuid.UUID // dependency -> dependents
	parents map[uuid.UUID][]uuid.UUID // dependent -> dependencies
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:   make(map[uuid.UUID]string),
		edges:   make(map[uuid.UUID][]uuid.UUID),
		parents: make(map[uuid.UUID][]uuid.UUID),
	}
}

// AddNode adds a formula node to the graph.
func (g *Graph) AddNode(id uuid.UUID, name string) {
	if _, exists := g.nodes[id]; !exists {
		g.nodes[id] = name
		g.edges[id] = nil
		g.parents[id] = nil
	}
}

// AddEdge records that dependent depends on dependency.
func (g *Graph) AddEdge(dependency, dependent uuid.UUID) error {
	if _, exists := g.nodes[dependency]; !exists {
		return fmt.Errorf("dependency node %s does not exist", dependency)
	}
	if _, exists := g.nodes[dependent]; !exists {
		return fmt.Errorf("dependent node %s does not exist", dependent)
	}
	if dependency == dependent {
		return fmt.Errorf("formula %q depends on itself", g.nodes[dependency])
	}

	if !contains(g.edges[dependency], dependent) {
		g.edges[dependency] = append(g.edges[dependency], dependent)
	}
	if !contains(g.parents[dependent], dependency) {
		g.parents[dependent] = append(g.parents[dependent], dependency)
	}
	return nil
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// HasCycle returns true if the graph contains a cycle, along with the
// names of the formulas on the cycle path.
func (g *Graph) HasCycle() (bool, []string) {
	visited := make(map[uuid.UUID]bool)
	recStack := make(map[uuid.UUID]bool)
	path := make(map[uuid.UUID]uuid.UUID)

	var cyclePath []string

	var dfs func(id uuid.UUID) bool
	dfs = func(id uuid.UUID) bool {
		visited[id] = true
		recStack[id] = true

		for _, childID := range g.edges[id] {
			if !visited[childID] {
				path[childID] = id
				if dfs(childID) {
					return true
				}
			} else if recStack[childID] {
				// Found a cycle; reconstruct the path for the error
				cyclePath = []string{g.nodes[childID]}
				for curr := id; curr != childID; curr = path[curr] {
					cyclePath = append([]string{g.nodes[curr]}, cyclePath...)
				}
				cyclePath = append([]string{g.nodes[childID]}, cyclePath...)
				return true
			}
		}

		recStack[id] = false
		return false
	}

	// Sort ids for a deterministic cycle report
	ids := make([]uuid.UUID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		if !visited[id] {
			if dfs(id) {
				return true, cyclePath
			}
		}
	}

	return false, nil
}

// Dependencies returns the direct dependencies of a formula.
func (g *Graph) Dependencies(id uuid.UUID) []uuid.UUID {
	return g.parents[id]
}

// Dependents returns the formulas that directly depend on the given one.
func (g *Graph) Dependents(id uuid.UUID) []uuid.UUID {
	return g.edges[id]
}

// contains checks if a slice contains an id.
func contains(slice []uuid.UUID, id uuid.UUID) bool {
	for _, s := range slice {
		if s == id {
			return true
		}
	}
	return false
}
