package dag

import (
	"testing"

	"github.com/google/uuid"
)

func TestGraph_AddNodeAndEdge(t *testing.T) {
	g := NewGraph()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	g.AddNode(a, "a")
	g.AddNode(b, "b")
	g.AddNode(c, "c")

	if g.NodeCount() != 3 {
		t.Errorf("expected 3 nodes, got %d", g.NodeCount())
	}

	// b depends on a
	if err := g.AddEdge(a, b); err != nil {
		t.Errorf("failed to add edge: %v", err)
	}
	// c depends on b
	if err := g.AddEdge(b, c); err != nil {
		t.Errorf("failed to add edge: %v", err)
	}

	if len(g.Dependencies(c)) != 1 {
		t.Errorf("expected c to have 1 dependency, got %d", len(g.Dependencies(c)))
	}
	if len(g.Dependents(a)) != 1 {
		t.Errorf("expected a to have 1 dependent, got %d", len(g.Dependents(a)))
	}
}

func TestGraph_AddEdge_InvalidNodes(t *testing.T) {
	g := NewGraph()
	a := uuid.New()
	g.AddNode(a, "a")

	if err := g.AddEdge(a, uuid.New()); err == nil {
		t.Error("expected error for nonexistent dependent node")
	}
	if err := g.AddEdge(uuid.New(), a); err == nil {
		t.Error("expected error for nonexistent dependency node")
	}
}

func TestGraph_AddEdge_SelfLoop(t *testing.T) {
	g := NewGraph()
	a := uuid.New()
	g.AddNode(a, "a")

	if err := g.AddEdge(a, a); err == nil {
		t.Error("expected error for self-loop")
	}
}

func TestGraph_HasCycle(t *testing.T) {
	g := NewGraph()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	g.AddNode(a, "a")
	g.AddNode(b, "b")
	g.AddNode(c, "c")
	g.AddEdge(a, b)
	g.AddEdge(b, c)

	if has, _ := g.HasCycle(); has {
		t.Error("acyclic graph reported a cycle")
	}

	g.AddEdge(c, a)
	has, path := g.HasCycle()
	if !has {
		t.Fatal("cycle not detected")
	}
	if len(path) < 3 {
		t.Errorf("expected a cycle path naming the formulas, got %v", path)
	}
}
