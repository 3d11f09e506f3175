package unit

import (
	"github.com/google/uuid"
)

// Index is a per-computation multi-map from resolution keys to units.
// It is populated completely before any lookup (build-then-query) and is
// rebuilt fresh for every run; nothing here survives across calls.
type Index struct {
	units map[string][]Unit
	all   []Unit // registration order, for deterministic iteration
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{units: make(map[string][]Unit)}
}

// Add registers the unit under every "{ancestorID}.{name}" key along its
// path plus a bare "{name}" key.
func (idx *Index) Add(u Unit) {
	name := u.Name()
	for _, ancestor := range u.Path() {
		key := ancestor.String() + "." + name
		idx.units[key] = append(idx.units[key], u)
	}
	idx.units[name] = append(idx.units[name], u)
	idx.all = append(idx.all, u)
}

// Len returns the number of registered units.
func (idx *Index) Len() int { return len(idx.all) }

// Resolve finds the units a name refers to from the given node's position,
// trying in order: the node itself, the nearest ancestor first along the
// path, then the bare name. An unknown name resolves to nothing.
func (idx *Index) Resolve(fromNodeID uuid.UUID, fromPath []uuid.UUID, name string) []Unit {
	if units, ok := idx.units[fromNodeID.String()+"."+name]; ok {
		return units
	}

	// Nearest ancestor wins: walk the path from the end (self) upward.
	for i := len(fromPath) - 1; i >= 0; i-- {
		if fromPath[i] == fromNodeID {
			continue
		}
		if units, ok := idx.units[fromPath[i].String()+"."+name]; ok {
			return units
		}
	}

	if units, ok := idx.units[name]; ok {
		return units
	}
	return nil
}

// FormulaUnits returns every registered formula unit whose formula id
// matches, in registration order. The report linker joins on these.
func (idx *Index) FormulaUnits(formulaID uuid.UUID) []*FormulaUnit {
	var out []*FormulaUnit
	for _, u := range idx.all {
		if fu, ok := u.(*FormulaUnit); ok && fu.FormulaID() == formulaID {
			out = append(out, fu)
		}
	}
	return out
}

// AllFormulaUnits returns every registered formula unit in registration
// order.
func (idx *Index) AllFormulaUnits() []*FormulaUnit {
	var out []*FormulaUnit
	for _, u := range idx.all {
		if fu, ok := u.(*FormulaUnit); ok {
			out = append(out, fu)
		}
	}
	return out
}
