// Package unit wraps stored field values and formula results as named,
// path-located, lazily computed values ("units"), and indexes them for
// name resolution during formula evaluation.
package unit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/calcline-labs/calcline/pkg/expr"
)

// Unit is a named, path-located value usable inside expressions: either a
// project node's stored field value or a formula's computed result.
type Unit interface {
	// Name is the name formulas reference the unit by.
	Name() string
	// NodeID is the project node the unit is attached to.
	NodeID() uuid.UUID
	// Path lists node ids from the root down to the attachment node.
	Path() []uuid.UUID
	// Value returns the unit's value, computing it on first access.
	Value() (expr.Value, error)
	// Trace returns the calculation trace produced alongside the value.
	Trace() (string, error)
}

// FieldUnit wraps a project node's stored value. It is immutable once
// read.
type FieldUnit struct {
	name   string
	nodeID uuid.UUID
	path   []uuid.UUID
	value  expr.Value
}

// NewFieldUnit creates a field unit from a stored node value. Native Go
// numerics are normalized to decimals on the way in.
func NewFieldUnit(name string, nodeID uuid.UUID, path []uuid.UUID, value any) *FieldUnit {
	return &FieldUnit{
		name:   name,
		nodeID: nodeID,
		path:   path,
		value:  expr.Normalize(value),
	}
}

func (u *FieldUnit) Name() string      { return u.name }
func (u *FieldUnit) NodeID() uuid.UUID { return u.nodeID }
func (u *FieldUnit) Path() []uuid.UUID { return u.path }

// Value returns the stored value.
func (u *FieldUnit) Value() (expr.Value, error) { return u.value, nil }

// Trace describes the stored value.
func (u *FieldUnit) Trace() (string, error) {
	return fmt.Sprintf("%s = %s (field)", u.name, expr.FormatValue(u.value)), nil
}

// computeState is the formula unit's lifecycle. Computed is terminal.
type computeState int

const (
	stateUninitialized computeState = iota
	stateComputing
	stateComputed
)

// FormulaUnit is a formula instantiated on one attachment node. Its value
// is produced by evaluating the formula's expression against a scope built
// from its declared dependencies, computed once on first access and
// memoized.
//
// Cycle detection is not performed here: the formula resolver proves the
// dependency graph acyclic before any unit is built. The explicit state
// machine still fails loudly on re-entrant evaluation instead of silently
// recursing.
type FormulaUnit struct {
	formulaID uuid.UUID
	name      string
	nodeID    uuid.UUID
	path      []uuid.UUID
	program   *expr.Program
	depNames  []string
	index     *Index

	state computeState
	value expr.Value
	trace string
	err   error

	// prior result loaded from the durable cache, for Touched comparison
	prior *PriorResult
}

// PriorResult is a previously stored computed value and trace.
type PriorResult struct {
	Value expr.Value
	Trace string
}

// NewFormulaUnit creates an unevaluated formula unit bound to the index it
// resolves dependencies through.
func NewFormulaUnit(formulaID uuid.UUID, name string, nodeID uuid.UUID, path []uuid.UUID, program *expr.Program, depNames []string, index *Index) *FormulaUnit {
	return &FormulaUnit{
		formulaID: formulaID,
		name:      name,
		nodeID:    nodeID,
		path:      path,
		program:   program,
		depNames:  depNames,
		index:     index,
	}
}

func (u *FormulaUnit) Name() string         { return u.name }
func (u *FormulaUnit) NodeID() uuid.UUID    { return u.nodeID }
func (u *FormulaUnit) Path() []uuid.UUID    { return u.path }
func (u *FormulaUnit) FormulaID() uuid.UUID { return u.formulaID }

// SetPrior attaches a previously stored result, enabling Touched.
func (u *FormulaUnit) SetPrior(prior *PriorResult) { u.prior = prior }

// Value computes the formula on first access and returns the memoized
// result afterwards.
func (u *FormulaUnit) Value() (expr.Value, error) {
	if err := u.compute(); err != nil {
		return nil, err
	}
	return u.value, u.err
}

// Trace returns the calculation trace, computing the unit if needed.
func (u *FormulaUnit) Trace() (string, error) {
	if err := u.compute(); err != nil {
		return "", err
	}
	return u.trace, u.err
}

// Touched reports whether the computed value or trace differs from the
// prior stored result. A unit without a prior result is always touched.
func (u *FormulaUnit) Touched() (bool, error) {
	if err := u.compute(); err != nil {
		return false, err
	}
	if u.err != nil {
		return false, u.err
	}
	if u.prior == nil {
		return true, nil
	}
	if u.trace != u.prior.Trace {
		return true, nil
	}
	return !valuesMatch(u.value, u.prior.Value), nil
}

// compute drives the state machine. It returns an error only on re-entry;
// evaluation failures are cached and surface through Value/Trace.
func (u *FormulaUnit) compute() error {
	switch u.state {
	case stateComputed:
		return nil
	case stateComputing:
		return fmt.Errorf("re-entrant evaluation of formula %q on node %s: dependency graph was not proven acyclic", u.name, u.nodeID)
	}

	u.state = stateComputing
	scope := make(expr.Scope, len(u.depNames))
	for _, dep := range u.depNames {
		units := u.index.Resolve(u.nodeID, u.path, dep)
		value, err := BindValue(units)
		if err != nil {
			u.err = fmt.Errorf("dependency %q of formula %q: %w", dep, u.name, err)
			u.state = stateComputed
			return nil
		}
		scope[dep] = value
	}

	value, err := expr.Evaluate(u.program, scope)
	if err != nil {
		u.err = fmt.Errorf("formula %q: %w", u.name, err)
		u.state = stateComputed
		return nil
	}

	u.value = value
	u.trace = buildTrace(u.name, u.program, scope, value)
	u.state = stateComputed
	return nil
}

// BindValue applies the singleton/collection asymmetry formulas are
// authored against: exactly one unit binds its scalar value, several units
// bind the sum of their values. No units bind none.
func BindValue(units []Unit) (expr.Value, error) {
	switch len(units) {
	case 0:
		return nil, nil
	case 1:
		return units[0].Value()
	}

	total := decimal.Zero
	for _, u := range units {
		value, err := u.Value()
		if err != nil {
			return nil, err
		}
		d, ok := value.(decimal.Decimal)
		if !ok {
			return nil, fmt.Errorf("cannot sum non-numeric unit %q (%T)", u.Name(), value)
		}
		total = total.Add(d)
	}
	return total, nil
}

// buildTrace renders a deterministic, human-readable derivation record.
func buildTrace(name string, program *expr.Program, scope expr.Scope, value expr.Value) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteString(" = ")
	b.WriteString(program.String())

	if len(scope) > 0 {
		names := make([]string, 0, len(scope))
		for dep := range scope {
			names = append(names, dep)
		}
		sort.Strings(names)

		b.WriteString(" where ")
		for i, dep := range names {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(dep)
			b.WriteString("=")
			b.WriteString(expr.FormatValue(scope[dep]))
		}
	}

	b.WriteString(" => ")
	b.WriteString(expr.FormatValue(value))
	return b.String()
}

// valuesMatch compares a computed value with a stored prior value.
func valuesMatch(a, b expr.Value) bool {
	da, aOK := a.(decimal.Decimal)
	db, bOK := b.(decimal.Decimal)
	if aOK && bOK {
		return da.Equal(db)
	}
	return expr.FormatValue(a) == expr.FormatValue(b)
}
