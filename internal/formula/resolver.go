// Package formula validates user-authored formulas against their project
// definition and instantiates the per-project unit index the expression
// evaluator computes against.
package formula

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/calcline-labs/calcline/internal/dag"
	"github.com/calcline-labs/calcline/internal/model"
	"github.com/calcline-labs/calcline/internal/store"
	"github.com/calcline-labs/calcline/internal/unit"
	"github.com/calcline-labs/calcline/pkg/expr"
)

// ValidationError reports a formula that must not be saved: it references
// itself, references a name unresolvable among its sibling formulas and
// fields, calls a function outside the whitelist, or closes a dependency
// cycle.
type ValidationError struct {
	Formula string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Formula == "" {
		return fmt.Sprintf("formula validation: %s", e.Message)
	}
	return fmt.Sprintf("formula %q: %s", e.Formula, e.Message)
}

func validationErrorf(formula string, format string, args ...any) *ValidationError {
	return &ValidationError{Formula: formula, Message: fmt.Sprintf(format, args...)}
}

// FormulaDetails is the outcome of validating a formula: the parsed,
// division-rewritten program plus the resolved dependency maps the caller
// persists as the dependency graph.
type FormulaDetails struct {
	Program *expr.Program
	// Expression is the rewritten expression text, division guard applied.
	Expression string
	// DependsOnFormulas maps referenced sibling formula names to their ids.
	DependsOnFormulas map[string]uuid.UUID
	// DependsOnFields maps referenced field names to datasheet element ids.
	DependsOnFields map[string]uuid.UUID
}

// Resolver validates formulas and builds unit indexes.
type Resolver struct {
	store  store.Store
	logger *slog.Logger
}

// NewResolver creates a resolver over the given store. A nil logger
// discards all output.
func NewResolver(s store.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{store: s, logger: logger}
}

// Parse validates a formula against its sibling formulas and the fields of
// its project definition. Syntax errors pass through unchanged; everything
// else fails with a ValidationError.
func (r *Resolver) Parse(formula *model.Formula, siblings []*model.Formula, fields []*model.DatasheetElement) (*FormulaDetails, error) {
	program, err := expr.Parse(formula.Expression)
	if err != nil {
		return nil, err
	}

	formulasByName := make(map[string]uuid.UUID, len(siblings))
	for _, sibling := range siblings {
		if sibling.ID == formula.ID {
			continue
		}
		formulasByName[sibling.Name] = sibling.ID
	}
	fieldsByName := make(map[string]uuid.UUID, len(fields))
	for _, field := range fields {
		fieldsByName[field.Name] = field.ID
	}
	localFuncs := make(map[string]bool, len(program.Funcs))
	for _, fn := range program.Funcs {
		localFuncs[fn.Name] = true
	}

	for _, call := range expr.CallNames(program) {
		if localFuncs[call] || expr.Whitelisted(call) {
			continue
		}
		return nil, validationErrorf(formula.Name, "call to %q is not allowed, known functions are %s",
			call, strings.Join(expr.BuiltinNames(), ", "))
	}

	details := &FormulaDetails{
		Program:           program,
		Expression:        program.String(),
		DependsOnFormulas: map[string]uuid.UUID{},
		DependsOnFields:   map[string]uuid.UUID{},
	}
	for _, name := range expr.ProgramNames(program) {
		if name == formula.Name {
			return nil, validationErrorf(formula.Name, "references itself")
		}
		if id, ok := formulasByName[name]; ok {
			details.DependsOnFormulas[name] = id
			continue
		}
		if id, ok := fieldsByName[name]; ok {
			details.DependsOnFields[name] = id
			continue
		}
		return nil, validationErrorf(formula.Name, "references %q, which is neither a formula nor a field of this definition", name)
	}
	return details, nil
}

// ComputeAllProjectFormula loads the project's field values and its
// definition's formulas and returns a freshly populated, unevaluated unit
// index: one field unit per valued node, one formula unit per formula and
// attachment node. Before any unit is built the persisted dependency graph
// is checked for cycles, so evaluation never recurses into one.
func (r *Resolver) ComputeAllProjectFormula(ctx context.Context, projectID, projectDefinitionID uuid.UUID) (*unit.Index, error) {
	formulas, err := r.store.ListFormulas(ctx, projectDefinitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load formulas: %w", err)
	}
	nodes, err := r.store.ListProjectNodes(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project nodes: %w", err)
	}

	if err := checkAcyclic(formulas); err != nil {
		return nil, err
	}

	index := unit.NewIndex()
	for _, node := range nodes {
		if node.Value == nil {
			continue
		}
		index.Add(unit.NewFieldUnit(node.Name, node.ID, node.Path, node.Value))
	}

	nodesByElement := map[uuid.UUID][]*model.ProjectNode{}
	for _, node := range nodes {
		nodesByElement[node.ElementID] = append(nodesByElement[node.ElementID], node)
	}

	for _, formula := range formulas {
		program, err := expr.Parse(formula.Expression)
		if err != nil {
			return nil, fmt.Errorf("stored formula %q does not parse: %w", formula.Name, err)
		}
		depNames := expr.ProgramNames(program)

		attachments := nodesByElement[formula.AttachmentElementID]
		if len(attachments) == 0 {
			r.logger.Debug("formula has no attachment nodes in this project",
				"formula", formula.Name, "project_id", projectID)
			continue
		}
		for _, node := range attachments {
			index.Add(unit.NewFormulaUnit(formula.ID, formula.Name, node.ID, node.Path, program, depNames, index))
		}
	}

	r.logger.Debug("built unit index",
		"project_id", projectID, "units", index.Len(), "formulas", len(formulas))
	return index, nil
}

// checkAcyclic walks the persisted formula dependency maps and fails with a
// ValidationError naming the cycle if one exists.
func checkAcyclic(formulas []*model.Formula) error {
	graph := dag.NewGraph()
	for _, formula := range formulas {
		graph.AddNode(formula.ID, formula.Name)
	}
	for _, formula := range formulas {
		for _, depID := range formula.DependsOnFormulas {
			if err := graph.AddEdge(depID, formula.ID); err != nil {
				return validationErrorf(formula.Name, "%v", err)
			}
		}
	}
	if cyclic, path := graph.HasCycle(); cyclic {
		return validationErrorf("", "formula dependency cycle: %s", strings.Join(path, " -> "))
	}
	return nil
}
