package formula

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calcline-labs/calcline/internal/model"
	"github.com/calcline-labs/calcline/internal/store"
	"github.com/calcline-labs/calcline/pkg/expr"
)

func TestResolver_ParseResolvesDependencies(t *testing.T) {
	priceID := uuid.New()
	quantityID := uuid.New()

	formula := &model.Formula{ID: uuid.New(), Name: "total", Expression: "price * quantity / 2"}
	siblings := []*model.Formula{
		formula,
		{ID: priceID, Name: "price"},
	}
	fields := []*model.DatasheetElement{
		{ID: quantityID, Name: "quantity"},
	}

	r := NewResolver(nil, nil)
	details, err := r.Parse(formula, siblings, fields)
	require.NoError(t, err)

	assert.Equal(t, map[string]uuid.UUID{"price": priceID}, details.DependsOnFormulas)
	assert.Equal(t, map[string]uuid.UUID{"quantity": quantityID}, details.DependsOnFields)
	assert.Equal(t, "_divz((price * quantity), 2)", details.Expression)
}

func TestResolver_ParseRejectsSelfReference(t *testing.T) {
	formula := &model.Formula{ID: uuid.New(), Name: "total", Expression: "total + 1"}

	r := NewResolver(nil, nil)
	_, err := r.Parse(formula, []*model.Formula{formula}, nil)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "references itself")
}

func TestResolver_ParseRejectsUnresolvedName(t *testing.T) {
	formula := &model.Formula{ID: uuid.New(), Name: "total", Expression: "price + shipping"}
	fields := []*model.DatasheetElement{{ID: uuid.New(), Name: "price"}}

	r := NewResolver(nil, nil)
	_, err := r.Parse(formula, nil, fields)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), `"shipping"`)
}

func TestResolver_ParseRejectsUnknownFunction(t *testing.T) {
	formula := &model.Formula{ID: uuid.New(), Name: "total", Expression: "eval(price)"}
	fields := []*model.DatasheetElement{{ID: uuid.New(), Name: "price"}}

	r := NewResolver(nil, nil)
	_, err := r.Parse(formula, nil, fields)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), `"eval"`)
}

func TestResolver_ParseRejectsDivisionGuardByName(t *testing.T) {
	formula := &model.Formula{ID: uuid.New(), Name: "total", Expression: "_divz(price, 0)"}
	fields := []*model.DatasheetElement{{ID: uuid.New(), Name: "price"}}

	r := NewResolver(nil, nil)
	_, err := r.Parse(formula, nil, fields)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), `"_divz"`)
}

func TestResolver_ParseAllowsProgramDefinedFunctions(t *testing.T) {
	formula := &model.Formula{
		ID:         uuid.New(),
		Name:       "total",
		Expression: "def net(x): return x * 0.8\nnet(price)",
	}
	fields := []*model.DatasheetElement{{ID: uuid.New(), Name: "price"}}

	r := NewResolver(nil, nil)
	details, err := r.Parse(formula, nil, fields)
	require.NoError(t, err)
	assert.Equal(t, map[string]uuid.UUID{"price": fields[0].ID}, details.DependsOnFields)
}

func TestResolver_ParsePassesSyntaxErrorThrough(t *testing.T) {
	formula := &model.Formula{ID: uuid.New(), Name: "total", Expression: "1 +"}

	r := NewResolver(nil, nil)
	_, err := r.Parse(formula, nil, nil)

	var serr *expr.SyntaxError
	assert.ErrorAs(t, err, &serr)
}

func seedProject(t *testing.T, s store.Store) (projectID, defID, elementID, rootID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	projectID = uuid.New()
	defID = uuid.New()
	datasheetID := uuid.New()
	elementID = uuid.New()
	rootID = uuid.New()

	require.NoError(t, s.UpsertProjectDefinition(ctx, &model.ProjectDefinition{
		ID: defID, Name: "def", DatasheetDefinitionID: datasheetID,
	}))
	require.NoError(t, s.UpsertProject(ctx, &model.Project{
		ID: projectID, Name: "project", ProjectDefinitionID: defID,
	}))
	require.NoError(t, s.UpsertElement(ctx, &model.DatasheetElement{
		ID: elementID, DatasheetDefinitionID: datasheetID, Name: "pump",
	}))
	return projectID, defID, elementID, rootID
}

func TestResolver_ComputeAllProjectFormula(t *testing.T) {
	s := store.NewSQLiteStore()
	require.NoError(t, s.Open(":memory:"))
	defer s.Close()
	ctx := context.Background()

	projectID, defID, elementID, rootID := seedProject(t, s)

	pumpNodeID := uuid.New()
	priceNodeID := uuid.New()
	quantityNodeID := uuid.New()
	require.NoError(t, s.UpsertProjectNodes(ctx, []*model.ProjectNode{
		{ID: rootID, ProjectID: projectID, ElementID: uuid.New(), Path: []uuid.UUID{rootID}, Name: "root"},
		{ID: pumpNodeID, ProjectID: projectID, ElementID: elementID, Path: []uuid.UUID{rootID, pumpNodeID}, Name: "pump"},
		{ID: priceNodeID, ProjectID: projectID, ElementID: uuid.New(), Path: []uuid.UUID{rootID, pumpNodeID, priceNodeID}, Name: "price", Value: float64(10)},
		{ID: quantityNodeID, ProjectID: projectID, ElementID: uuid.New(), Path: []uuid.UUID{rootID, pumpNodeID, quantityNodeID}, Name: "quantity", Value: float64(3)},
	}))

	formulaID := uuid.New()
	require.NoError(t, s.UpsertFormula(ctx, &model.Formula{
		ID:                  formulaID,
		ProjectDefinitionID: defID,
		Name:                "total",
		Expression:          "price * quantity",
		AttachmentElementID: elementID,
	}))

	r := NewResolver(s, nil)
	index, err := r.ComputeAllProjectFormula(ctx, projectID, defID)
	require.NoError(t, err)

	units := index.FormulaUnits(formulaID)
	require.Len(t, units, 1)

	value, err := units[0].Value()
	require.NoError(t, err)
	d, ok := value.(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.NewFromInt(30)), "got %s", d)
}

func TestResolver_ComputeAllProjectFormulaRejectsCycle(t *testing.T) {
	s := store.NewSQLiteStore()
	require.NoError(t, s.Open(":memory:"))
	defer s.Close()
	ctx := context.Background()

	projectID, defID, elementID, _ := seedProject(t, s)

	aID := uuid.New()
	bID := uuid.New()
	require.NoError(t, s.UpsertFormula(ctx, &model.Formula{
		ID: aID, ProjectDefinitionID: defID, Name: "a", Expression: "b + 1",
		AttachmentElementID: elementID,
		DependsOnFormulas:   map[string]uuid.UUID{"b": bID},
	}))
	require.NoError(t, s.UpsertFormula(ctx, &model.Formula{
		ID: bID, ProjectDefinitionID: defID, Name: "b", Expression: "a + 1",
		AttachmentElementID: elementID,
		DependsOnFormulas:   map[string]uuid.UUID{"a": aID},
	}))

	r := NewResolver(s, nil)
	_, err := r.ComputeAllProjectFormula(ctx, projectID, defID)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "cycle")
}
