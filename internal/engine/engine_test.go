package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calcline-labs/calcline/internal/blob"
	"github.com/calcline-labs/calcline/internal/store"
	"github.com/calcline-labs/calcline/internal/testutil"
)

type seedIDs struct {
	project     uuid.UUID
	definition  uuid.UUID
	report      uuid.UUID
	formula     uuid.UUID
	pumpElement uuid.UUID
}

// seedEngine builds an engine over in-memory stores and loads a small
// pump-ordering scenario: two positions joined to articles, one formula
// computing a line total per pump node.
func seedEngine(t *testing.T) (*Engine, seedIDs) {
	t.Helper()

	s := store.NewSQLiteStore()
	require.NoError(t, s.Open(":memory:"))
	t.Cleanup(func() { s.Close() })
	blobs, err := blob.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	e, err := New(Config{Store: s, Blobs: blobs, Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)

	ids := seedIDs{
		project:     uuid.New(),
		definition:  uuid.New(),
		report:      uuid.New(),
		formula:     uuid.New(),
		pumpElement: uuid.New(),
	}
	datasheetID := uuid.New()
	rootID := uuid.New()
	pumpNodeID := uuid.New()
	priceNodeID := uuid.New()
	quantityNodeID := uuid.New()
	priceElement := uuid.New()
	quantityElement := uuid.New()
	articlesID := uuid.New()
	positionsID := uuid.New()
	articleID := uuid.New()

	seed := fmt.Sprintf(`
project_definition:
  id: %s
  name: pump-station
  datasheet_definition_id: %s
project:
  id: %s
  name: order-4711
elements:
  - id: %s
    name: pump
  - id: %s
    name: price
  - id: %s
    name: quantity
nodes:
  - id: %s
    element_id: %s
    path: [%s]
    name: root
  - id: %s
    element_id: %s
    path: [%s, %s]
    name: pump
  - id: %s
    element_id: %s
    path: [%s, %s, %s]
    name: price
    value: 10
  - id: %s
    element_id: %s
    path: [%s, %s, %s]
    name: quantity
    value: 3
formulas:
  - id: %s
    name: line_total
    expression: price * quantity
    attachment_element_id: %s
collections:
  - id: %s
    name: articles
    labels:
      - id: %s
        attributes: {number: "A-100", name: "pump housing"}
  - id: %s
    name: positions
    labels:
      - id: %s
        attributes: {pos: "10", article_id: "%s", formula_id: "%s", stage: "foundation"}
      - id: %s
        attributes: {pos: "20", article_id: "%s", formula_id: "%s", stage: "roof"}
reports:
  - id: %s
    name: bill-of-materials
    base_alias: position
    base_collection_id: %s
    joins:
      - from_alias: position
        from_property: article_id
        target_collection_id: %s
        dest_alias: article
        same_cardinality: true
    formula_join:
      alias: calc
      from_alias: position
      from_property: formula_id
    columns:
      - name: pos
        expression: position.pos
      - name: article
        expression: article.name
      - name: total
        expression: calc.value
    order_by: [position.pos]
    stage_attribute: position.stage
    stage_summary:
      label: Stage total
      expression: sum(total)
    summaries:
      - label: grand_total
        expression: sum(total)
`,
		ids.definition, datasheetID,
		ids.project,
		ids.pumpElement, priceElement, quantityElement,
		rootID, uuid.New(), rootID,
		pumpNodeID, ids.pumpElement, rootID, pumpNodeID,
		priceNodeID, priceElement, rootID, pumpNodeID, priceNodeID,
		quantityNodeID, quantityElement, rootID, pumpNodeID, quantityNodeID,
		ids.formula, ids.pumpElement,
		articlesID, articleID,
		positionsID,
		uuid.New(), articleID.String(), ids.formula.String(),
		uuid.New(), articleID.String(), ids.formula.String(),
		ids.report, positionsID, articlesID,
	)

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))
	require.NoError(t, e.LoadSeed(context.Background(), path))
	return e, ids
}

func TestEngine_RefreshCache(t *testing.T) {
	e, ids := seedEngine(t)

	rows, err := e.RefreshCache(context.Background(), ids.report)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "pump housing", rows[0]["article"]["name"])
	assert.Equal(t, ids.formula.String(), rows[0]["calc"]["formula_id"])
}

func TestEngine_ComputeAllProjectFormula(t *testing.T) {
	e, ids := seedEngine(t)

	index, err := e.ComputeAllProjectFormula(context.Background(), ids.project, ids.definition)
	require.NoError(t, err)

	units := index.FormulaUnits(ids.formula)
	require.Len(t, units, 1)
	value, err := units[0].Value()
	require.NoError(t, err)
	d, ok := value.(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.NewFromInt(30)))
}

func TestEngine_LinkReport(t *testing.T) {
	e, ids := seedEngine(t)
	ctx := context.Background()

	result, err := e.LinkReport(ctx, ids.report, ids.project)
	require.NoError(t, err)

	// One position per stage, each linked to the single pump unit.
	require.Len(t, result.Stages, 2)
	assert.Equal(t, "foundation", result.Stages[0].Label)
	require.Len(t, result.Stages[0].Rows, 1)
	total, ok := result.Stages[0].Rows[0].Columns["total"].(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, total.Equal(decimal.NewFromInt(30)))
	stageTotal, ok := result.Stages[0].Summary.Value.(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, stageTotal.Equal(decimal.NewFromInt(30)))

	require.Len(t, result.Summaries, 1)
	grand, ok := result.Summaries[0].Value.(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, grand.Equal(decimal.NewFromInt(60)))
}

func TestEngine_UnitResultRoundTripDrivesTouched(t *testing.T) {
	e, ids := seedEngine(t)
	ctx := context.Background()

	first, err := e.ComputeAllProjectFormula(ctx, ids.project, ids.definition)
	require.NoError(t, err)
	require.NoError(t, e.StoreUnitResults(ctx, ids.project, first))

	// A second run sees the stored prior and reports the unit untouched.
	second, err := e.ComputeAllProjectFormula(ctx, ids.project, ids.definition)
	require.NoError(t, err)
	units := second.FormulaUnits(ids.formula)
	require.Len(t, units, 1)
	touched, err := units[0].Touched()
	require.NoError(t, err)
	assert.False(t, touched)
}

func TestEngine_LinkAll(t *testing.T) {
	e, ids := seedEngine(t)

	reports, err := e.LinkAll(context.Background(), ids.project)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, ids.report, reports[0].ReportDefinitionID)
}

func TestEngine_NewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
