package report

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calcline-labs/calcline/internal/model"
	"github.com/calcline-labs/calcline/internal/unit"
	"github.com/calcline-labs/calcline/pkg/expr"
)

func testProject() *model.Project {
	return &model.Project{ID: uuid.New(), Name: "project", ProjectDefinitionID: uuid.New()}
}

func testProjectDef() *model.ProjectDefinition {
	return &model.ProjectDefinition{ID: uuid.New(), Name: "definition", DatasheetDefinitionID: uuid.New()}
}

func mustProgram(t *testing.T, source string) *expr.Program {
	t.Helper()
	program, err := expr.Parse(source)
	require.NoError(t, err)
	return program
}

func assertDecimal(t *testing.T, want int64, got expr.Value) {
	t.Helper()
	d, ok := got.(decimal.Decimal)
	require.True(t, ok, "expected decimal, got %T", got)
	assert.True(t, d.Equal(decimal.NewFromInt(want)), "expected %d, got %s", want, d)
}

func TestLinkReport_FormulaJoinFansOutAndDrops(t *testing.T) {
	index := unit.NewIndex()
	formulaID := uuid.New()
	nodeA := uuid.New()
	nodeB := uuid.New()
	// Two attachment nodes with positive results, one with zero.
	index.Add(unit.NewFormulaUnit(formulaID, "qty", nodeA, []uuid.UUID{nodeA}, mustProgram(t, "3"), nil, index))
	index.Add(unit.NewFormulaUnit(formulaID, "qty", nodeB, []uuid.UUID{nodeB}, mustProgram(t, "5"), nil, index))
	zeroNode := uuid.New()
	index.Add(unit.NewFormulaUnit(formulaID, "qty", zeroNode, []uuid.UUID{zeroNode}, mustProgram(t, "0"), nil, index))

	rows := []Row{
		{"item": Attrs{"pos": "a"}, "calc": Attrs{"formula_id": formulaID.String()}},
		{"item": Attrs{"pos": "orphan"}, "calc": Attrs{"formula_id": uuid.New().String()}},
	}
	def := &model.ReportDefinition{
		Name:        "r",
		FormulaJoin: &model.FormulaJoinSpec{Alias: "calc", FromAlias: "item", FromProperty: "calc_id"},
		Columns:     []model.ColumnSpec{{Name: "qty", Expression: "calc.value"}},
	}

	report, err := NewLinker(nil).LinkReport(context.Background(), def, testProjectDef(), testProject(), rows, index)
	require.NoError(t, err)

	// The first row fans out into the two positive units; the zero unit
	// selects nothing and the orphan row has no matching unit at all.
	all := report.Rows()
	require.Len(t, all, 2)
	assertDecimal(t, 3, all[0].Columns["qty"])
	assertDecimal(t, 5, all[1].Columns["qty"])
	assert.Contains(t, all[0].Source["calc"]["trace"], "qty")
}

func TestLinkReport_GroupingCollapsesEqualDigests(t *testing.T) {
	// Two base rows, each joined to one tag row joined to two detail rows:
	// four pre-group rows collapsing by detail name.
	rows := []Row{
		{"a": Attrs{"id": "a1", "net": float64(1)}, "c": Attrs{"name": "bolt"}},
		{"a": Attrs{"id": "a1", "net": float64(2)}, "c": Attrs{"name": "nut"}},
		{"a": Attrs{"id": "a2", "net": float64(3)}, "c": Attrs{"name": "bolt"}},
		{"a": Attrs{"id": "a2", "net": float64(4)}, "c": Attrs{"name": "nut"}},
	}
	def := &model.ReportDefinition{
		Name: "r",
		Columns: []model.ColumnSpec{
			{Name: "name", Expression: "c.name", AlwaysVisible: true},
			{Name: "net", Expression: "a.net"},
			{Name: "total", Expression: "sum(net)", Aggregate: true},
		},
		GroupBy: []string{"c.name"},
		OrderBy: []string{"c.name"},
	}

	report, err := NewLinker(nil).LinkReport(context.Background(), def, testProjectDef(), testProject(), rows, unit.NewIndex())
	require.NoError(t, err)

	all := report.Rows()
	require.Len(t, all, 2)
	assert.Equal(t, "bolt", all[0].Columns["name"])
	assertDecimal(t, 4, all[0].Columns["total"]) // 1 + 3
	assert.Equal(t, "nut", all[1].Columns["name"])
	assertDecimal(t, 6, all[1].Columns["total"]) // 2 + 4
	assert.NotContains(t, all[0].Columns, "net")
	assert.Equal(t, 1, all[0].Ordinal)
	assert.Equal(t, 2, all[1].Ordinal)
}

func TestLinkReport_ProjectAttributesMergeInstanceOverDefaults(t *testing.T) {
	projectDef := &model.ProjectDefinition{
		ID:   uuid.New(),
		Name: "definition",
		DefaultAttributes: map[string]any{
			"currency": "EUR",
			"discount": float64(0),
		},
	}
	project := &model.Project{
		ID:                  uuid.New(),
		Name:                "order-42",
		ProjectDefinitionID: projectDef.ID,
		Attributes:          map[string]any{"discount": float64(5)},
	}
	def := &model.ReportDefinition{
		Name:         "r",
		ProjectAlias: "order",
		Columns: []model.ColumnSpec{
			{Name: "currency", Expression: "order.currency"},
			{Name: "discount", Expression: "order.discount"},
			{Name: "who", Expression: "order.name"},
		},
	}
	rows := []Row{{"item": Attrs{"pos": "a"}}}

	report, err := NewLinker(nil).LinkReport(context.Background(), def, projectDef, project, rows, unit.NewIndex())
	require.NoError(t, err)

	all := report.Rows()
	require.Len(t, all, 1)
	// Defaults fill the gaps, instance values win, id and name always
	// come from the instance.
	assert.Equal(t, "EUR", all[0].Columns["currency"])
	assertDecimal(t, 5, all[0].Columns["discount"])
	assert.Equal(t, "order-42", all[0].Columns["who"])
	assert.Equal(t, project.ID.String(), all[0].Source["order"]["id"])
}

func TestLinkReport_HavingExcludesGroups(t *testing.T) {
	rows := []Row{
		{"a": Attrs{"net": float64(2)}, "c": Attrs{"name": "small"}},
		{"a": Attrs{"net": float64(50)}, "c": Attrs{"name": "large"}},
	}
	def := &model.ReportDefinition{
		Name: "r",
		Columns: []model.ColumnSpec{
			{Name: "net", Expression: "a.net"},
			{Name: "total", Expression: "sum(net)", Aggregate: true},
		},
		GroupBy: []string{"c.name"},
		Having:  "total > 10",
	}

	report, err := NewLinker(nil).LinkReport(context.Background(), def, testProjectDef(), testProject(), rows, unit.NewIndex())
	require.NoError(t, err)

	all := report.Rows()
	require.Len(t, all, 1)
	assertDecimal(t, 50, all[0].Columns["total"])
}

func TestLinkReport_GroupedWithoutAggregateIsConfigError(t *testing.T) {
	def := &model.ReportDefinition{
		Name:    "r",
		Columns: []model.ColumnSpec{{Name: "name", Expression: "c.name"}},
		GroupBy: []string{"c.name"},
	}
	rows := []Row{{"c": Attrs{"name": "x"}}}

	_, err := NewLinker(nil).LinkReport(context.Background(), def, testProjectDef(), testProject(), rows, unit.NewIndex())

	var gerr *GenerationError
	require.ErrorAs(t, err, &gerr)
	assert.Contains(t, gerr.Error(), "no aggregate column")
}

func TestLinkReport_OrderByIsStable(t *testing.T) {
	rows := []Row{
		{"item": Attrs{"pos": "b", "seq": float64(1)}},
		{"item": Attrs{"pos": "a", "seq": float64(2)}},
		{"item": Attrs{"pos": "a", "seq": float64(3)}},
	}
	def := &model.ReportDefinition{
		Name:    "r",
		Columns: []model.ColumnSpec{{Name: "seq", Expression: "item.seq"}},
		OrderBy: []string{"item.pos"},
	}

	report, err := NewLinker(nil).LinkReport(context.Background(), def, testProjectDef(), testProject(), rows, unit.NewIndex())
	require.NoError(t, err)

	all := report.Rows()
	require.Len(t, all, 3)
	// Equal keys keep their input order.
	assertDecimal(t, 2, all[0].Columns["seq"])
	assertDecimal(t, 3, all[1].Columns["seq"])
	assertDecimal(t, 1, all[2].Columns["seq"])
}

func TestLinkReport_StagesAndSummaries(t *testing.T) {
	rows := []Row{
		{"item": Attrs{"stage": "foundation", "net": float64(10)}},
		{"item": Attrs{"stage": "foundation", "net": float64(20)}},
		{"item": Attrs{"stage": "roof", "net": float64(5)}},
	}
	def := &model.ReportDefinition{
		Name:           "r",
		Columns:        []model.ColumnSpec{{Name: "net", Expression: "item.net"}},
		StageAttribute: "item.stage",
		StageSummary:   &model.SummarySpec{Label: "Stage total", Expression: "sum(net)"},
		Summaries: []model.SummarySpec{
			{Label: "subtotal", Expression: "sum(net)"},
			// Later summaries see earlier ones by label.
			{Label: "with_margin", Expression: "subtotal * 2"},
		},
	}

	report, err := NewLinker(nil).LinkReport(context.Background(), def, testProjectDef(), testProject(), rows, unit.NewIndex())
	require.NoError(t, err)

	require.Len(t, report.Stages, 2)
	assert.Equal(t, "foundation", report.Stages[0].Label)
	require.Len(t, report.Stages[0].Rows, 2)
	assertDecimal(t, 30, report.Stages[0].Summary.Value)
	assert.Equal(t, "roof", report.Stages[1].Label)
	assertDecimal(t, 5, report.Stages[1].Summary.Value)

	require.Len(t, report.Summaries, 2)
	assertDecimal(t, 35, report.Summaries[0].Value)
	assertDecimal(t, 70, report.Summaries[1].Value)
}

func TestLinkReport_EvaluationFailureAborts(t *testing.T) {
	rows := []Row{{"item": Attrs{"net": float64(1)}}}
	def := &model.ReportDefinition{
		Name:    "r",
		Columns: []model.ColumnSpec{{Name: "bad", Expression: "missing_fn(item.net)"}},
	}

	_, err := NewLinker(nil).LinkReport(context.Background(), def, testProjectDef(), testProject(), rows, unit.NewIndex())

	var gerr *GenerationError
	require.ErrorAs(t, err, &gerr)
	var everr *expr.EvalError
	assert.ErrorAs(t, err, &everr)
}

func TestLinkReport_NoStageAttributeIsSingleStage(t *testing.T) {
	rows := []Row{
		{"item": Attrs{"net": float64(1)}},
		{"item": Attrs{"net": float64(2)}},
	}
	def := &model.ReportDefinition{
		Name:    "r",
		Columns: []model.ColumnSpec{{Name: "net", Expression: "item.net"}},
	}

	report, err := NewLinker(nil).LinkReport(context.Background(), def, testProjectDef(), testProject(), rows, unit.NewIndex())
	require.NoError(t, err)

	require.Len(t, report.Stages, 1)
	assert.Equal(t, "", report.Stages[0].Label)
	assert.Len(t, report.Stages[0].Rows, 2)
}
