package report

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/calcline-labs/calcline/internal/model"
	"github.com/calcline-labs/calcline/internal/unit"
	"github.com/calcline-labs/calcline/pkg/expr"
)

// groupSeparator joins group-by values into a digest; the unit separator
// cannot appear in formatted attribute values.
const groupSeparator = "\x1f"

// defaultProjectAlias is used when a report definition declares no alias
// for the merged project attributes.
const defaultProjectAlias = "project"

// Linker runs the four-step linking pipeline: join formula results onto
// cached rows, compute columns and group digests, project groups through
// aggregation and filtering, and assemble the staged Report.
type Linker struct {
	logger *slog.Logger
}

// NewLinker creates a linker. A nil logger discards all output.
func NewLinker(logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Linker{logger: logger}
}

// workRow carries a bucket row through the pipeline together with its
// computed columns and group digest.
type workRow struct {
	row     Row
	columns map[string]expr.Value
	digest  string
}

// compiledColumn is a column spec with its expression parsed once.
type compiledColumn struct {
	spec    model.ColumnSpec
	program *expr.Program
}

// LinkReport links the cached rows of a report definition with the
// project's formula units and assembles the final Report. Any expression
// failure in any step aborts the whole run; no partial report is returned.
func (l *Linker) LinkReport(ctx context.Context, def *model.ReportDefinition, projectDef *model.ProjectDefinition, project *model.Project, rows []Row, units *unit.Index) (*Report, error) {
	_ = ctx

	columns, err := compileColumns(def)
	if err != nil {
		return nil, err
	}

	work, err := l.joinFormulaResults(def, rows, units)
	if err != nil {
		return nil, err
	}
	if err := l.mutate(def, projectDef, project, columns, work); err != nil {
		return nil, err
	}
	finished, err := l.project(def, columns, work)
	if err != nil {
		return nil, err
	}
	return l.assemble(def, project, finished)
}

func compileColumns(def *model.ReportDefinition) ([]compiledColumn, error) {
	out := make([]compiledColumn, 0, len(def.Columns))
	for _, spec := range def.Columns {
		program, err := expr.Parse(spec.Expression)
		if err != nil {
			return nil, generationErrorf(def.Name, "columns", err, "column %q does not parse", spec.Name)
		}
		out = append(out, compiledColumn{spec: spec, program: program})
	}
	return out, nil
}

// joinFormulaResults is step 1: fan each cached row out by the formula
// units whose formula id matches the row's declared formula attribute and
// whose value is positive. Rows with no matching unit are dropped.
func (l *Linker) joinFormulaResults(def *model.ReportDefinition, rows []Row, units *unit.Index) ([]*workRow, error) {
	if def.FormulaJoin == nil {
		work := make([]*workRow, len(rows))
		for i, row := range rows {
			work[i] = &workRow{row: row}
		}
		return work, nil
	}

	alias := def.FormulaJoin.Alias
	var work []*workRow
	dropped := 0
	for _, row := range rows {
		attrs, ok := row[alias]
		if !ok {
			return nil, generationErrorf(def.Name, "formula join", nil, "cached row has no alias %q", alias)
		}
		raw, ok := attrs["formula_id"]
		if !ok {
			return nil, generationErrorf(def.Name, "formula join", nil, "cached row declares no formula id under alias %q", alias)
		}
		formulaID, err := uuid.Parse(matchKey(raw))
		if err != nil {
			return nil, generationErrorf(def.Name, "formula join", err, "row formula id %v is not a uuid", raw)
		}

		matched := false
		for _, u := range units.FormulaUnits(formulaID) {
			value, err := u.Value()
			if err != nil {
				return nil, generationErrorf(def.Name, "formula join", err, "formula %q failed on node %s", u.Name(), u.NodeID())
			}
			if !selectable(value) {
				continue
			}
			trace, err := u.Trace()
			if err != nil {
				return nil, generationErrorf(def.Name, "formula join", err, "formula %q failed on node %s", u.Name(), u.NodeID())
			}
			fanned := row.Clone()
			fanned[alias]["value"] = value
			fanned[alias]["trace"] = trace
			fanned[alias]["node_id"] = u.NodeID().String()
			work = append(work, &workRow{row: fanned})
			matched = true
		}
		if !matched {
			dropped++
		}
	}
	if dropped > 0 {
		l.logger.Debug("dropped rows with no formula result", "report", def.Name, "rows", dropped)
	}
	return work, nil
}

// selectable reports whether a formula result attaches its row to the
// report. Zero and negative quantities select nothing.
func selectable(v expr.Value) bool {
	if d, ok := v.(decimal.Decimal); ok {
		return d.Sign() > 0
	}
	return v != nil
}

// mutate is step 2: stamp the live project under the reserved alias,
// compute the first pass of columns (everything that is not an aggregate),
// and derive the stable group digest.
func (l *Linker) mutate(def *model.ReportDefinition, projectDef *model.ProjectDefinition, project *model.Project, columns []compiledColumn, work []*workRow) error {
	groupRefs, err := parseRefs(def, def.GroupBy)
	if err != nil {
		return err
	}

	projectAttrs := mergeProjectAttrs(projectDef, project)
	alias := def.ProjectAlias
	if alias == "" {
		alias = defaultProjectAlias
	}

	for i, wr := range work {
		wr.row[alias] = projectAttrs
		wr.columns = make(map[string]expr.Value, len(columns))

		scope := rowScope(wr.row)
		for _, col := range columns {
			if col.spec.Aggregate {
				continue
			}
			value, err := expr.Evaluate(col.program, scope)
			if err != nil {
				return generationErrorf(def.Name, "columns", err, "column %q", col.spec.Name)
			}
			wr.columns[col.spec.Name] = value
			scope[col.spec.Name] = value
		}

		if len(groupRefs) == 0 {
			// Ungrouped: every row is its own group.
			wr.digest = groupSeparator + strconv.Itoa(i)
			continue
		}
		parts := make([]string, len(groupRefs))
		for j, ref := range groupRefs {
			attrs, ok := wr.row[ref.Alias]
			if !ok {
				return generationErrorf(def.Name, "grouping", nil, "group-by %s references unknown alias", ref)
			}
			parts[j] = expr.FormatValue(expr.Normalize(attrs[ref.Attribute]))
		}
		wr.digest = strings.Join(parts, groupSeparator)
	}
	return nil
}

// project is step 3: cluster rows by digest, compute second-pass aggregate
// columns per group, drop groups failing the having filter, stable-sort
// the survivors, and stamp ordinals.
func (l *Linker) project(def *model.ReportDefinition, columns []compiledColumn, work []*workRow) ([]*ReportRow, error) {
	grouped := len(def.GroupBy) > 0
	hasAggregate := false
	for _, col := range columns {
		if col.spec.Aggregate {
			hasAggregate = true
		}
	}
	if grouped && !hasAggregate {
		return nil, generationErrorf(def.Name, "grouping", nil,
			"report groups by %s but defines no aggregate column", strings.Join(def.GroupBy, ", "))
	}

	var havingProgram *expr.Program
	if def.Having != "" {
		var err error
		havingProgram, err = expr.Parse(def.Having)
		if err != nil {
			return nil, generationErrorf(def.Name, "having", err, "filter does not parse")
		}
	}

	// Cluster by digest in first-occurrence order.
	var order []string
	groups := map[string][]*workRow{}
	for _, wr := range work {
		if _, seen := groups[wr.digest]; !seen {
			order = append(order, wr.digest)
		}
		groups[wr.digest] = append(groups[wr.digest], wr)
	}

	var finished []*ReportRow
	for _, digest := range order {
		group := groups[digest]
		representative := group[0]

		scope := rowScope(representative.row)
		for name, values := range columnLists(group) {
			scope[name] = values
		}
		for _, col := range columns {
			if !col.spec.Aggregate {
				continue
			}
			value, err := expr.Evaluate(col.program, scope)
			if err != nil {
				return nil, generationErrorf(def.Name, "aggregation", err, "column %q", col.spec.Name)
			}
			representative.columns[col.spec.Name] = value
			scope[col.spec.Name] = value
		}

		if havingProgram != nil {
			keep, err := evaluateCondition(havingProgram, expr.Scope(representative.columns))
			if err != nil {
				return nil, generationErrorf(def.Name, "having", err, "filter %q", def.Having)
			}
			if !keep {
				continue
			}
		}

		// A grouped row only keeps aggregate and always-visible columns;
		// other first-pass values vary inside the group and would be
		// misleading on the collapsed row.
		cols := representative.columns
		if grouped {
			cols = make(map[string]expr.Value, len(columns))
			for _, col := range columns {
				if !col.spec.Aggregate && !col.spec.AlwaysVisible {
					continue
				}
				if value, ok := representative.columns[col.spec.Name]; ok {
					cols[col.spec.Name] = value
				}
			}
		}

		finished = append(finished, &ReportRow{
			Columns: cols,
			Source:  representative.row,
		})
	}

	orderRefs, err := parseRefs(def, def.OrderBy)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(finished, func(i, j int) bool {
		for _, ref := range orderRefs {
			a := expr.Normalize(finished[i].Source[ref.Alias][ref.Attribute])
			b := expr.Normalize(finished[j].Source[ref.Alias][ref.Attribute])
			if c := compareValues(a, b); c != 0 {
				return c < 0
			}
		}
		return false
	})
	for i, row := range finished {
		row.Ordinal = i + 1
	}
	return finished, nil
}

// assemble is step 4: split rows into stages by the stage attribute,
// evaluate the per-stage summary over each stage's rows, then evaluate the
// report-level summaries once each with earlier summary values in scope.
func (l *Linker) assemble(def *model.ReportDefinition, project *model.Project, rows []*ReportRow) (*Report, error) {
	out := &Report{
		ReportDefinitionID: def.ID,
		ProjectID:          project.ID,
	}

	var stageRef *model.AttrRef
	if def.StageAttribute != "" {
		ref, err := model.ParseAttrRef(def.StageAttribute)
		if err != nil {
			return nil, generationErrorf(def.Name, "stages", err, "invalid stage attribute")
		}
		stageRef = &ref
	}

	var stageOrder []string
	stages := map[string]*Stage{}
	for _, row := range rows {
		label := ""
		if stageRef != nil {
			label = expr.FormatValue(expr.Normalize(row.Source[stageRef.Alias][stageRef.Attribute]))
		}
		stage, ok := stages[label]
		if !ok {
			stage = &Stage{Label: label}
			stages[label] = stage
			stageOrder = append(stageOrder, label)
		}
		stage.Rows = append(stage.Rows, row)
	}
	for _, label := range stageOrder {
		out.Stages = append(out.Stages, stages[label])
	}

	if def.StageSummary != nil {
		program, err := expr.Parse(def.StageSummary.Expression)
		if err != nil {
			return nil, generationErrorf(def.Name, "stage summary", err, "%q does not parse", def.StageSummary.Expression)
		}
		for _, stage := range out.Stages {
			scope := expr.Scope{}
			for name, values := range reportColumnLists(stage.Rows) {
				scope[name] = values
			}
			value, err := expr.Evaluate(program, scope)
			if err != nil {
				return nil, generationErrorf(def.Name, "stage summary", err, "stage %q", stage.Label)
			}
			stage.Summary = &Summary{Label: def.StageSummary.Label, Value: value}
		}
	}

	// Report summaries share a scratch map: each finished summary is
	// visible, by label, to the expressions after it.
	scratch := expr.Scope{}
	for name, values := range reportColumnLists(rows) {
		scratch[name] = values
	}
	for _, spec := range def.Summaries {
		program, err := expr.Parse(spec.Expression)
		if err != nil {
			return nil, generationErrorf(def.Name, "summary", err, "%q does not parse", spec.Label)
		}
		value, err := expr.Evaluate(program, scratch)
		if err != nil {
			return nil, generationErrorf(def.Name, "summary", err, "summary %q", spec.Label)
		}
		out.Summaries = append(out.Summaries, Summary{Label: spec.Label, Value: value})
		scratch[spec.Label] = value
	}

	l.logger.Debug("assembled report",
		"report", def.Name, "project", project.Name, "stages", len(out.Stages), "rows", len(rows))
	return out, nil
}

// rowScope builds the evaluation scope for one bucket row: each alias is
// bound to its normalized attribute map.
// mergeProjectAttrs layers the live project instance over its definition
// defaults. Id and name always come from the instance.
func mergeProjectAttrs(projectDef *model.ProjectDefinition, project *model.Project) Attrs {
	attrs := make(Attrs, len(projectDef.DefaultAttributes)+len(project.Attributes)+2)
	for k, v := range projectDef.DefaultAttributes {
		attrs[k] = v
	}
	for k, v := range project.Attributes {
		attrs[k] = v
	}
	attrs["id"] = project.ID.String()
	attrs["name"] = project.Name
	return attrs
}

func rowScope(row Row) expr.Scope {
	scope := make(expr.Scope, len(row)+4)
	for alias, attrs := range row {
		m := make(map[string]expr.Value, len(attrs))
		for k, v := range attrs {
			m[k] = expr.Normalize(v)
		}
		scope[alias] = m
	}
	return scope
}

// columnLists binds each first-pass column name to the list of its values
// across the group, feeding aggregate expressions like sum(net).
func columnLists(group []*workRow) map[string][]expr.Value {
	lists := map[string][]expr.Value{}
	for _, wr := range group {
		for name, value := range wr.columns {
			lists[name] = append(lists[name], value)
		}
	}
	return lists
}

func reportColumnLists(rows []*ReportRow) map[string][]expr.Value {
	lists := map[string][]expr.Value{}
	for _, row := range rows {
		for name, value := range row.Columns {
			lists[name] = append(lists[name], value)
		}
	}
	return lists
}

func parseRefs(def *model.ReportDefinition, refs []string) ([]model.AttrRef, error) {
	out := make([]model.AttrRef, 0, len(refs))
	for _, raw := range refs {
		ref, err := model.ParseAttrRef(raw)
		if err != nil {
			return nil, generationErrorf(def.Name, "attributes", err, "bad reference %q", raw)
		}
		out = append(out, ref)
	}
	return out, nil
}

func evaluateCondition(program *expr.Program, scope expr.Scope) (bool, error) {
	value, err := expr.Evaluate(program, scope)
	if err != nil {
		return false, err
	}
	switch x := value.(type) {
	case bool:
		return x, nil
	case decimal.Decimal:
		return !x.IsZero(), nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}

// compareValues orders two normalized values for the order-by sort.
func compareValues(a, b expr.Value) int {
	da, aOK := a.(decimal.Decimal)
	db, bOK := b.(decimal.Decimal)
	if aOK && bOK {
		return da.Cmp(db)
	}
	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(sa, sb)
	}
	return strings.Compare(expr.FormatValue(a), expr.FormatValue(b))
}
