// Package report materializes report rows from label collections and links
// them with formula results into a staged, cacheable Report.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/calcline-labs/calcline/pkg/expr"
)

// Attrs is one joined record's attribute map.
type Attrs map[string]any

// Row is a bucket row: a growable mapping from alias to the attributes
// joined in under that alias. Aliases are only ever added as a row passes
// through the join plan, never removed.
type Row map[string]Attrs

// Clone copies the row one level deep; attribute maps are copied so a
// fanned-out row can diverge from its siblings.
func (r Row) Clone() Row {
	out := make(Row, len(r)+1)
	for alias, attrs := range r {
		copied := make(Attrs, len(attrs))
		for k, v := range attrs {
			copied[k] = v
		}
		out[alias] = copied
	}
	return out
}

// ContentHash returns a stable digest of the full row content, used for
// first-occurrence-wins deduplication. JSON encoding sorts map keys, so
// equal rows always hash equal.
func (r Row) ContentHash() (string, error) {
	encoded, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to hash row: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// ReportRow is a finished, ordered report row: its computed column values
// plus the source bucket row the columns were evaluated against.
type ReportRow struct {
	Ordinal int
	Columns map[string]expr.Value
	Source  Row
}

// Summary is one labeled summary value.
type Summary struct {
	Label string
	Value expr.Value
}

// Stage is a labeled group of finished rows with its own summary.
type Stage struct {
	Label   string
	Rows    []*ReportRow
	Summary *Summary
}

// Report is the assembled, cacheable artifact: ordered stages plus
// report-level summaries.
type Report struct {
	ReportDefinitionID uuid.UUID
	ProjectID          uuid.UUID
	Stages             []*Stage
	Summaries          []Summary
}

// Rows returns all finished rows across all stages in order.
func (r *Report) Rows() []*ReportRow {
	var rows []*ReportRow
	for _, stage := range r.Stages {
		rows = append(rows, stage.Rows...)
	}
	return rows
}

// GenerationError is fatal to one report run: a broken join plan, a
// cardinality violation, a misconfigured grouping, or any expression
// failure during linking. No partial report survives one.
type GenerationError struct {
	Report  string
	Step    string
	Message string
	Err     error
}

func (e *GenerationError) Error() string {
	msg := fmt.Sprintf("report %q, %s: %s", e.Report, e.Step, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GenerationError) Unwrap() error { return e.Err }

func generationErrorf(report, step string, err error, format string, args ...any) *GenerationError {
	return &GenerationError{
		Report:  report,
		Step:    step,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}
