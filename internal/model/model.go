// Package model defines the datasheet domain entities shared by the
// formula resolver, the report pipeline, and the persistence layer.
package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ProjectDefinition is the schema a project instantiates: its datasheet
// definition plus the formulas authored against it.
type ProjectDefinition struct {
	ID                    uuid.UUID
	Name                  string
	DatasheetDefinitionID uuid.UUID
	// DefaultAttributes seed the project alias of every linked report
	// row; a project's own attributes override them.
	DefaultAttributes map[string]any
}

// Project is one concrete engineering/ordering project.
type Project struct {
	ID                  uuid.UUID
	Name                string
	ProjectDefinitionID uuid.UUID
	// Attributes is the live instance state merged over the definition
	// defaults when reports are linked.
	Attributes map[string]any
}

// ProjectNode is a node in a project's tree. A node with a non-nil Value
// is a field: a named stored value usable inside formulas.
//
// Path lists the node ids from the root down to the node itself, root
// first. The unit index registers names under every id on this path.
type ProjectNode struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	ElementID uuid.UUID // datasheet element (node type) this node instantiates
	Path      []uuid.UUID
	Name      string
	Value     any
}

// DatasheetElement is a schema node of a datasheet definition. Formulas
// attach to elements; fields take their names from elements.
type DatasheetElement struct {
	ID                    uuid.UUID
	DatasheetDefinitionID uuid.UUID
	Name                  string
}

// Formula is a user-authored calculation rule belonging to a project
// definition. The dependency maps are produced by the formula resolver at
// save time and persisted as the dependency graph consulted for cycle
// prevention.
type Formula struct {
	ID                  uuid.UUID
	ProjectDefinitionID uuid.UUID
	Name                string
	Expression          string
	// AttachmentElementID names the datasheet element whose project nodes
	// this formula is instantiated on, one formula unit per node.
	AttachmentElementID uuid.UUID
	// DependsOnFormulas maps referenced formula names to formula ids.
	DependsOnFormulas map[string]uuid.UUID
	// DependsOnFields maps referenced field names to element ids.
	DependsOnFields map[string]uuid.UUID
}

// LabelCollection is a named set of labels belonging to a datasheet
// definition; collections are the join targets of report joins.
type LabelCollection struct {
	ID                    uuid.UUID
	DatasheetDefinitionID uuid.UUID
	Name                  string
}

// Label is a schema-described record inside a collection.
type Label struct {
	ID           uuid.UUID
	CollectionID uuid.UUID
	Ordinal      int
	Attributes   map[string]any
}

// JoinSpec is one step of a report definition's join plan.
type JoinSpec struct {
	// FromAlias and FromProperty locate the matching value on rows built
	// so far.
	FromAlias    string `yaml:"from_alias"`
	FromProperty string `yaml:"from_property"`
	// TargetCollectionID is the label collection joined in. TargetProperty
	// is the label attribute matched against; empty means the label id.
	TargetCollectionID uuid.UUID `yaml:"target_collection_id"`
	TargetProperty     string    `yaml:"target_property"`
	// DestAlias is the alias the joined label's attributes appear under.
	DestAlias string `yaml:"dest_alias"`
	// SameCardinality declares that this join must not fan rows out; a
	// multi-match is then a report-generation error.
	SameCardinality bool `yaml:"same_cardinality"`
	// AllowDiscard makes a zero-match row a logged drop instead of a
	// fatal error. This is the only opt-in partial-failure path.
	AllowDiscard bool `yaml:"allow_discard"`
}

// FormulaJoinSpec declares how formula results attach to cached rows
// during linking.
type FormulaJoinSpec struct {
	// Alias is the fixed alias formula-derived attributes appear under.
	Alias string `yaml:"alias"`
	// FromAlias and FromProperty locate the formula id attribute each row
	// declares.
	FromAlias    string `yaml:"from_alias"`
	FromProperty string `yaml:"from_property"`
}

// ColumnSpec is one computed report column.
type ColumnSpec struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	// Aggregate columns are computed in the second pass, per group,
	// against the representative row plus the full group.
	Aggregate bool `yaml:"aggregate"`
	// AlwaysVisible columns join the grouping columns in the first pass.
	AlwaysVisible bool `yaml:"always_visible"`
}

// SummarySpec is a labeled summary expression, evaluated per stage or
// once per report.
type SummarySpec struct {
	Label      string `yaml:"label"`
	Expression string `yaml:"expression"`
}

// ReportDefinition is the declarative spec consumed by the row cache
// builder and the linking pipeline.
type ReportDefinition struct {
	ID                  uuid.UUID
	ProjectDefinitionID uuid.UUID
	Name                string

	// BaseAlias and BaseCollectionID seed one row per label of the base
	// collection.
	BaseAlias        string
	BaseCollectionID uuid.UUID

	// ProjectAlias is the alias the merged project attributes are
	// stamped under during linking; empty means "project".
	ProjectAlias string

	Joins       []JoinSpec
	FormulaJoin *FormulaJoinSpec

	Columns []ColumnSpec

	// GroupBy lists alias.attribute references whose values form the
	// group digest.
	GroupBy []string
	// Having is an optional post-group filter over the finished column
	// map.
	Having string
	// OrderBy lists alias.attribute references for the final stable sort.
	OrderBy []string

	// StageAttribute is the alias.attribute rows are staged by; empty
	// collapses the report into a single unlabeled stage.
	StageAttribute string
	StageSummary   *SummarySpec
	Summaries      []SummarySpec
}

// AttrRef is a parsed alias.attribute reference.
type AttrRef struct {
	Alias     string
	Attribute string
}

// String renders the reference back to alias.attribute form.
func (r AttrRef) String() string { return r.Alias + "." + r.Attribute }

// ParseAttrRef splits an "alias.attribute" reference.
func ParseAttrRef(s string) (AttrRef, error) {
	i := strings.IndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return AttrRef{}, fmt.Errorf("invalid attribute reference %q, want alias.attribute", s)
	}
	return AttrRef{Alias: s[:i], Attribute: s[i+1:]}, nil
}
