// Package store persists the datasheet domain model: project definitions,
// projects and their node trees, formulas, label collections, and report
// definitions. The engine only depends on the Store interface; SQLiteStore
// is the reference implementation.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/calcline-labs/calcline/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist. Callers
// interpret it as "rebuild or seed needed", never as a fatal condition.
var ErrNotFound = errors.New("not found")

// Store is the persistence collaborator consumed by the formula resolver,
// the report pipeline, and the CLI.
type Store interface {
	// Project definitions and projects
	GetProjectDefinition(ctx context.Context, id uuid.UUID) (*model.ProjectDefinition, error)
	UpsertProjectDefinition(ctx context.Context, def *model.ProjectDefinition) error
	GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error)
	UpsertProject(ctx context.Context, project *model.Project) error

	// Project nodes (fields)
	ListProjectNodes(ctx context.Context, projectID uuid.UUID) ([]*model.ProjectNode, error)
	UpsertProjectNodes(ctx context.Context, nodes []*model.ProjectNode) error

	// Datasheet elements
	ListElements(ctx context.Context, datasheetDefinitionID uuid.UUID) ([]*model.DatasheetElement, error)
	UpsertElement(ctx context.Context, element *model.DatasheetElement) error

	// Formulas
	ListFormulas(ctx context.Context, projectDefinitionID uuid.UUID) ([]*model.Formula, error)
	UpsertFormula(ctx context.Context, formula *model.Formula) error

	// Label collections and labels
	ListLabelCollections(ctx context.Context, datasheetDefinitionID uuid.UUID) ([]*model.LabelCollection, error)
	UpsertLabelCollection(ctx context.Context, collection *model.LabelCollection) error
	ListLabels(ctx context.Context, collectionID uuid.UUID) ([]*model.Label, error)
	UpsertLabels(ctx context.Context, labels []*model.Label) error

	// Report definitions
	GetReportDefinition(ctx context.Context, id uuid.UUID) (*model.ReportDefinition, error)
	ListReportDefinitions(ctx context.Context, projectDefinitionID uuid.UUID) ([]*model.ReportDefinition, error)
	UpsertReportDefinition(ctx context.Context, def *model.ReportDefinition) error

	Close() error
}
