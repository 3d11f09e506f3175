package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/calcline-labs/calcline/internal/model"
)

// SQLiteStore implements Store using SQLite. Entity attribute maps, node
// paths, and report definition specs are stored as JSON columns; the
// relational part carries only the keys queries filter on.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore() *SQLiteStore {
	return &SQLiteStore{}
}

// Open opens a connection to the SQLite database and runs migrations.
// Use ":memory:" for an in-memory database.
func (s *SQLiteStore) Open(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s.db = db
	s.path = path

	if err := s.Migrate(); err != nil {
		db.Close()
		return err
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- Project definitions and projects ---

// GetProjectDefinition retrieves a project definition by id.
func (s *SQLiteStore) GetProjectDefinition(ctx context.Context, id uuid.UUID) (*model.ProjectDefinition, error) {
	def := &model.ProjectDefinition{}
	var defID, datasheetID, defaults string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, datasheet_definition_id, default_attributes FROM project_definitions WHERE id = ?`,
		id.String(),
	).Scan(&defID, &def.Name, &datasheetID, &defaults)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project definition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project definition: %w", err)
	}

	if def.ID, err = uuid.Parse(defID); err != nil {
		return nil, fmt.Errorf("corrupt project definition id: %w", err)
	}
	if def.DatasheetDefinitionID, err = uuid.Parse(datasheetID); err != nil {
		return nil, fmt.Errorf("corrupt datasheet definition id: %w", err)
	}
	if err := json.Unmarshal([]byte(defaults), &def.DefaultAttributes); err != nil {
		return nil, fmt.Errorf("corrupt default attributes: %w", err)
	}
	return def, nil
}

// UpsertProjectDefinition inserts or replaces a project definition.
func (s *SQLiteStore) UpsertProjectDefinition(ctx context.Context, def *model.ProjectDefinition) error {
	defaults, err := json.Marshal(orEmpty(def.DefaultAttributes))
	if err != nil {
		return fmt.Errorf("failed to encode default attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO project_definitions (id, name, datasheet_definition_id, default_attributes) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, datasheet_definition_id = excluded.datasheet_definition_id, default_attributes = excluded.default_attributes`,
		def.ID.String(), def.Name, def.DatasheetDefinitionID.String(), string(defaults),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert project definition: %w", err)
	}
	return nil
}

// GetProject retrieves a project by id.
func (s *SQLiteStore) GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	project := &model.Project{}
	var projectID, defID, attrs string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, project_definition_id, attributes FROM projects WHERE id = ?`,
		id.String(),
	).Scan(&projectID, &project.Name, &defID, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	if project.ID, err = uuid.Parse(projectID); err != nil {
		return nil, fmt.Errorf("corrupt project id: %w", err)
	}
	if project.ProjectDefinitionID, err = uuid.Parse(defID); err != nil {
		return nil, fmt.Errorf("corrupt project definition id: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &project.Attributes); err != nil {
		return nil, fmt.Errorf("corrupt project attributes: %w", err)
	}
	return project, nil
}

// UpsertProject inserts or replaces a project.
func (s *SQLiteStore) UpsertProject(ctx context.Context, project *model.Project) error {
	attrs, err := json.Marshal(orEmpty(project.Attributes))
	if err != nil {
		return fmt.Errorf("failed to encode project attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, project_definition_id, attributes) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, project_definition_id = excluded.project_definition_id, attributes = excluded.attributes`,
		project.ID.String(), project.Name, project.ProjectDefinitionID.String(), string(attrs),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}
	return nil
}

// --- Project nodes ---

// ListProjectNodes retrieves all nodes of a project.
func (s *SQLiteStore) ListProjectNodes(ctx context.Context, projectID uuid.UUID) ([]*model.ProjectNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, element_id, path, name, value FROM project_nodes WHERE project_id = ? ORDER BY id`,
		projectID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list project nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*model.ProjectNode
	for rows.Next() {
		node := &model.ProjectNode{}
		var nodeID, projID, elementID, pathJSON string
		var valueJSON sql.NullString
		if err := rows.Scan(&nodeID, &projID, &elementID, &pathJSON, &node.Name, &valueJSON); err != nil {
			return nil, fmt.Errorf("failed to scan project node: %w", err)
		}
		if node.ID, err = uuid.Parse(nodeID); err != nil {
			return nil, fmt.Errorf("corrupt node id: %w", err)
		}
		if node.ProjectID, err = uuid.Parse(projID); err != nil {
			return nil, fmt.Errorf("corrupt project id: %w", err)
		}
		if node.ElementID, err = uuid.Parse(elementID); err != nil {
			return nil, fmt.Errorf("corrupt element id: %w", err)
		}
		if err := json.Unmarshal([]byte(pathJSON), &node.Path); err != nil {
			return nil, fmt.Errorf("corrupt node path: %w", err)
		}
		if valueJSON.Valid {
			if err := json.Unmarshal([]byte(valueJSON.String), &node.Value); err != nil {
				return nil, fmt.Errorf("corrupt node value: %w", err)
			}
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// UpsertProjectNodes inserts or replaces project nodes in one transaction.
func (s *SQLiteStore) UpsertProjectNodes(ctx context.Context, nodes []*model.ProjectNode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, node := range nodes {
		pathJSON, err := json.Marshal(node.Path)
		if err != nil {
			return fmt.Errorf("failed to encode node path: %w", err)
		}
		var valueJSON any
		if node.Value != nil {
			encoded, err := json.Marshal(node.Value)
			if err != nil {
				return fmt.Errorf("failed to encode node value: %w", err)
			}
			valueJSON = string(encoded)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO project_nodes (id, project_id, element_id, path, name, value) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET element_id = excluded.element_id, path = excluded.path, name = excluded.name, value = excluded.value`,
			node.ID.String(), node.ProjectID.String(), node.ElementID.String(), string(pathJSON), node.Name, valueJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert project node: %w", err)
		}
	}
	return tx.Commit()
}

// --- Datasheet elements ---

// ListElements retrieves all elements of a datasheet definition.
func (s *SQLiteStore) ListElements(ctx context.Context, datasheetDefinitionID uuid.UUID) ([]*model.DatasheetElement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, datasheet_definition_id, name FROM datasheet_elements WHERE datasheet_definition_id = ? ORDER BY name`,
		datasheetDefinitionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list elements: %w", err)
	}
	defer rows.Close()

	var elements []*model.DatasheetElement
	for rows.Next() {
		element := &model.DatasheetElement{}
		var elementID, defID string
		if err := rows.Scan(&elementID, &defID, &element.Name); err != nil {
			return nil, fmt.Errorf("failed to scan element: %w", err)
		}
		if element.ID, err = uuid.Parse(elementID); err != nil {
			return nil, fmt.Errorf("corrupt element id: %w", err)
		}
		if element.DatasheetDefinitionID, err = uuid.Parse(defID); err != nil {
			return nil, fmt.Errorf("corrupt datasheet definition id: %w", err)
		}
		elements = append(elements, element)
	}
	return elements, rows.Err()
}

// UpsertElement inserts or replaces a datasheet element.
func (s *SQLiteStore) UpsertElement(ctx context.Context, element *model.DatasheetElement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datasheet_elements (id, datasheet_definition_id, name) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET datasheet_definition_id = excluded.datasheet_definition_id, name = excluded.name`,
		element.ID.String(), element.DatasheetDefinitionID.String(), element.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert element: %w", err)
	}
	return nil
}

// --- Formulas ---

// ListFormulas retrieves all formulas of a project definition.
func (s *SQLiteStore) ListFormulas(ctx context.Context, projectDefinitionID uuid.UUID) ([]*model.Formula, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_definition_id, name, expression, attachment_element_id, depends_on_formulas, depends_on_fields
		 FROM formulas WHERE project_definition_id = ? ORDER BY name`,
		projectDefinitionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list formulas: %w", err)
	}
	defer rows.Close()

	var formulas []*model.Formula
	for rows.Next() {
		formula := &model.Formula{}
		var formulaID, defID, elementID, formulaDeps, fieldDeps string
		if err := rows.Scan(&formulaID, &defID, &formula.Name, &formula.Expression, &elementID, &formulaDeps, &fieldDeps); err != nil {
			return nil, fmt.Errorf("failed to scan formula: %w", err)
		}
		if formula.ID, err = uuid.Parse(formulaID); err != nil {
			return nil, fmt.Errorf("corrupt formula id: %w", err)
		}
		if formula.ProjectDefinitionID, err = uuid.Parse(defID); err != nil {
			return nil, fmt.Errorf("corrupt project definition id: %w", err)
		}
		if formula.AttachmentElementID, err = uuid.Parse(elementID); err != nil {
			return nil, fmt.Errorf("corrupt attachment element id: %w", err)
		}
		if err := json.Unmarshal([]byte(formulaDeps), &formula.DependsOnFormulas); err != nil {
			return nil, fmt.Errorf("corrupt formula dependencies: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldDeps), &formula.DependsOnFields); err != nil {
			return nil, fmt.Errorf("corrupt field dependencies: %w", err)
		}
		formulas = append(formulas, formula)
	}
	return formulas, rows.Err()
}

// UpsertFormula inserts or replaces a formula together with its resolved
// dependency maps; those maps are the persisted dependency graph consulted
// for cycle prevention.
func (s *SQLiteStore) UpsertFormula(ctx context.Context, formula *model.Formula) error {
	formulaDeps, err := json.Marshal(orEmpty(formula.DependsOnFormulas))
	if err != nil {
		return fmt.Errorf("failed to encode formula dependencies: %w", err)
	}
	fieldDeps, err := json.Marshal(orEmpty(formula.DependsOnFields))
	if err != nil {
		return fmt.Errorf("failed to encode field dependencies: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO formulas (id, project_definition_id, name, expression, attachment_element_id, depends_on_formulas, depends_on_fields)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, expression = excluded.expression,
		   attachment_element_id = excluded.attachment_element_id,
		   depends_on_formulas = excluded.depends_on_formulas, depends_on_fields = excluded.depends_on_fields`,
		formula.ID.String(), formula.ProjectDefinitionID.String(), formula.Name, formula.Expression,
		formula.AttachmentElementID.String(), string(formulaDeps), string(fieldDeps),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert formula: %w", err)
	}
	return nil
}

// --- Label collections and labels ---

// ListLabelCollections retrieves all label collections of a datasheet
// definition.
func (s *SQLiteStore) ListLabelCollections(ctx context.Context, datasheetDefinitionID uuid.UUID) ([]*model.LabelCollection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, datasheet_definition_id, name FROM label_collections WHERE datasheet_definition_id = ? ORDER BY name`,
		datasheetDefinitionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list label collections: %w", err)
	}
	defer rows.Close()

	var collections []*model.LabelCollection
	for rows.Next() {
		collection := &model.LabelCollection{}
		var collectionID, defID string
		if err := rows.Scan(&collectionID, &defID, &collection.Name); err != nil {
			return nil, fmt.Errorf("failed to scan label collection: %w", err)
		}
		if collection.ID, err = uuid.Parse(collectionID); err != nil {
			return nil, fmt.Errorf("corrupt collection id: %w", err)
		}
		if collection.DatasheetDefinitionID, err = uuid.Parse(defID); err != nil {
			return nil, fmt.Errorf("corrupt datasheet definition id: %w", err)
		}
		collections = append(collections, collection)
	}
	return collections, rows.Err()
}

// UpsertLabelCollection inserts or replaces a label collection.
func (s *SQLiteStore) UpsertLabelCollection(ctx context.Context, collection *model.LabelCollection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO label_collections (id, datasheet_definition_id, name) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET datasheet_definition_id = excluded.datasheet_definition_id, name = excluded.name`,
		collection.ID.String(), collection.DatasheetDefinitionID.String(), collection.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert label collection: %w", err)
	}
	return nil
}

// ListLabels retrieves all labels of a collection in ordinal order.
func (s *SQLiteStore) ListLabels(ctx context.Context, collectionID uuid.UUID) ([]*model.Label, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, collection_id, ordinal, attributes FROM labels WHERE collection_id = ? ORDER BY ordinal`,
		collectionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	defer rows.Close()

	var labels []*model.Label
	for rows.Next() {
		label := &model.Label{}
		var labelID, collID, attrs string
		if err := rows.Scan(&labelID, &collID, &label.Ordinal, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		if label.ID, err = uuid.Parse(labelID); err != nil {
			return nil, fmt.Errorf("corrupt label id: %w", err)
		}
		if label.CollectionID, err = uuid.Parse(collID); err != nil {
			return nil, fmt.Errorf("corrupt collection id: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &label.Attributes); err != nil {
			return nil, fmt.Errorf("corrupt label attributes: %w", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// UpsertLabels inserts or replaces labels in one transaction.
func (s *SQLiteStore) UpsertLabels(ctx context.Context, labels []*model.Label) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, label := range labels {
		attrs, err := json.Marshal(label.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode label attributes: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO labels (id, collection_id, ordinal, attributes) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET collection_id = excluded.collection_id, ordinal = excluded.ordinal, attributes = excluded.attributes`,
			label.ID.String(), label.CollectionID.String(), label.Ordinal, string(attrs),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert label: %w", err)
		}
	}
	return tx.Commit()
}

// --- Report definitions ---

// reportSpec is the JSON shape of the declarative part of a report
// definition.
type reportSpec struct {
	BaseAlias        string                 `json:"base_alias"`
	BaseCollectionID uuid.UUID              `json:"base_collection_id"`
	ProjectAlias     string                 `json:"project_alias,omitempty"`
	Joins            []model.JoinSpec       `json:"joins,omitempty"`
	FormulaJoin      *model.FormulaJoinSpec `json:"formula_join,omitempty"`
	Columns          []model.ColumnSpec     `json:"columns,omitempty"`
	GroupBy          []string               `json:"group_by,omitempty"`
	Having           string                 `json:"having,omitempty"`
	OrderBy          []string               `json:"order_by,omitempty"`
	StageAttribute   string                 `json:"stage_attribute,omitempty"`
	StageSummary     *model.SummarySpec     `json:"stage_summary,omitempty"`
	Summaries        []model.SummarySpec    `json:"summaries,omitempty"`
}

// GetReportDefinition retrieves a report definition by id.
func (s *SQLiteStore) GetReportDefinition(ctx context.Context, id uuid.UUID) (*model.ReportDefinition, error) {
	var defID, projectDefID, name, specJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_definition_id, name, spec FROM report_definitions WHERE id = ?`,
		id.String(),
	).Scan(&defID, &projectDefID, &name, &specJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report definition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report definition: %w", err)
	}
	return decodeReportDefinition(defID, projectDefID, name, specJSON)
}

// ListReportDefinitions retrieves all report definitions of a project
// definition.
func (s *SQLiteStore) ListReportDefinitions(ctx context.Context, projectDefinitionID uuid.UUID) ([]*model.ReportDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_definition_id, name, spec FROM report_definitions WHERE project_definition_id = ? ORDER BY name`,
		projectDefinitionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list report definitions: %w", err)
	}
	defer rows.Close()

	var defs []*model.ReportDefinition
	for rows.Next() {
		var defID, projectDefID, name, specJSON string
		if err := rows.Scan(&defID, &projectDefID, &name, &specJSON); err != nil {
			return nil, fmt.Errorf("failed to scan report definition: %w", err)
		}
		def, err := decodeReportDefinition(defID, projectDefID, name, specJSON)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// UpsertReportDefinition inserts or replaces a report definition.
func (s *SQLiteStore) UpsertReportDefinition(ctx context.Context, def *model.ReportDefinition) error {
	spec := reportSpec{
		BaseAlias:        def.BaseAlias,
		BaseCollectionID: def.BaseCollectionID,
		ProjectAlias:     def.ProjectAlias,
		Joins:            def.Joins,
		FormulaJoin:      def.FormulaJoin,
		Columns:          def.Columns,
		GroupBy:          def.GroupBy,
		Having:           def.Having,
		OrderBy:          def.OrderBy,
		StageAttribute:   def.StageAttribute,
		StageSummary:     def.StageSummary,
		Summaries:        def.Summaries,
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode report definition spec: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO report_definitions (id, project_definition_id, name, spec) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET project_definition_id = excluded.project_definition_id, name = excluded.name, spec = excluded.spec`,
		def.ID.String(), def.ProjectDefinitionID.String(), def.Name, string(specJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert report definition: %w", err)
	}
	return nil
}

func decodeReportDefinition(id, projectDefID, name, specJSON string) (*model.ReportDefinition, error) {
	def := &model.ReportDefinition{Name: name}
	var err error
	if def.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt report definition id: %w", err)
	}
	if def.ProjectDefinitionID, err = uuid.Parse(projectDefID); err != nil {
		return nil, fmt.Errorf("corrupt project definition id: %w", err)
	}

	var spec reportSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return nil, fmt.Errorf("corrupt report definition spec: %w", err)
	}
	def.BaseAlias = spec.BaseAlias
	def.BaseCollectionID = spec.BaseCollectionID
	def.ProjectAlias = spec.ProjectAlias
	def.Joins = spec.Joins
	def.FormulaJoin = spec.FormulaJoin
	def.Columns = spec.Columns
	def.GroupBy = spec.GroupBy
	def.Having = spec.Having
	def.OrderBy = spec.OrderBy
	def.StageAttribute = spec.StageAttribute
	def.StageSummary = spec.StageSummary
	def.Summaries = spec.Summaries
	return def, nil
}

// orEmpty substitutes an empty map for nil so JSON columns never hold
// the string "null".
func orEmpty[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
