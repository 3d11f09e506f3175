package engine

// seeds.go - yaml seed data loading

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/calcline-labs/calcline/internal/model"
)

// seedFile is the on-disk shape of a seed document: a project definition,
// one project with its node tree, formulas, label collections, and report
// definitions, all loadable in one pass.
type seedFile struct {
	ProjectDefinition struct {
		ID                    uuid.UUID      `yaml:"id"`
		Name                  string         `yaml:"name"`
		DatasheetDefinitionID uuid.UUID      `yaml:"datasheet_definition_id"`
		DefaultAttributes     map[string]any `yaml:"default_attributes"`
	} `yaml:"project_definition"`

	Project struct {
		ID         uuid.UUID      `yaml:"id"`
		Name       string         `yaml:"name"`
		Attributes map[string]any `yaml:"attributes"`
	} `yaml:"project"`

	Elements []struct {
		ID   uuid.UUID `yaml:"id"`
		Name string    `yaml:"name"`
	} `yaml:"elements"`

	Nodes []struct {
		ID        uuid.UUID   `yaml:"id"`
		ElementID uuid.UUID   `yaml:"element_id"`
		Path      []uuid.UUID `yaml:"path"`
		Name      string      `yaml:"name"`
		Value     any         `yaml:"value"`
	} `yaml:"nodes"`

	Formulas []struct {
		ID                  uuid.UUID `yaml:"id"`
		Name                string    `yaml:"name"`
		Expression          string    `yaml:"expression"`
		AttachmentElementID uuid.UUID `yaml:"attachment_element_id"`
	} `yaml:"formulas"`

	Collections []struct {
		ID     uuid.UUID `yaml:"id"`
		Name   string    `yaml:"name"`
		Labels []struct {
			ID         uuid.UUID      `yaml:"id"`
			Attributes map[string]any `yaml:"attributes"`
		} `yaml:"labels"`
	} `yaml:"collections"`

	Reports []struct {
		ID               uuid.UUID              `yaml:"id"`
		Name             string                 `yaml:"name"`
		BaseAlias        string                 `yaml:"base_alias"`
		BaseCollectionID uuid.UUID              `yaml:"base_collection_id"`
		ProjectAlias     string                 `yaml:"project_alias"`
		Joins            []model.JoinSpec       `yaml:"joins"`
		FormulaJoin      *model.FormulaJoinSpec `yaml:"formula_join"`
		Columns          []model.ColumnSpec     `yaml:"columns"`
		GroupBy          []string               `yaml:"group_by"`
		Having           string                 `yaml:"having"`
		OrderBy          []string               `yaml:"order_by"`
		StageAttribute   string                 `yaml:"stage_attribute"`
		StageSummary     *model.SummarySpec     `yaml:"stage_summary"`
		Summaries        []model.SummarySpec    `yaml:"summaries"`
	} `yaml:"reports"`
}

// LoadSeed reads a yaml seed file and upserts its contents into the
// store. Formulas are validated through the resolver before saving, the
// same path an interactive author goes through.
func (e *Engine) LoadSeed(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	def := &model.ProjectDefinition{
		ID:                    seed.ProjectDefinition.ID,
		Name:                  seed.ProjectDefinition.Name,
		DatasheetDefinitionID: seed.ProjectDefinition.DatasheetDefinitionID,
		DefaultAttributes:     seed.ProjectDefinition.DefaultAttributes,
	}
	if err := e.store.UpsertProjectDefinition(ctx, def); err != nil {
		return err
	}
	if err := e.store.UpsertProject(ctx, &model.Project{
		ID:                  seed.Project.ID,
		Name:                seed.Project.Name,
		ProjectDefinitionID: def.ID,
		Attributes:          seed.Project.Attributes,
	}); err != nil {
		return err
	}

	elements := make([]*model.DatasheetElement, 0, len(seed.Elements))
	for _, raw := range seed.Elements {
		element := &model.DatasheetElement{
			ID:                    raw.ID,
			DatasheetDefinitionID: def.DatasheetDefinitionID,
			Name:                  raw.Name,
		}
		if err := e.store.UpsertElement(ctx, element); err != nil {
			return err
		}
		elements = append(elements, element)
	}

	nodes := make([]*model.ProjectNode, 0, len(seed.Nodes))
	for _, raw := range seed.Nodes {
		nodes = append(nodes, &model.ProjectNode{
			ID:        raw.ID,
			ProjectID: seed.Project.ID,
			ElementID: raw.ElementID,
			Path:      raw.Path,
			Name:      raw.Name,
			Value:     raw.Value,
		})
	}
	if len(nodes) > 0 {
		if err := e.store.UpsertProjectNodes(ctx, nodes); err != nil {
			return err
		}
	}

	formulas := make([]*model.Formula, 0, len(seed.Formulas))
	for _, raw := range seed.Formulas {
		formulas = append(formulas, &model.Formula{
			ID:                  raw.ID,
			ProjectDefinitionID: def.ID,
			Name:                raw.Name,
			Expression:          raw.Expression,
			AttachmentElementID: raw.AttachmentElementID,
		})
	}
	for _, f := range formulas {
		details, err := e.resolver.Parse(f, formulas, elements)
		if err != nil {
			return fmt.Errorf("seed formula %q: %w", f.Name, err)
		}
		f.DependsOnFormulas = details.DependsOnFormulas
		f.DependsOnFields = details.DependsOnFields
		if err := e.store.UpsertFormula(ctx, f); err != nil {
			return err
		}
	}

	for _, raw := range seed.Collections {
		if err := e.store.UpsertLabelCollection(ctx, &model.LabelCollection{
			ID:                    raw.ID,
			DatasheetDefinitionID: def.DatasheetDefinitionID,
			Name:                  raw.Name,
		}); err != nil {
			return err
		}
		labels := make([]*model.Label, 0, len(raw.Labels))
		for i, l := range raw.Labels {
			labels = append(labels, &model.Label{
				ID:           l.ID,
				CollectionID: raw.ID,
				Ordinal:      i,
				Attributes:   l.Attributes,
			})
		}
		if len(labels) > 0 {
			if err := e.store.UpsertLabels(ctx, labels); err != nil {
				return err
			}
		}
	}

	for _, raw := range seed.Reports {
		if err := e.store.UpsertReportDefinition(ctx, &model.ReportDefinition{
			ID:                  raw.ID,
			ProjectDefinitionID: def.ID,
			Name:                raw.Name,
			BaseAlias:           raw.BaseAlias,
			BaseCollectionID:    raw.BaseCollectionID,
			ProjectAlias:        raw.ProjectAlias,
			Joins:               raw.Joins,
			FormulaJoin:         raw.FormulaJoin,
			Columns:             raw.Columns,
			GroupBy:             raw.GroupBy,
			Having:              raw.Having,
			OrderBy:             raw.OrderBy,
			StageAttribute:      raw.StageAttribute,
			StageSummary:        raw.StageSummary,
			Summaries:           raw.Summaries,
		}); err != nil {
			return err
		}
	}

	e.logger.Info("loaded seed file", "path", path,
		"nodes", len(nodes), "formulas", len(formulas),
		"collections", len(seed.Collections), "reports", len(seed.Reports))
	return nil
}
