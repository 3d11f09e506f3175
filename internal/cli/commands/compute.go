package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// NewComputeCmd creates the compute command: evaluate every formula unit
// of a project and store the results.
func NewComputeCmd(env *Env) *cobra.Command {
	var projectDefID string

	cmd := &cobra.Command{
		Use:   "compute <project-id>",
		Short: "Evaluate all formula units of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			projectID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid project id %q: %w", args[0], err)
			}
			defID, err := resolveDefinitionID(ctx, env, projectID, projectDefID)
			if err != nil {
				return err
			}

			index, err := env.Engine.ComputeAllProjectFormula(ctx, projectID, defID)
			if err != nil {
				return err
			}
			if err := env.Engine.StoreUnitResults(ctx, projectID, index); err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Formula", "Node", "Value", "Touched", "Trace"})
			for _, u := range index.AllFormulaUnits() {
				value, err := u.Value()
				if err != nil {
					return err
				}
				trace, err := u.Trace()
				if err != nil {
					return err
				}
				touched, err := u.Touched()
				if err != nil {
					return err
				}
				t.AppendRow(table.Row{u.Name(), u.NodeID(), fmt.Sprintf("%v", value), touched, trace})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&projectDefID, "definition", "", "project definition id (default: the project's own)")
	return cmd
}

// resolveDefinitionID returns the project definition id to compute
// against: an explicit override, or the one the project references.
func resolveDefinitionID(ctx context.Context, env *Env, projectID uuid.UUID, override string) (uuid.UUID, error) {
	if override != "" {
		id, err := uuid.Parse(override)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid definition id %q: %w", override, err)
		}
		return id, nil
	}
	project, err := env.Store.GetProject(ctx, projectID)
	if err != nil {
		return uuid.Nil, err
	}
	return project.ProjectDefinitionID, nil
}
