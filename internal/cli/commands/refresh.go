package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewRefreshCmd creates the refresh command: rebuild the row cache of a
// report definition.
func NewRefreshCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <report-definition-id>",
		Short: "Rebuild the cached row set of a report definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid report definition id %q: %w", args[0], err)
			}

			rows, err := env.Engine.RefreshCache(cmd.Context(), defID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cached %d rows for report definition %s\n", len(rows), defID)
			return nil
		},
	}
}
