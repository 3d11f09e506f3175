package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSeedCmd creates the seed command: load a yaml seed document into the
// store.
func NewSeedCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "seed [file]",
		Short: "Load a yaml seed file into the database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := env.Config.SeedFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no seed file given and seed_file is not configured")
			}
			if err := env.Engine.LoadSeed(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s\n", path)
			return nil
		},
	}
}
