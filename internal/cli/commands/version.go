package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewVersionCmd creates the version command.
func NewVersionCmd(version, buildDate, gitCommit string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "calcline %s\n", version)
			fmt.Fprintf(out, "Build date: %s\n", buildDate)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
		},
	}
}
