package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/calcline-labs/calcline/internal/report"
	"github.com/calcline-labs/calcline/pkg/expr"
)

// NewLinkCmd creates the link command: assemble a report for a project.
func NewLinkCmd(env *Env) *cobra.Command {
	var format string
	var all bool

	cmd := &cobra.Command{
		Use:   "link <project-id> [report-definition-id]",
		Short: "Link report definitions against a project",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			projectID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid project id %q: %w", args[0], err)
			}

			var reports []*report.Report
			switch {
			case all || len(args) == 1:
				reports, err = env.Engine.LinkAll(ctx, projectID)
			default:
				defID, perr := uuid.Parse(args[1])
				if perr != nil {
					return fmt.Errorf("invalid report definition id %q: %w", args[1], perr)
				}
				var one *report.Report
				one, err = env.Engine.LinkReport(ctx, defID, projectID)
				reports = []*report.Report{one}
			}
			if err != nil {
				return err
			}

			for _, r := range reports {
				if err := renderReport(cmd.OutOrStdout(), r, format); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format (table, csv, json)")
	cmd.Flags().BoolVar(&all, "all", false, "link every report definition of the project")
	return cmd
}

func renderReport(w io.Writer, r *report.Report, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	columns := reportColumns(r)
	for _, stage := range r.Stages {
		if stage.Label != "" {
			fmt.Fprintf(w, "== %s ==\n", stage.Label)
		}

		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleLight)

		header := table.Row{"#"}
		for _, name := range columns {
			header = append(header, name)
		}
		t.AppendHeader(header)
		for _, row := range stage.Rows {
			out := table.Row{row.Ordinal}
			for _, name := range columns {
				out = append(out, expr.FormatValue(row.Columns[name]))
			}
			t.AppendRow(out)
		}
		if stage.Summary != nil {
			t.AppendFooter(table.Row{"", stage.Summary.Label, expr.FormatValue(stage.Summary.Value)})
		}

		if format == "csv" {
			t.RenderCSV()
		} else {
			t.Render()
		}
	}

	for _, summary := range r.Summaries {
		fmt.Fprintf(w, "%s: %s\n", summary.Label, expr.FormatValue(summary.Value))
	}
	return nil
}

// reportColumns collects the union of column names across all rows so
// every stage table shares one header, in stable order.
func reportColumns(r *report.Report) []string {
	seen := map[string]bool{}
	var names []string
	for _, row := range r.Rows() {
		for name := range row.Columns {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}
