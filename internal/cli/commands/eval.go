package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/calcline-labs/calcline/pkg/expr"
)

// NewEvalCmd creates the eval command: an interactive loop over the
// expression grammar with a persistent scope for trying formulas out.
func NewEvalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eval [expression]",
		Short: "Evaluate expressions interactively or from an argument",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return evalOnce(cmd.OutOrStdout(), args[0], expr.Scope{})
			}
			return runEvalREPL(cmd)
		},
	}
}

func evalOnce(w io.Writer, source string, scope expr.Scope) error {
	program, err := expr.Parse(source)
	if err != nil {
		return err
	}
	value, err := expr.Evaluate(program, scope)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, expr.FormatValue(value))
	return nil
}

func runEvalREPL(cmd *cobra.Command) error {
	historyFile := filepath.Join(os.TempDir(), "calcline_eval_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "calcline> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize REPL: %w", err)
	}
	defer func() { _ = rl.Close() }()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "calcline expression REPL")
	fmt.Fprintln(out, "Assign with name = expression, .scope lists bindings, .quit exits")
	fmt.Fprintln(out)

	scope := expr.Scope{}
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == ".quit" || line == ".exit":
			return nil
		case line == ".scope":
			for name, value := range scope {
				fmt.Fprintf(out, "%s = %s\n", name, expr.FormatValue(value))
			}
			continue
		case line == ".help":
			fmt.Fprintln(out, "Enter an expression, or name = expression to bind a value.")
			fmt.Fprintln(out, "Functions:", strings.Join(expr.BuiltinNames(), ", "))
			continue
		}

		if name, source, ok := splitAssignment(line); ok {
			program, err := expr.Parse(source)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			value, err := expr.Evaluate(program, scope)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			scope[name] = value
			fmt.Fprintf(out, "%s = %s\n", name, expr.FormatValue(value))
			continue
		}

		if err := evalOnce(out, line, scope); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

// splitAssignment recognizes "name = expression" lines. A lone = after a
// bare identifier is an assignment; == and friends are not.
func splitAssignment(line string) (name, source string, ok bool) {
	i := strings.IndexByte(line, '=')
	if i <= 0 || i == len(line)-1 {
		return "", "", false
	}
	if line[i+1] == '=' {
		return "", "", false
	}
	name = strings.TrimSpace(line[:i])
	if name == "" || strings.ContainsAny(name, " \t<>!+-*/()[]") {
		return "", "", false
	}
	return name, strings.TrimSpace(line[i+1:]), true
}
