// Package main provides the CLI for the calcline formula and report
// engine.
package main

import (
	"os"

	"github.com/calcline-labs/calcline/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
