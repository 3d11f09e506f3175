// Package commands implements the calcline subcommands.
package commands

import (
	"log/slog"

	"github.com/calcline-labs/calcline/internal/config"
	"github.com/calcline-labs/calcline/internal/engine"
	"github.com/calcline-labs/calcline/internal/store"
)

// Env carries the collaborators the root command opens for every
// subcommand run.
type Env struct {
	Config *config.Config
	Store  *store.SQLiteStore
	Engine *engine.Engine
	Logger *slog.Logger
}

// Close releases the environment's resources.
func (e *Env) Close() error {
	if e.Store != nil {
		return e.Store.Close()
	}
	return nil
}
