// Package engine wires the formula resolver, the row cache builder, and
// the linking pipeline behind the three operations the surrounding
// application calls, and persists their artifacts through the blob store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/calcline-labs/calcline/internal/blob"
	"github.com/calcline-labs/calcline/internal/formula"
	"github.com/calcline-labs/calcline/internal/report"
	"github.com/calcline-labs/calcline/internal/store"
	"github.com/calcline-labs/calcline/internal/unit"
	"github.com/calcline-labs/calcline/internal/unitcache"
)

// Config configures an Engine.
type Config struct {
	Store  store.Store
	Blobs  blob.Store
	Logger *slog.Logger
}

// Engine is the computation core's front door. Every call builds its own
// unit index and row set; nothing is shared between concurrent calls
// except the external stores.
type Engine struct {
	store    store.Store
	blobs    blob.Store
	logger   *slog.Logger
	resolver *formula.Resolver
	cache    *report.CacheBuilder
	linker   *report.Linker
}

// New creates an Engine. Store and Blobs are required; a nil logger
// discards all output.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("engine requires a blob store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		store:    cfg.Store,
		blobs:    cfg.Blobs,
		logger:   logger,
		resolver: formula.NewResolver(cfg.Store, logger),
		cache:    report.NewCacheBuilder(cfg.Store, logger),
		linker:   report.NewLinker(logger),
	}, nil
}

func rowCacheKey(reportDefinitionID uuid.UUID) string {
	return "rowcache/" + reportDefinitionID.String()
}

func reportKey(projectID, reportDefinitionID uuid.UUID) string {
	return "reports/" + projectID.String() + "/" + reportDefinitionID.String()
}

func unitCacheKey(projectID uuid.UUID) string {
	return "units/" + projectID.String()
}

// ComputeAllProjectFormula builds the project's unit index. When a prior
// unit record set exists in the blob store, each formula unit is given its
// stored value and trace so Touched comparisons work.
func (e *Engine) ComputeAllProjectFormula(ctx context.Context, projectID, projectDefinitionID uuid.UUID) (*unit.Index, error) {
	index, err := e.resolver.ComputeAllProjectFormula(ctx, projectID, projectDefinitionID)
	if err != nil {
		return nil, err
	}

	data, err := e.blobs.Load(unitCacheKey(projectID))
	if errors.Is(err, blob.ErrNotFound) {
		return index, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prior unit records: %w", err)
	}
	records, err := unitcache.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode prior unit records: %w", err)
	}

	priors := make(map[[2]uuid.UUID]*unitcache.Record, len(records))
	for i := range records {
		record := &records[i]
		priors[[2]uuid.UUID{record.FormulaID, record.NodeID}] = record
	}
	matched := 0
	for _, u := range index.AllFormulaUnits() {
		if record, ok := priors[[2]uuid.UUID{u.FormulaID(), u.NodeID()}]; ok {
			u.SetPrior(&unit.PriorResult{Value: record.Value, Trace: record.Trace})
			matched++
		}
	}
	e.logger.Debug("loaded prior unit records",
		"project_id", projectID, "records", len(records), "matched", matched)
	return index, nil
}

// StoreUnitResults evaluates every formula unit in the index and persists
// the results as the project's unit record set, the prior side of the next
// run's Touched comparison.
func (e *Engine) StoreUnitResults(ctx context.Context, projectID uuid.UUID, index *unit.Index) error {
	units := index.AllFormulaUnits()
	records := make([]unitcache.Record, 0, len(units))
	for _, u := range units {
		value, err := u.Value()
		if err != nil {
			return fmt.Errorf("formula %q on node %s: %w", u.Name(), u.NodeID(), err)
		}
		trace, err := u.Trace()
		if err != nil {
			return fmt.Errorf("formula %q on node %s: %w", u.Name(), u.NodeID(), err)
		}
		records = append(records, unitcache.Record{
			FormulaID: u.FormulaID(),
			NodeID:    u.NodeID(),
			Path:      u.Path(),
			Name:      u.Name(),
			Trace:     trace,
			Value:     value,
		})
	}

	data, err := unitcache.Encode(records)
	if err != nil {
		return fmt.Errorf("failed to encode unit records: %w", err)
	}
	if err := e.blobs.Save(unitCacheKey(projectID), data); err != nil {
		return fmt.Errorf("failed to save unit records: %w", err)
	}
	e.logger.Info("stored unit results", "project_id", projectID, "records", len(records))
	return nil
}

// RefreshCache rebuilds and persists the row cache of a report definition.
// This is the only way cached rows change; nothing invalidates them
// automatically.
func (e *Engine) RefreshCache(ctx context.Context, reportDefinitionID uuid.UUID) ([]report.Row, error) {
	def, err := e.store.GetReportDefinition(ctx, reportDefinitionID)
	if err != nil {
		return nil, err
	}
	rows, err := e.cache.RefreshCache(ctx, def)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to encode row cache: %w", err)
	}
	if err := e.blobs.Save(rowCacheKey(def.ID), data); err != nil {
		return nil, fmt.Errorf("failed to save row cache: %w", err)
	}
	e.logger.Info("refreshed row cache", "report", def.Name, "rows", len(rows))
	return rows, nil
}

// loadRows serves the cached rows of a report definition, rebuilding the
// cache on a miss.
func (e *Engine) loadRows(ctx context.Context, reportDefinitionID uuid.UUID) ([]report.Row, error) {
	data, err := e.blobs.Load(rowCacheKey(reportDefinitionID))
	if errors.Is(err, blob.ErrNotFound) {
		return e.RefreshCache(ctx, reportDefinitionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load row cache: %w", err)
	}
	var rows []report.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("corrupt row cache: %w", err)
	}
	return rows, nil
}

// LinkReport links one report definition against one project and persists
// the assembled Report.
func (e *Engine) LinkReport(ctx context.Context, reportDefinitionID, projectID uuid.UUID) (*report.Report, error) {
	def, err := e.store.GetReportDefinition(ctx, reportDefinitionID)
	if err != nil {
		return nil, err
	}
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	projectDef, err := e.store.GetProjectDefinition(ctx, project.ProjectDefinitionID)
	if err != nil {
		return nil, err
	}

	rows, err := e.loadRows(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	index, err := e.ComputeAllProjectFormula(ctx, project.ID, project.ProjectDefinitionID)
	if err != nil {
		return nil, err
	}

	result, err := e.linker.LinkReport(ctx, def, projectDef, project, rows, index)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	if err := e.blobs.Save(reportKey(project.ID, def.ID), data); err != nil {
		return nil, fmt.Errorf("failed to save report: %w", err)
	}
	e.logger.Info("linked report",
		"report", def.Name, "project", project.Name, "stages", len(result.Stages))
	return result, nil
}

// LinkAll links every report definition of the project's definition
// concurrently. Runs are independent; the first failure cancels the rest.
func (e *Engine) LinkAll(ctx context.Context, projectID uuid.UUID) ([]*report.Report, error) {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defs, err := e.store.ListReportDefinitions(ctx, project.ProjectDefinitionID)
	if err != nil {
		return nil, err
	}

	reports := make([]*report.Report, len(defs))
	g, gctx := errgroup.WithContext(ctx)
	for i, def := range defs {
		i, def := i, def
		g.Go(func() error {
			result, err := e.LinkReport(gctx, def.ID, projectID)
			if err != nil {
				return err
			}
			reports[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
