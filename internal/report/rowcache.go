package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/calcline-labs/calcline/internal/model"
	"github.com/calcline-labs/calcline/internal/store"
)

// labelIDAttr is the reserved attribute every seeded or joined label
// carries so later joins can match on the label id itself.
const labelIDAttr = "id"

// CacheBuilder materializes the durable seed rows for a report definition
// by following its declarative join plan across label collections.
type CacheBuilder struct {
	store  store.Store
	logger *slog.Logger
}

// NewCacheBuilder creates a cache builder over the given store. A nil
// logger discards all output.
func NewCacheBuilder(s store.Store, logger *slog.Logger) *CacheBuilder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CacheBuilder{store: s, logger: logger}
}

// RefreshCache builds the deduplicated row set for a report definition:
// one seed row per base label, extended or fanned out by each join in
// order, then the formula attribute recorded under the formula join alias.
// The result is the input of LinkReport and persists until the next
// explicit refresh.
func (b *CacheBuilder) RefreshCache(ctx context.Context, def *model.ReportDefinition) ([]Row, error) {
	baseLabels, err := b.store.ListLabels(ctx, def.BaseCollectionID)
	if err != nil {
		return nil, generationErrorf(def.Name, "row cache", err, "failed to load base collection %s", def.BaseCollectionID)
	}
	if len(baseLabels) == 0 {
		return nil, generationErrorf(def.Name, "row cache", nil, "base collection %s has no labels", def.BaseCollectionID)
	}

	rows := make([]Row, 0, len(baseLabels))
	for _, label := range baseLabels {
		rows = append(rows, Row{def.BaseAlias: labelAttrs(label)})
	}

	for _, join := range def.Joins {
		rows, err = b.applyJoin(ctx, def, join, rows)
		if err != nil {
			return nil, err
		}
	}

	if fj := def.FormulaJoin; fj != nil {
		for _, row := range rows {
			attrs, ok := row[fj.FromAlias]
			if !ok {
				return nil, generationErrorf(def.Name, "formula join", nil, "no alias %q on row", fj.FromAlias)
			}
			formulaID, ok := attrs[fj.FromProperty]
			if !ok {
				return nil, generationErrorf(def.Name, "formula join", nil, "alias %q has no attribute %q", fj.FromAlias, fj.FromProperty)
			}
			row[fj.Alias] = Attrs{"formula_id": formulaID}
		}
	}

	deduped, err := dedupRows(rows)
	if err != nil {
		return nil, generationErrorf(def.Name, "row cache", err, "deduplication failed")
	}
	b.logger.Debug("refreshed row cache",
		"report", def.Name, "rows", len(deduped), "dropped_duplicates", len(rows)-len(deduped))
	return deduped, nil
}

// applyJoin runs one step of the join plan over all rows built so far.
func (b *CacheBuilder) applyJoin(ctx context.Context, def *model.ReportDefinition, join model.JoinSpec, rows []Row) ([]Row, error) {
	targetLabels, err := b.store.ListLabels(ctx, join.TargetCollectionID)
	if err != nil {
		return nil, generationErrorf(def.Name, "join", err, "failed to load collection %s for alias %q", join.TargetCollectionID, join.DestAlias)
	}

	// Multi-map from matching attribute value (or label id) to labels.
	targets := make(map[string][]*model.Label, len(targetLabels))
	for _, label := range targetLabels {
		key := label.ID.String()
		if join.TargetProperty != "" {
			v, ok := label.Attributes[join.TargetProperty]
			if !ok {
				continue
			}
			key = matchKey(v)
		}
		targets[key] = append(targets[key], label)
	}

	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		attrs, ok := row[join.FromAlias]
		if !ok {
			return nil, generationErrorf(def.Name, "join", nil, "no alias %q on row, aliases grow in join order", join.FromAlias)
		}
		fromValue, ok := attrs[join.FromProperty]
		if !ok {
			return nil, generationErrorf(def.Name, "join", nil, "alias %q has no attribute %q", join.FromAlias, join.FromProperty)
		}

		matches := targets[matchKey(fromValue)]
		switch {
		case len(matches) == 0:
			if !join.AllowDiscard {
				return nil, generationErrorf(def.Name, "join", nil,
					"no label in collection %s matches %s.%s=%v", join.TargetCollectionID, join.FromAlias, join.FromProperty, fromValue)
			}
			b.logger.Warn("discarding row with no join match",
				"report", def.Name, "alias", join.DestAlias, "from", join.FromAlias+"."+join.FromProperty, "value", fromValue)
		case len(matches) == 1:
			row[join.DestAlias] = labelAttrs(matches[0])
			out = append(out, row)
		default:
			if join.SameCardinality {
				return nil, generationErrorf(def.Name, "join", nil,
					"join to alias %q declared same cardinality but %s.%s=%v matches %d labels",
					join.DestAlias, join.FromAlias, join.FromProperty, fromValue, len(matches))
			}
			for _, label := range matches {
				fanned := row.Clone()
				fanned[join.DestAlias] = labelAttrs(label)
				out = append(out, fanned)
			}
		}
	}
	return out, nil
}

// labelAttrs copies a label's attributes and stamps the label id under the
// reserved id attribute.
func labelAttrs(label *model.Label) Attrs {
	attrs := make(Attrs, len(label.Attributes)+1)
	for k, v := range label.Attributes {
		attrs[k] = v
	}
	if _, taken := attrs[labelIDAttr]; !taken {
		attrs[labelIDAttr] = label.ID.String()
	}
	return attrs
}

// matchKey normalizes a join attribute value into a comparable key.
// Attribute maps come out of JSON, so numbers arrive as float64.
func matchKey(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// dedupRows drops rows whose full content hash was already seen. First
// occurrence wins; order is preserved.
func dedupRows(rows []Row) ([]Row, error) {
	seen := make(map[string]bool, len(rows))
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		hash, err := row.ContentHash()
		if err != nil {
			return nil, err
		}
		if seen[hash] {
			continue
		}
		seen[hash] = true
		out = append(out, row)
	}
	return out, nil
}
