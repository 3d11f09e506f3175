package report

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calcline-labs/calcline/internal/model"
	"github.com/calcline-labs/calcline/internal/store"
	"github.com/calcline-labs/calcline/internal/unit"
)

func openTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s := store.NewSQLiteStore()
	require.NoError(t, s.Open(":memory:"))
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCollection(t *testing.T, s store.Store, attrs ...map[string]any) uuid.UUID {
	t.Helper()
	collectionID := uuid.New()
	require.NoError(t, s.UpsertLabelCollection(context.Background(), &model.LabelCollection{
		ID: collectionID, DatasheetDefinitionID: uuid.New(), Name: "collection",
	}))
	labels := make([]*model.Label, len(attrs))
	for i, a := range attrs {
		labels[i] = &model.Label{ID: uuid.New(), CollectionID: collectionID, Ordinal: i, Attributes: a}
	}
	require.NoError(t, s.UpsertLabels(context.Background(), labels))
	return collectionID
}

func TestRefreshCache_SeedsOneRowPerBaseLabel(t *testing.T) {
	s := openTestStore(t)
	baseID := seedCollection(t, s,
		map[string]any{"pos": "a"},
		map[string]any{"pos": "b"},
	)

	b := NewCacheBuilder(s, nil)
	rows, err := b.RefreshCache(context.Background(), &model.ReportDefinition{
		Name: "r", BaseAlias: "item", BaseCollectionID: baseID,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0]["item"]["pos"])
	assert.Equal(t, "b", rows[1]["item"]["pos"])
	assert.NotEmpty(t, rows[0]["item"]["id"])
}

func TestRefreshCache_JoinFanOut(t *testing.T) {
	s := openTestStore(t)
	baseID := seedCollection(t, s, map[string]any{"tag": "x"})
	targetID := seedCollection(t, s,
		map[string]any{"tag": "x", "name": "one"},
		map[string]any{"tag": "x", "name": "two"},
		map[string]any{"tag": "x", "name": "three"},
		map[string]any{"tag": "y", "name": "other"},
	)

	b := NewCacheBuilder(s, nil)
	rows, err := b.RefreshCache(context.Background(), &model.ReportDefinition{
		Name: "r", BaseAlias: "item", BaseCollectionID: baseID,
		Joins: []model.JoinSpec{{
			FromAlias: "item", FromProperty: "tag",
			TargetCollectionID: targetID, TargetProperty: "tag",
			DestAlias: "detail",
		}},
	})
	require.NoError(t, err)

	// Three matches fan the single base row into three rows that differ
	// only under the joined alias.
	require.Len(t, rows, 3)
	names := []string{}
	for _, row := range rows {
		assert.Equal(t, "x", row["item"]["tag"])
		names = append(names, row["detail"]["name"].(string))
	}
	assert.Equal(t, []string{"one", "two", "three"}, names)
}

func TestRefreshCache_SameCardinalityFanOutIsFatal(t *testing.T) {
	s := openTestStore(t)
	baseID := seedCollection(t, s, map[string]any{"tag": "x"})
	targetID := seedCollection(t, s,
		map[string]any{"tag": "x"},
		map[string]any{"tag": "x"},
	)

	b := NewCacheBuilder(s, nil)
	_, err := b.RefreshCache(context.Background(), &model.ReportDefinition{
		Name: "r", BaseAlias: "item", BaseCollectionID: baseID,
		Joins: []model.JoinSpec{{
			FromAlias: "item", FromProperty: "tag",
			TargetCollectionID: targetID, TargetProperty: "tag",
			DestAlias: "detail", SameCardinality: true,
		}},
	})

	var gerr *GenerationError
	require.ErrorAs(t, err, &gerr)
	assert.Contains(t, gerr.Error(), "same cardinality")
}

func TestRefreshCache_ZeroMatches(t *testing.T) {
	s := openTestStore(t)
	baseID := seedCollection(t, s,
		map[string]any{"tag": "x"},
		map[string]any{"tag": "orphan"},
	)
	targetID := seedCollection(t, s, map[string]any{"tag": "x", "name": "one"})

	join := model.JoinSpec{
		FromAlias: "item", FromProperty: "tag",
		TargetCollectionID: targetID, TargetProperty: "tag",
		DestAlias: "detail",
	}
	b := NewCacheBuilder(s, nil)

	// Fatal by default.
	_, err := b.RefreshCache(context.Background(), &model.ReportDefinition{
		Name: "r", BaseAlias: "item", BaseCollectionID: baseID,
		Joins: []model.JoinSpec{join},
	})
	var gerr *GenerationError
	require.ErrorAs(t, err, &gerr)

	// A logged drop when the join allows discard.
	join.AllowDiscard = true
	rows, err := b.RefreshCache(context.Background(), &model.ReportDefinition{
		Name: "r", BaseAlias: "item", BaseCollectionID: baseID,
		Joins: []model.JoinSpec{join},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "x", rows[0]["item"]["tag"])
}

func TestRefreshCache_JoinOnLabelID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	targetID := uuid.New()
	require.NoError(t, s.UpsertLabelCollection(ctx, &model.LabelCollection{
		ID: targetID, DatasheetDefinitionID: uuid.New(), Name: "articles",
	}))
	article := &model.Label{ID: uuid.New(), CollectionID: targetID, Ordinal: 0, Attributes: map[string]any{"name": "valve"}}
	require.NoError(t, s.UpsertLabels(ctx, []*model.Label{article}))

	baseID := seedCollection(t, s, map[string]any{"article_id": article.ID.String()})

	b := NewCacheBuilder(s, nil)
	rows, err := b.RefreshCache(ctx, &model.ReportDefinition{
		Name: "r", BaseAlias: "item", BaseCollectionID: baseID,
		Joins: []model.JoinSpec{{
			// Empty TargetProperty matches against the label id.
			FromAlias: "item", FromProperty: "article_id",
			TargetCollectionID: targetID, DestAlias: "article",
		}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "valve", rows[0]["article"]["name"])
}

func TestRefreshCache_ChainedJoinsCollapseByGroup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Two articles, each referencing its own part by id; each part's tag
	// fans into two categories, so the cache holds 2x1x2 = 4 rows.
	partsID := uuid.New()
	require.NoError(t, s.UpsertLabelCollection(ctx, &model.LabelCollection{
		ID: partsID, DatasheetDefinitionID: uuid.New(), Name: "parts",
	}))
	partA := &model.Label{ID: uuid.New(), CollectionID: partsID, Ordinal: 0, Attributes: map[string]any{"tag": "t1"}}
	partB := &model.Label{ID: uuid.New(), CollectionID: partsID, Ordinal: 1, Attributes: map[string]any{"tag": "t2"}}
	require.NoError(t, s.UpsertLabels(ctx, []*model.Label{partA, partB}))

	categoriesID := seedCollection(t, s,
		map[string]any{"tag": "t1", "name": "red"},
		map[string]any{"tag": "t1", "name": "blue"},
		map[string]any{"tag": "t2", "name": "red"},
		map[string]any{"tag": "t2", "name": "blue"},
	)
	articlesID := seedCollection(t, s,
		map[string]any{"name": "a1", "part_id": partA.ID.String()},
		map[string]any{"name": "a2", "part_id": partB.ID.String()},
	)

	def := &model.ReportDefinition{
		Name: "r", BaseAlias: "article", BaseCollectionID: articlesID,
		Joins: []model.JoinSpec{
			{
				FromAlias: "article", FromProperty: "part_id",
				TargetCollectionID: partsID, DestAlias: "part",
				SameCardinality: true,
			},
			{
				FromAlias: "part", FromProperty: "tag",
				TargetCollectionID: categoriesID, TargetProperty: "tag",
				DestAlias: "cat",
			},
		},
		Columns: []model.ColumnSpec{
			{Name: "category", Expression: "cat.name", AlwaysVisible: true},
			{Name: "one", Expression: "1"},
			{Name: "articles", Expression: "sum(one)", Aggregate: true},
		},
		GroupBy: []string{"cat.name"},
	}

	b := NewCacheBuilder(s, nil)
	rows, err := b.RefreshCache(ctx, def)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	report, err := NewLinker(nil).LinkReport(ctx, def, testProjectDef(), testProject(), rows, unit.NewIndex())
	require.NoError(t, err)

	// Both articles contribute one row per category, collapsing the four
	// cached rows into two groups in first-occurrence order.
	all := report.Rows()
	require.Len(t, all, 2)
	assert.Equal(t, "red", all[0].Columns["category"])
	assert.Equal(t, "blue", all[1].Columns["category"])
	assertDecimal(t, 2, all[0].Columns["articles"])
	assertDecimal(t, 2, all[1].Columns["articles"])
}

func TestRefreshCache_FormulaJoinStampsFormulaID(t *testing.T) {
	s := openTestStore(t)
	formulaID := uuid.New()
	baseID := seedCollection(t, s, map[string]any{"calc_id": formulaID.String()})

	b := NewCacheBuilder(s, nil)
	rows, err := b.RefreshCache(context.Background(), &model.ReportDefinition{
		Name: "r", BaseAlias: "item", BaseCollectionID: baseID,
		FormulaJoin: &model.FormulaJoinSpec{Alias: "calc", FromAlias: "item", FromProperty: "calc_id"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, formulaID.String(), rows[0]["calc"]["formula_id"])
}

func TestRefreshCache_Idempotent(t *testing.T) {
	s := openTestStore(t)
	baseID := seedCollection(t, s,
		map[string]any{"tag": "x"},
		map[string]any{"tag": "y"},
	)
	targetID := seedCollection(t, s,
		map[string]any{"tag": "x", "name": "one"},
		map[string]any{"tag": "y", "name": "two"},
	)
	def := &model.ReportDefinition{
		Name: "r", BaseAlias: "item", BaseCollectionID: baseID,
		Joins: []model.JoinSpec{{
			FromAlias: "item", FromProperty: "tag",
			TargetCollectionID: targetID, TargetProperty: "tag",
			DestAlias: "detail",
		}},
	}

	b := NewCacheBuilder(s, nil)
	first, err := b.RefreshCache(context.Background(), def)
	require.NoError(t, err)
	second, err := b.RefreshCache(context.Background(), def)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		firstHash, err := first[i].ContentHash()
		require.NoError(t, err)
		secondHash, err := second[i].ContentHash()
		require.NoError(t, err)
		assert.Equal(t, firstHash, secondHash)
	}
}

func TestDedupRows_FirstOccurrenceWins(t *testing.T) {
	a := Row{"item": Attrs{"pos": "a"}}
	b := Row{"item": Attrs{"pos": "b"}}
	dup := Row{"item": Attrs{"pos": "a"}}

	out, err := dedupRows([]Row{a, b, dup})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0]["item"]["pos"])
	assert.Equal(t, "b", out[1]["item"]["pos"])
}
